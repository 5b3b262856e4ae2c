package mongo

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"whatsnep/internal/domain/chat"
)

// Store keeps chat data in three collections and joins profiles in the
// application, one $in query per read.
type Store struct {
	profiles      *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewStore(db *mongo.Database) *Store {
	return &Store{
		profiles:      db.Collection("profiles"),
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
	}
}

var _ chat.Backend = (*Store)(nil)

// EnsureIndexes creates the unique handle index and the lookup indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.profiles.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participant_1", Value: 1}}},
		{Keys: bson.D{{Key: "participant_2", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

func (s *Store) CreateUser(ctx context.Context, user chat.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return chat.ErrUserRequired
	}
	handle, err := chat.ValidateHandle(user.Handle)
	if err != nil {
		return err
	}
	user.Handle = handle
	doc := newProfileDocument(user)
	_, err = s.profiles.UpdateByID(ctx, doc.ID, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return chat.ErrHandleTaken
	}
	return err
}

func (s *Store) Profile(ctx context.Context, userID string) (chat.User, error) {
	var doc profileDocument
	if err := s.profiles.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc); err != nil {
		return chat.User{}, notFound(err)
	}
	return doc.toUser(), nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	res, err := s.profiles.UpdateByID(ctx, userID, bson.M{"$set": bson.M{"is_online": online, "last_seen": at.UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) HandleAvailable(ctx context.Context, handle string) (bool, error) {
	n, err := s.profiles.CountDocuments(ctx, bson.M{"username": chat.NormalizeHandle(handle)}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *Store) SearchUsersByHandle(ctx context.Context, query, excludingUserID string, limit int) ([]chat.User, error) {
	if limit <= 0 {
		limit = 10
	}
	filter := bson.M{
		"_id":      bson.M{"$ne": excludingUserID},
		"username": primitive.Regex{Pattern: regexp.QuoteMeta(chat.NormalizeQuery(query)), Options: "i"},
	}
	opts := options.Find().SetSort(bson.D{{Key: "username", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.profiles.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []profileDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]chat.User, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toUser())
	}
	return out, nil
}

func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	cur, err := s.conversations.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"participant_1": userID},
		bson.M{"participant_2": userID},
	}})
	if err != nil {
		return nil, err
	}
	var docs []conversationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, 0, 2*len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ParticipantA, doc.ParticipantB)
	}
	members, err := s.profilesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Conversation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toConversation(members))
	}
	chat.SortByActivity(out)
	return out, nil
}

func (s *Store) FindConversation(ctx context.Context, a, b string) (chat.Conversation, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"participant_1": a, "participant_2": b},
		bson.M{"participant_1": b, "participant_2": a},
	}}
	var doc conversationDocument
	err := s.conversations.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})).Decode(&doc)
	if err != nil {
		return chat.Conversation{}, notFound(err)
	}
	return s.joined(ctx, doc)
}

func (s *Store) CreateConversation(ctx context.Context, a, b string, at time.Time) (chat.Conversation, error) {
	a, b, err := chat.NewConversationPair(a, b)
	if err != nil {
		return chat.Conversation{}, err
	}
	doc := conversationDocument{ID: uuid.NewString(), ParticipantA: a, ParticipantB: b, CreatedAt: at.UTC()}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		return chat.Conversation{}, err
	}
	return s.joined(ctx, doc)
}

func (s *Store) ConversationParticipants(ctx context.Context, conversationID string) (string, string, error) {
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc); err != nil {
		return "", "", notFound(err)
	}
	return doc.ParticipantA, doc.ParticipantB, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	senders := make([]string, 0, len(docs))
	for _, doc := range docs {
		senders = append(senders, doc.SenderID)
	}
	profiles, err := s.profilesByID(ctx, senders)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(docs))
	for _, doc := range docs {
		msg := doc.toMessage()
		if sender, ok := profiles[msg.SenderID]; ok {
			msg.Sender = &sender
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, req chat.NewMessage) (chat.Message, error) {
	req, err := chat.PrepareMessage(req.ConversationID, req.SenderID, req.Text, req.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	n, err := s.conversations.CountDocuments(ctx, bson.M{"_id": req.ConversationID}, options.Count().SetLimit(1))
	if err != nil {
		return chat.Message{}, err
	}
	if n == 0 {
		return chat.Message{}, chat.ErrNotFound
	}
	doc := messageDocument{
		ID:             ulid.Make().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Text,
		CreatedAt:      req.CreatedAt,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return chat.Message{}, err
	}
	return doc.toMessage(), nil
}

func (s *Store) UpdateConversationPreview(ctx context.Context, conversationID string, preview chat.Preview) error {
	res, err := s.conversations.UpdateByID(ctx, conversationID, bson.M{"$set": bson.M{
		"last_message":    preview.LastMessage,
		"last_message_at": preview.LastMessageAt.UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, excludingSenderID string) error {
	_, err := s.messages.UpdateMany(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": excludingSenderID},
		"is_read":         false,
	}, bson.M{"$set": bson.M{"is_read": true}})
	return err
}

func (s *Store) joined(ctx context.Context, doc conversationDocument) (chat.Conversation, error) {
	members, err := s.profilesByID(ctx, []string{doc.ParticipantA, doc.ParticipantB})
	if err != nil {
		return chat.Conversation{}, err
	}
	return doc.toConversation(members), nil
}

func (s *Store) profilesByID(ctx context.Context, ids []string) (map[string]chat.User, error) {
	out := make(map[string]chat.User)
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.profiles.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var docs []profileDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, doc := range docs {
		out[doc.ID] = doc.toUser()
	}
	return out, nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.ErrNotFound
	}
	return err
}

type profileDocument struct {
	ID          string    `bson:"_id"`
	Username    string    `bson:"username"`
	DisplayName string    `bson:"display_name"`
	AvatarURL   string    `bson:"avatar_url"`
	IsOnline    bool      `bson:"is_online"`
	LastSeen    time.Time `bson:"last_seen,omitempty"`
}

func newProfileDocument(u chat.User) profileDocument {
	return profileDocument{
		ID:          u.ID,
		Username:    u.Handle,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarRef,
		IsOnline:    u.Online,
		LastSeen:    u.LastSeen,
	}
}

func (d profileDocument) toUser() chat.User {
	u := chat.User{ID: d.ID, Handle: d.Username, DisplayName: d.DisplayName, AvatarRef: d.AvatarURL, Online: d.IsOnline}
	if !d.LastSeen.IsZero() {
		u.LastSeen = d.LastSeen.UTC()
	}
	return u
}

type conversationDocument struct {
	ID            string    `bson:"_id"`
	ParticipantA  string    `bson:"participant_1"`
	ParticipantB  string    `bson:"participant_2"`
	LastMessage   string    `bson:"last_message,omitempty"`
	LastMessageAt time.Time `bson:"last_message_at,omitempty"`
	CreatedAt     time.Time `bson:"created_at"`
}

func (d conversationDocument) toConversation(profiles map[string]chat.User) chat.Conversation {
	conv := chat.Conversation{
		ID:           d.ID,
		ParticipantA: d.ParticipantA,
		ParticipantB: d.ParticipantB,
		LastMessage:  d.LastMessage,
		CreatedAt:    d.CreatedAt.UTC(),
	}
	if !d.LastMessageAt.IsZero() {
		conv.LastMessageAt = d.LastMessageAt.UTC()
	}
	for _, id := range []string{d.ParticipantA, d.ParticipantB} {
		if u, ok := profiles[id]; ok {
			conv.Members = append(conv.Members, u)
		}
	}
	return conv
}

type messageDocument struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	Content        string    `bson:"content"`
	CreatedAt      time.Time `bson:"created_at"`
	IsRead         bool      `bson:"is_read"`
}

func (d messageDocument) toMessage() chat.Message {
	return chat.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Text:           d.Content,
		CreatedAt:      d.CreatedAt.UTC(),
		Read:           d.IsRead,
	}
}
