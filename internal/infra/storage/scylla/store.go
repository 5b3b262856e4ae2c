package scylla

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"whatsnep/internal/domain/chat"
)

const profileColumns = `id, username, display_name, avatar_url, is_online, last_seen`

const conversationColumns = `id, participant_1, participant_2, last_message, last_message_at, created_at`

// Store wraps Scylla queries for profiles, conversations and messages.
// Handle uniqueness is enforced with a lightweight transaction on
// profiles_by_username.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
}

func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{session: session, logger: logger}
}

var _ chat.Backend = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, user chat.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return chat.ErrUserRequired
	}
	handle, err := chat.ValidateHandle(user.Handle)
	if err != nil {
		return err
	}
	prev, err := s.Profile(ctx, user.ID)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return err
	}

	existing := map[string]interface{}{}
	applied, err := s.session.
		Query(`INSERT INTO profiles_by_username (username, id) VALUES (?, ?) IF NOT EXISTS`, handle, user.ID).
		WithContext(ctx).
		MapScanCAS(existing)
	if err != nil {
		return err
	}
	if owner, _ := existing["id"].(string); !applied && owner != user.ID {
		return chat.ErrHandleTaken
	}

	if err := s.session.
		Query(`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			user.ID, handle, user.DisplayName, user.AvatarRef, user.Online, user.LastSeen.UTC()).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return err
	}
	if prev.Handle != "" && prev.Handle != handle {
		if err := s.session.Query(`DELETE FROM profiles_by_username WHERE username = ?`, prev.Handle).WithContext(ctx).Exec(); err != nil {
			s.logger.Warn("failed to release previous handle", "user_id", user.ID, "handle", prev.Handle, "error", err)
		}
	}
	return nil
}

func (s *Store) Profile(ctx context.Context, userID string) (chat.User, error) {
	var p profileRow
	err := s.session.
		Query(`SELECT `+profileColumns+` FROM profiles WHERE id = ? LIMIT 1`, userID).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(p.dest()...)
	if err != nil {
		return chat.User{}, notFound(err)
	}
	return p.user(), nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	applied, err := s.session.
		Query(`UPDATE profiles SET is_online = ?, last_seen = ? WHERE id = ? IF EXISTS`, online, at.UTC(), userID).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) HandleAvailable(ctx context.Context, handle string) (bool, error) {
	var id string
	err := s.session.
		Query(`SELECT id FROM profiles_by_username WHERE username = ?`, chat.NormalizeHandle(handle)).
		WithContext(ctx).
		Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// SearchUsersByHandle scans the profiles table and filters in process.
// Scylla has no substring index.
func (s *Store) SearchUsersByHandle(ctx context.Context, query, excludingUserID string, limit int) ([]chat.User, error) {
	if limit <= 0 {
		limit = 10
	}
	query = chat.NormalizeQuery(query)
	iter := s.session.
		Query(`SELECT ` + profileColumns + ` FROM profiles`).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	out := make([]chat.User, 0)
	var p profileRow
	for iter.Scan(p.dest()...) {
		if p.id == excludingUserID || !strings.Contains(p.handle, query) {
			continue
		}
		out = append(out, p.user())
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	convs, err := s.conversationsWith(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.join(ctx, convs); err != nil {
		return nil, err
	}
	chat.SortByActivity(convs)
	return convs, nil
}

func (s *Store) FindConversation(ctx context.Context, a, b string) (chat.Conversation, error) {
	convs, err := s.conversationsWith(ctx, a)
	if err != nil {
		return chat.Conversation{}, err
	}
	var (
		match chat.Conversation
		found bool
	)
	for _, conv := range convs {
		if conv.Between(a, b) && (!found || conv.CreatedAt.Before(match.CreatedAt)) {
			match, found = conv, true
		}
	}
	if !found {
		return chat.Conversation{}, chat.ErrNotFound
	}
	joined := []chat.Conversation{match}
	if err := s.join(ctx, joined); err != nil {
		return chat.Conversation{}, err
	}
	return joined[0], nil
}

func (s *Store) CreateConversation(ctx context.Context, a, b string, at time.Time) (chat.Conversation, error) {
	a, b, err := chat.NewConversationPair(a, b)
	if err != nil {
		return chat.Conversation{}, err
	}
	id := gocql.TimeUUID()
	conv := chat.Conversation{ID: id.String(), ParticipantA: a, ParticipantB: b, CreatedAt: at.UTC()}
	if err := s.session.
		Query(`INSERT INTO conversations (id, participant_1, participant_2, participants, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, a, b, []string{a, b}, conv.CreatedAt).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return chat.Conversation{}, err
	}
	joined := []chat.Conversation{conv}
	if err := s.join(ctx, joined); err != nil {
		return chat.Conversation{}, err
	}
	return joined[0], nil
}

func (s *Store) ConversationParticipants(ctx context.Context, conversationID string) (string, string, error) {
	id, err := parseID(conversationID)
	if err != nil {
		return "", "", err
	}
	var a, b string
	if err := s.session.
		Query(`SELECT participant_1, participant_2 FROM conversations WHERE id = ? LIMIT 1`, id).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&a, &b); err != nil {
		return "", "", notFound(err)
	}
	return a, b, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	id, err := parseID(conversationID)
	if err != nil {
		return nil, err
	}
	iter := s.session.
		Query(`SELECT message_id, sender_id, text, created_at, is_read FROM messages WHERE conversation_id = ?`, id).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	out := make([]chat.Message, 0)
	var (
		messageID gocql.UUID
		sender    string
		text      string
		createdAt time.Time
		read      bool
	)
	senders := make([]string, 0)
	for iter.Scan(&messageID, &sender, &text, &createdAt, &read) {
		out = append(out, chat.Message{
			ID:             messageID.String(),
			ConversationID: conversationID,
			SenderID:       sender,
			Text:           text,
			CreatedAt:      createdAt.UTC(),
			Read:           read,
		})
		senders = append(senders, sender)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	profiles, err := s.profilesByID(ctx, senders)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if sender, ok := profiles[out[i].SenderID]; ok {
			out[i].Sender = &sender
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, req chat.NewMessage) (chat.Message, error) {
	req, err := chat.PrepareMessage(req.ConversationID, req.SenderID, req.Text, req.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	if _, _, err := s.ConversationParticipants(ctx, req.ConversationID); err != nil {
		return chat.Message{}, err
	}
	convID, _ := parseID(req.ConversationID)
	messageID := gocql.TimeUUID()
	if err := s.session.
		Query(`INSERT INTO messages (conversation_id, message_id, sender_id, text, created_at, is_read) VALUES (?, ?, ?, ?, ?, ?)`,
			convID, messageID, req.SenderID, req.Text, req.CreatedAt, false).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:             messageID.String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		CreatedAt:      req.CreatedAt,
	}, nil
}

func (s *Store) UpdateConversationPreview(ctx context.Context, conversationID string, preview chat.Preview) error {
	id, err := parseID(conversationID)
	if err != nil {
		return err
	}
	applied, err := s.session.
		Query(`UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ? IF EXISTS`,
			preview.LastMessage, preview.LastMessageAt.UTC(), id).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return chat.ErrNotFound
	}
	return nil
}

// MarkMessagesRead flips the unread messages of the partition in one unlogged batch.
func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, excludingSenderID string) error {
	id, err := parseID(conversationID)
	if err != nil {
		return err
	}
	iter := s.session.
		Query(`SELECT message_id, sender_id, is_read FROM messages WHERE conversation_id = ?`, id).
		WithContext(ctx).
		Iter()
	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	var (
		messageID gocql.UUID
		sender    string
		read      bool
	)
	for iter.Scan(&messageID, &sender, &read) {
		if read || sender == excludingSenderID {
			continue
		}
		batch.Query(`UPDATE messages SET is_read = true WHERE conversation_id = ? AND message_id = ?`, id, messageID)
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if batch.Size() == 0 {
		return nil
	}
	return s.session.ExecuteBatch(batch)
}

func (s *Store) conversationsWith(ctx context.Context, userID string) ([]chat.Conversation, error) {
	iter := s.session.
		Query(`SELECT `+conversationColumns+` FROM conversations WHERE participants CONTAINS ? ALLOW FILTERING`, userID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	out := make([]chat.Conversation, 0)
	var (
		id            gocql.UUID
		a, b          string
		lastMessage   string
		lastMessageAt time.Time
		createdAt     time.Time
	)
	for iter.Scan(&id, &a, &b, &lastMessage, &lastMessageAt, &createdAt) {
		conv := chat.Conversation{
			ID:           id.String(),
			ParticipantA: a,
			ParticipantB: b,
			LastMessage:  lastMessage,
			CreatedAt:    createdAt.UTC(),
		}
		if !lastMessageAt.IsZero() {
			conv.LastMessageAt = lastMessageAt.UTC()
		}
		out = append(out, conv)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) join(ctx context.Context, convs []chat.Conversation) error {
	ids := make([]string, 0, 2*len(convs))
	for _, conv := range convs {
		ids = append(ids, conv.ParticipantA, conv.ParticipantB)
	}
	profiles, err := s.profilesByID(ctx, ids)
	if err != nil {
		return err
	}
	for i := range convs {
		convs[i].Members = nil
		for _, id := range []string{convs[i].ParticipantA, convs[i].ParticipantB} {
			if u, ok := profiles[id]; ok {
				convs[i].Members = append(convs[i].Members, u)
			}
		}
	}
	return nil
}

func (s *Store) profilesByID(ctx context.Context, ids []string) (map[string]chat.User, error) {
	out := make(map[string]chat.User)
	ids = distinct(ids)
	if len(ids) == 0 {
		return out, nil
	}
	iter := s.session.
		Query(`SELECT `+profileColumns+` FROM profiles WHERE id IN ?`, ids).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var p profileRow
	for iter.Scan(p.dest()...) {
		out[p.id] = p.user()
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

type profileRow struct {
	id, handle, name, avatar string
	online                   bool
	lastSeen                 time.Time
}

func (p *profileRow) dest() []interface{} {
	return []interface{}{&p.id, &p.handle, &p.name, &p.avatar, &p.online, &p.lastSeen}
}

func (p profileRow) user() chat.User {
	u := chat.User{ID: p.id, Handle: p.handle, DisplayName: p.name, AvatarRef: p.avatar, Online: p.online}
	if !p.lastSeen.IsZero() {
		u.LastSeen = p.lastSeen.UTC()
	}
	return u
}

// parseID maps a malformed conversation id to ErrNotFound; no row can carry it.
func parseID(raw string) (gocql.UUID, error) {
	id, err := gocql.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		return gocql.UUID{}, chat.ErrNotFound
	}
	return id, nil
}

func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return chat.ErrNotFound
	}
	return err
}

func distinct(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
