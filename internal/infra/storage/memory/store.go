package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"whatsnep/internal/domain/chat"
)

// Store keeps profiles, conversations and messages in memory. It backs the
// demo command and the tests; it is not meant for production.
type Store struct {
	mu       sync.RWMutex
	users    map[string]chat.User
	byHandle map[string]string
	convs    map[string]chat.Conversation
	order    []string
	messages map[string][]chat.Message
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]chat.User),
		byHandle: make(map[string]string),
		convs:    make(map[string]chat.Conversation),
		messages: make(map[string][]chat.Message),
	}
}

var _ chat.Backend = (*Store)(nil)

// CreateUser registers a profile. The handle is normalized and must be free.
func (s *Store) CreateUser(ctx context.Context, user chat.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return chat.ErrUserRequired
	}
	handle, err := chat.ValidateHandle(user.Handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.byHandle[handle]; ok && owner != user.ID {
		return chat.ErrHandleTaken
	}
	if prev, ok := s.users[user.ID]; ok && prev.Handle != handle {
		delete(s.byHandle, prev.Handle)
	}
	user.Handle = handle
	s.users[user.ID] = user
	s.byHandle[handle] = user.ID
	return nil
}

func (s *Store) Profile(ctx context.Context, userID string) (chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return chat.User{}, chat.ErrNotFound
	}
	return user, nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return chat.ErrNotFound
	}
	user.Online = online
	user.LastSeen = at.UTC()
	s.users[userID] = user
	return nil
}

func (s *Store) HandleAvailable(ctx context.Context, handle string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, taken := s.byHandle[chat.NormalizeHandle(handle)]
	return !taken, nil
}

// SearchUsersByHandle matches handles containing query, ordered by handle.
func (s *Store) SearchUsersByHandle(ctx context.Context, query, excludingUserID string, limit int) ([]chat.User, error) {
	query = chat.NormalizeQuery(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.User, 0)
	for _, user := range s.users {
		if user.ID == excludingUserID || !strings.Contains(user.Handle, query) {
			continue
		}
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Conversation, 0)
	for _, id := range s.order {
		conv := s.convs[id]
		if !conv.Has(userID) {
			continue
		}
		out = append(out, s.withMembers(conv))
	}
	chat.SortByActivity(out)
	return out, nil
}

func (s *Store) FindConversation(ctx context.Context, a, b string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if conv := s.convs[id]; conv.Between(a, b) {
			return s.withMembers(conv), nil
		}
	}
	return chat.Conversation{}, chat.ErrNotFound
}

// CreateConversation always inserts a new row. Callers look up first.
func (s *Store) CreateConversation(ctx context.Context, a, b string, at time.Time) (chat.Conversation, error) {
	a, b, err := chat.NewConversationPair(a, b)
	if err != nil {
		return chat.Conversation{}, err
	}
	conv := chat.Conversation{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    at.UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	s.order = append(s.order, conv.ID)
	return s.withMembers(conv), nil
}

func (s *Store) ConversationParticipants(ctx context.Context, conversationID string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return "", "", chat.ErrNotFound
	}
	return conv.ParticipantA, conv.ParticipantB, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[conversationID]
	out := make([]chat.Message, 0, len(stored))
	for _, msg := range stored {
		msg = msg.Clone()
		if sender, ok := s.users[msg.SenderID]; ok {
			msg.Sender = &sender
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, req chat.NewMessage) (chat.Message, error) {
	req, err := chat.PrepareMessage(req.ConversationID, req.SenderID, req.Text, req.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[req.ConversationID]; !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	msg := chat.Message{
		ID:             ulid.Make().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		CreatedAt:      req.CreatedAt,
	}
	s.messages[req.ConversationID] = append(s.messages[req.ConversationID], msg)
	return msg, nil
}

func (s *Store) UpdateConversationPreview(ctx context.Context, conversationID string, preview chat.Preview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return chat.ErrNotFound
	}
	conv.LastMessage = preview.LastMessage
	conv.LastMessageAt = preview.LastMessageAt.UTC()
	s.convs[conversationID] = conv
	return nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, excludingSenderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderID != excludingSenderID {
			msgs[i].Read = true
		}
	}
	return nil
}

// ReadFlags reports the read flag per message id of a conversation.
func (s *Store) ReadFlags(conversationID string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, msg := range s.messages[conversationID] {
		out[msg.ID] = msg.Read
	}
	return out
}

func (s *Store) withMembers(conv chat.Conversation) chat.Conversation {
	conv.Members = nil
	conv.OtherUser = nil
	for _, id := range []string{conv.ParticipantA, conv.ParticipantB} {
		if user, ok := s.users[id]; ok {
			conv.Members = append(conv.Members, user)
		}
	}
	return conv
}
