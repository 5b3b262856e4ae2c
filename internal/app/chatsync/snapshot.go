package chatsync

import (
	"context"

	"whatsnep/internal/domain/chat"
)

// ConversationView is a directory entry with the per-conversation metadata
// derived locally.
type ConversationView struct {
	chat.Conversation
	Unread int    `json:"unread"`
	Online bool   `json:"online"`
	Typing string `json:"typing,omitempty"`
}

// Snapshot is an immutable copy of the synchronizer state.
type Snapshot struct {
	UserID          string             `json:"user_id"`
	Conversations   []ConversationView `json:"conversations"`
	Active          *chat.Conversation `json:"active,omitempty"`
	Messages        []chat.Message     `json:"messages"`
	UnreadCounts    map[string]int     `json:"unread_counts"`
	Typing          map[string]string  `json:"typing"`
	Online          map[string]bool    `json:"online"`
	Loading         bool               `json:"loading"`
	LoadingMessages bool               `json:"loading_messages"`
}

// Snapshot captures the whole state in one loop turn.
func (s *Synchronizer) Snapshot(ctx context.Context) (Snapshot, error) {
	return read(ctx, s, s.snapshot)
}

func (s *Synchronizer) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	return read(ctx, s, s.dir.list)
}

// ActiveConversation returns nil when no conversation is active.
func (s *Synchronizer) ActiveConversation(ctx context.Context) (*chat.Conversation, error) {
	return read(ctx, s, func() *chat.Conversation {
		if s.active == nil {
			return nil
		}
		c := s.active.Clone()
		return &c
	})
}

func (s *Synchronizer) Messages(ctx context.Context) ([]chat.Message, error) {
	return read(ctx, s, s.stream.list)
}

func (s *Synchronizer) UnreadCounts(ctx context.Context) (map[string]int, error) {
	return read(ctx, s, s.unreadCounts)
}

func (s *Synchronizer) TypingByConversation(ctx context.Context) (map[string]string, error) {
	return read(ctx, s, s.typing.snapshot)
}

func (s *Synchronizer) OnlineByUser(ctx context.Context) (map[string]bool, error) {
	return read(ctx, s, s.presence.snapshot)
}

func (s *Synchronizer) snapshot() Snapshot {
	typing := s.typing.snapshot()
	convs := s.dir.list()
	views := make([]ConversationView, 0, len(convs))
	for _, conv := range convs {
		partner := conv.OtherParticipant(s.self.ID)
		views = append(views, ConversationView{
			Conversation: conv,
			Unread:       s.unread[conv.ID],
			Online:       s.presence.isOnline(partner),
			Typing:       typing[conv.ID],
		})
	}
	snap := Snapshot{
		UserID:          s.self.ID,
		Conversations:   views,
		Messages:        s.stream.list(),
		UnreadCounts:    s.unreadCounts(),
		Typing:          typing,
		Online:          s.presence.snapshot(),
		Loading:         s.dir.loading(),
		LoadingMessages: s.stream.loading,
	}
	if s.active != nil {
		c := s.active.Clone()
		snap.Active = &c
	}
	return snap
}

func (s *Synchronizer) unreadCounts() map[string]int {
	out := make(map[string]int, len(s.unread))
	for id, n := range s.unread {
		out[id] = n
	}
	return out
}

func read[T any](ctx context.Context, s *Synchronizer, fn func() T) (T, error) {
	var out T
	err := s.do(ctx, func() { out = fn() })
	return out, err
}
