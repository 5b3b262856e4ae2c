// Package postgres stores chat data in PostgreSQL using the profiles /
// conversations / messages layout of a hosted realtime backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"whatsnep/internal/domain/chat"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	username     TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	is_online    BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen    TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	participant_1   TEXT NOT NULL REFERENCES profiles(id),
	participant_2   TEXT NOT NULL REFERENCES profiles(id),
	last_message    TEXT NOT NULL DEFAULT '',
	last_message_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS conversations_p1 ON conversations (participant_1);
CREATE INDEX IF NOT EXISTS conversations_p2 ON conversations (participant_2);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	is_read         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, created_at);
`

type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ chat.Backend = (*Store)(nil)

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateUser(ctx context.Context, user chat.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return chat.ErrUserRequired
	}
	handle, err := chat.ValidateHandle(user.Handle)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO profiles (id, username, display_name, avatar_url, is_online, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url
	`, user.ID, handle, user.DisplayName, user.AvatarRef, user.Online, nullTime(user.LastSeen))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return chat.ErrHandleTaken
	}
	return err
}

func (s *Store) Profile(ctx context.Context, userID string) (chat.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, display_name, avatar_url, is_online, last_seen
		FROM profiles WHERE id = $1
	`, userID)
	var p profileRow
	if err := row.Scan(&p.id, &p.handle, &p.name, &p.avatar, &p.online, &p.lastSeen); err != nil {
		return chat.User{}, notFound(err)
	}
	user, _ := p.user()
	return user, nil
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE profiles SET is_online = $2, last_seen = $3 WHERE id = $1`, userID, online, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) HandleAvailable(ctx context.Context, handle string) (bool, error) {
	var taken bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM profiles WHERE username = $1)`, chat.NormalizeHandle(handle)).Scan(&taken)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

func (s *Store) SearchUsersByHandle(ctx context.Context, query, excludingUserID string, limit int) ([]chat.User, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, display_name, avatar_url, is_online, last_seen
		FROM profiles
		WHERE id <> $1 AND username ILIKE $2
		ORDER BY username
		LIMIT $3
	`, excludingUserID, containsPattern(chat.NormalizeQuery(query)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.User, 0)
	for rows.Next() {
		var p profileRow
		if err := rows.Scan(&p.id, &p.handle, &p.name, &p.avatar, &p.online, &p.lastSeen); err != nil {
			return nil, err
		}
		user, _ := p.user()
		out = append(out, user)
	}
	return out, rows.Err()
}

const conversationSelect = `
	SELECT c.id, c.participant_1, c.participant_2, c.last_message, c.last_message_at, c.created_at,
	       pa.id, pa.username, pa.display_name, pa.avatar_url, pa.is_online, pa.last_seen,
	       pb.id, pb.username, pb.display_name, pb.avatar_url, pb.is_online, pb.last_seen
	FROM conversations c
	LEFT JOIN profiles pa ON pa.id = c.participant_1
	LEFT JOIN profiles pb ON pb.id = c.participant_2
`

func (s *Store) ConversationsForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := s.pool.Query(ctx, conversationSelect+`
		WHERE c.participant_1 = $1 OR c.participant_2 = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) FindConversation(ctx context.Context, a, b string) (chat.Conversation, error) {
	row := s.pool.QueryRow(ctx, conversationSelect+`
		WHERE (c.participant_1 = $1 AND c.participant_2 = $2)
		   OR (c.participant_1 = $2 AND c.participant_2 = $1)
		ORDER BY c.created_at
		LIMIT 1
	`, a, b)
	conv, err := scanConversation(row)
	if err != nil {
		return chat.Conversation{}, notFound(err)
	}
	return conv, nil
}

func (s *Store) CreateConversation(ctx context.Context, a, b string, at time.Time) (chat.Conversation, error) {
	a, b, err := chat.NewConversationPair(a, b)
	if err != nil {
		return chat.Conversation{}, err
	}
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, participant_1, participant_2, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, a, b, at.UTC()); err != nil {
		return chat.Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, conversationSelect+` WHERE c.id = $1`, id)
	return scanConversation(row)
}

func (s *Store) ConversationParticipants(ctx context.Context, conversationID string) (string, string, error) {
	var a, b string
	err := s.pool.QueryRow(ctx, `SELECT participant_1, participant_2 FROM conversations WHERE id = $1`, conversationID).Scan(&a, &b)
	if err != nil {
		return "", "", notFound(err)
	}
	return a, b, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.created_at, m.is_read,
		       p.id, p.username, p.display_name, p.avatar_url, p.is_online, p.last_seen
		FROM messages m
		LEFT JOIN profiles p ON p.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at, m.id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var (
			msg chat.Message
			p   nullableProfile
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.CreatedAt, &msg.Read,
			&p.id, &p.handle, &p.name, &p.avatar, &p.online, &p.lastSeen); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		if sender, ok := p.user(); ok {
			msg.Sender = &sender
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) CreateMessage(ctx context.Context, req chat.NewMessage) (chat.Message, error) {
	req, err := chat.PrepareMessage(req.ConversationID, req.SenderID, req.Text, req.CreatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	msg := chat.Message{
		ID:             ulid.Make().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		CreatedAt:      req.CreatedAt,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return chat.Message{}, chat.ErrNotFound
	}
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (s *Store) UpdateConversationPreview(ctx context.Context, conversationID string, preview chat.Preview) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_message = $2, last_message_at = $3 WHERE id = $1
	`, conversationID, preview.LastMessage, preview.LastMessageAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, conversationID, excludingSenderID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = FALSE
	`, conversationID, excludingSenderID)
	return err
}

type profileRow struct {
	id, handle, name, avatar string
	online                   bool
	lastSeen                 *time.Time
}

func (p profileRow) user() (chat.User, bool) {
	u := chat.User{ID: p.id, Handle: p.handle, DisplayName: p.name, AvatarRef: p.avatar, Online: p.online}
	if p.lastSeen != nil {
		u.LastSeen = p.lastSeen.UTC()
	}
	return u, p.id != ""
}

// nullableProfile scans a LEFT JOINed profile.
type nullableProfile struct {
	id, handle, name, avatar *string
	online                   *bool
	lastSeen                 *time.Time
}

func (p nullableProfile) user() (chat.User, bool) {
	if p.id == nil {
		return chat.User{}, false
	}
	row := profileRow{id: *p.id, lastSeen: p.lastSeen}
	if p.handle != nil {
		row.handle = *p.handle
	}
	if p.name != nil {
		row.name = *p.name
	}
	if p.avatar != nil {
		row.avatar = *p.avatar
	}
	if p.online != nil {
		row.online = *p.online
	}
	return row.user()
}

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var (
		conv   chat.Conversation
		lastAt *time.Time
		pa, pb nullableProfile
	)
	if err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &conv.LastMessage, &lastAt, &conv.CreatedAt,
		&pa.id, &pa.handle, &pa.name, &pa.avatar, &pa.online, &pa.lastSeen,
		&pb.id, &pb.handle, &pb.name, &pb.avatar, &pb.online, &pb.lastSeen); err != nil {
		return chat.Conversation{}, err
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	if lastAt != nil {
		conv.LastMessageAt = lastAt.UTC()
	}
	for _, p := range []nullableProfile{pa, pb} {
		if u, ok := p.user(); ok {
			conv.Members = append(conv.Members, u)
		}
	}
	return conv, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.ErrNotFound
	}
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds an ILIKE pattern matching query anywhere, literally.
func containsPattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}
