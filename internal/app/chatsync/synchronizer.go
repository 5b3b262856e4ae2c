// Package chatsync keeps an eventually consistent view of one user's chat state:
// conversations, the active message stream, typing indicators, presence and
// unread counts. All state lives on a single event loop goroutine; remote calls
// run in the background and post their results back to it.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"whatsnep/internal/app/policies"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/domain/shared/events"
	"whatsnep/internal/metrics"
)

const (
	defaultSearchLimit = 10
	defaultCallTimeout = 5 * time.Second
)

var (
	ErrNotSignedIn    = errors.New("chatsync: no signed in user")
	ErrClosed         = errors.New("chatsync: synchronizer closed")
	ErrAlreadyStarted = errors.New("chatsync: already started")
	ErrMisconfigured  = errors.New("chatsync: store, realtime channel and session are required")
)

// Session is the authenticated principal the synchronizer works for.
type Session interface {
	CurrentUser() (chat.Identity, bool)
	CurrentProfile() (chat.ProfileSummary, bool)
}

type Config struct {
	Store    chat.Store
	Realtime policies.Realtime
	Session  Session
	Clock    clockwork.Clock
	Logger   *slog.Logger

	TypingIdle   time.Duration
	TypingExpiry time.Duration
	SearchLimit  int
	CallTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = defaultTypingIdle
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = defaultTypingExpiry
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = defaultSearchLimit
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
}

// Synchronizer is the facade the UI layer talks to. Methods are safe for
// concurrent use; each one is serialized onto the event loop.
type Synchronizer struct {
	cfg    Config
	logger *slog.Logger
	self   chat.Identity

	loop    *loop
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	changes chan struct{}
	out     *broadcaster

	mu        sync.Mutex
	sub       policies.Subscription
	pumpDone  chan struct{}
	closed    bool
	closeOnce sync.Once

	// Owned by the loop goroutine.
	dir       *directory
	stream    *stream
	presence  *presence
	typing    *typingCoordinator
	active    *chat.Conversation
	unread    map[string]int
	counted   map[string]map[string]struct{}
	profiles  map[string]chat.User
	resolving map[string]bool
	reading   map[string]bool
	readAgain map[string]bool
}

// New builds a synchronizer for the user currently signed in to cfg.Session.
// The event loop runs from construction; Start attaches the realtime channel.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil || cfg.Realtime == nil || cfg.Session == nil {
		return nil, ErrMisconfigured
	}
	self, ok := cfg.Session.CurrentUser()
	if !ok || self.ID == "" {
		return nil, ErrNotSignedIn
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "chatsync", "user_id", self.ID),
		self:      self,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		changes:   make(chan struct{}, 1),
		dir:       newDirectory(self.ID),
		stream:    newStream(),
		presence:  newPresence(),
		unread:    make(map[string]int),
		counted:   make(map[string]map[string]struct{}),
		profiles:  make(map[string]chat.User),
		resolving: make(map[string]bool),
		reading:   make(map[string]bool),
		readAgain: make(map[string]bool),
	}
	s.loop = newLoop(s.notify)
	s.out = newBroadcaster(cfg.Realtime, cfg.CallTimeout, s.logger)
	s.typing = newTypingCoordinator(self.ID, cfg.Clock, cfg.TypingIdle, cfg.TypingExpiry, s.loop.post, s.broadcastTyping)

	me := chat.User{ID: self.ID, Handle: self.Handle}
	if profile, ok := cfg.Session.CurrentProfile(); ok {
		me.DisplayName = profile.DisplayName
		me.AvatarRef = profile.AvatarRef
	}
	s.profiles[self.ID] = me

	go func() {
		defer close(s.done)
		s.loop.run()
	}()
	go s.out.run(ctx)
	return s, nil
}

// Start subscribes to the realtime channel and issues the first directory refresh.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.sub != nil {
		return ErrAlreadyStarted
	}
	sub, err := s.cfg.Realtime.Subscribe(ctx, s.self.ID)
	if err != nil {
		metrics.RemoteErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("chatsync: subscribe: %w", err)
	}
	s.sub = sub
	s.pumpDone = make(chan struct{})
	go s.pump(sub, s.pumpDone)

	s.loop.post(s.refresh)
	s.logger.Info("synchronizer started")
	return nil
}

// Close releases the subscription and cancels every pending timer. Safe to
// call more than once.
func (s *Synchronizer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sub, pumpDone := s.sub, s.pumpDone
		s.mu.Unlock()

		finished := make(chan struct{})
		if s.loop.post(func() {
			s.teardown()
			close(finished)
		}) {
			select {
			case <-finished:
			case <-s.done:
			}
		}
		s.loop.close()
		<-s.done
		close(s.changes)

		s.out.stop()
		s.cancel()
		if sub != nil {
			if cerr := sub.Close(); cerr != nil {
				err = fmt.Errorf("chatsync: close subscription: %w", cerr)
			}
			<-pumpDone
		}
		s.logger.Info("synchronizer closed")
	})
	return err
}

// Changes signals after any state change. Signals coalesce; read Snapshot to
// observe the current state. The channel is closed by Close.
func (s *Synchronizer) Changes() <-chan struct{} {
	return s.changes
}

// Quiesce blocks until no event is queued and no background call is in flight.
func (s *Synchronizer) Quiesce(ctx context.Context) error {
	if s.loop.quiesce(ctx.Done()) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Refresh re-issues the conversation directory fetch.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.do(ctx, s.refresh)
}

// SetActiveConversation switches the message stream to conv. A conversation
// with an empty id clears the active conversation.
func (s *Synchronizer) SetActiveConversation(ctx context.Context, conv chat.Conversation) error {
	return s.do(ctx, func() { s.activate(conv) })
}

// ClearActiveConversation is SetActiveConversation with no target.
func (s *Synchronizer) ClearActiveConversation(ctx context.Context) error {
	return s.SetActiveConversation(ctx, chat.Conversation{})
}

// Send posts text to the active conversation. Validation failures return
// without any remote call. The message shows up in the stream once the store
// accepted it.
func (s *Synchronizer) Send(ctx context.Context, text string) (chat.Message, error) {
	var (
		req  chat.NewMessage
		perr error
	)
	if err := s.do(ctx, func() {
		req, perr = chat.PrepareMessage(s.activeID(), s.self.ID, text, s.cfg.Clock.Now())
		if perr == nil {
			s.typing.stop(req.ConversationID)
		}
	}); err != nil {
		return chat.Message{}, err
	}
	if perr != nil {
		return chat.Message{}, perr
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	created, err := s.cfg.Store.CreateMessage(callCtx, req)
	if err != nil {
		s.remoteFailed("create_message", err, "conversation_id", req.ConversationID)
		return chat.Message{}, fmt.Errorf("chatsync: send: %w", err)
	}

	preview := chat.Preview{LastMessage: created.Text, LastMessageAt: created.CreatedAt}
	if err := s.cfg.Store.UpdateConversationPreview(callCtx, created.ConversationID, preview); err != nil {
		s.remoteFailed("update_preview", err, "conversation_id", created.ConversationID)
	}

	s.loop.post(func() {
		s.dir.touch(created.ConversationID, preview)
		if s.activeID() == created.ConversationID {
			s.stream.enqueue(created)
			s.drainInserts()
		}
	})
	return created, nil
}

// SetTyping feeds a keystroke (true) or an explicit stop (false) for the
// active conversation into the typing state machine.
func (s *Synchronizer) SetTyping(ctx context.Context, typing bool) error {
	return s.do(ctx, func() {
		id := s.activeID()
		if id == "" {
			return
		}
		if typing {
			s.typing.keystroke(id)
			return
		}
		s.typing.stop(id)
	})
}

// SearchUsers finds other users whose handle contains query. Blank queries
// return nothing.
func (s *Synchronizer) SearchUsers(ctx context.Context, query string) ([]chat.User, error) {
	q := chat.NormalizeQuery(query)
	if q == "" {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	users, err := s.cfg.Store.SearchUsersByHandle(callCtx, q, s.self.ID, s.cfg.SearchLimit)
	if err != nil {
		s.remoteFailed("search_users", err, "query", q)
		return nil, fmt.Errorf("chatsync: search users: %w", err)
	}
	s.loop.post(func() {
		for _, u := range users {
			s.cacheProfile(u)
		}
	})
	return users, nil
}

// StartConversation finds or creates the conversation with userID and makes
// it active. OtherUser is filled from profiles already known locally.
func (s *Synchronizer) StartConversation(ctx context.Context, userID string) (chat.Conversation, error) {
	_, other, err := chat.NewConversationPair(s.self.ID, userID)
	if err != nil {
		return chat.Conversation{}, err
	}
	conv, err := s.findOrCreate(ctx, other)
	if err != nil {
		return chat.Conversation{}, err
	}

	var out chat.Conversation
	if err := s.do(ctx, func() {
		if listed, ok := s.dir.get(conv.ID); ok {
			conv = listed
		}
		partner := conv.OtherParticipant(s.self.ID)
		if conv.OtherUser == nil || conv.OtherUser.ID != partner {
			conv.OtherUser = s.profileFor(conv, partner)
		}
		s.activate(conv)
		out = conv.Clone()
	}); err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

// FindOrCreate looks the conversation with userID up in either participant
// order and creates it when absent. Two concurrent calls for the same pair may
// both create a row.
func (s *Synchronizer) FindOrCreate(ctx context.Context, userID string) (chat.Conversation, error) {
	_, other, err := chat.NewConversationPair(s.self.ID, userID)
	if err != nil {
		return chat.Conversation{}, err
	}
	return s.findOrCreate(ctx, other)
}

func (s *Synchronizer) findOrCreate(ctx context.Context, other string) (chat.Conversation, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	conv, err := s.cfg.Store.FindConversation(callCtx, s.self.ID, other)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		s.remoteFailed("find_conversation", err, "other_user_id", other)
		return chat.Conversation{}, fmt.Errorf("chatsync: find conversation: %w", err)
	}

	conv, err = s.cfg.Store.CreateConversation(callCtx, s.self.ID, other, s.cfg.Clock.Now().UTC())
	if err != nil {
		s.remoteFailed("create_conversation", err, "other_user_id", other)
		return chat.Conversation{}, fmt.Errorf("chatsync: create conversation: %w", err)
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "other_user_id", other)

	refreshed := make(chan struct{})
	if err := s.do(ctx, func() {
		s.refreshThen(func() { close(refreshed) })
	}); err != nil {
		return chat.Conversation{}, err
	}
	select {
	case <-refreshed:
	case <-ctx.Done():
		return chat.Conversation{}, ctx.Err()
	case <-s.done:
		return chat.Conversation{}, ErrClosed
	}
	return conv, nil
}

// do runs fn on the loop and waits for it.
func (s *Synchronizer) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.loop.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// spawn runs call off the loop and posts the continuation it returns. The
// loop counts the call as pending until the continuation is queued.
func (s *Synchronizer) spawn(call func(ctx context.Context) task) {
	if !s.loop.hold() {
		return
	}
	go func() {
		defer s.loop.release()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
		defer cancel()
		if next := call(ctx); next != nil {
			s.loop.post(next)
		}
	}()
}

func (s *Synchronizer) pump(sub policies.Subscription, done chan struct{}) {
	defer close(done)
	evs := sub.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if !s.loop.post(func() { s.dispatch(ev) }) {
				return
			}
		}
	}
}

// dispatch is the single entry point for realtime events.
func (s *Synchronizer) dispatch(ev events.DomainEvent) {
	metrics.EventsDispatched.WithLabelValues(ev.EventName()).Inc()
	switch e := ev.(type) {
	case chat.TypingChanged:
		s.typing.receive(e)
	case chat.MessageInserted:
		s.onInsert(e)
	case chat.PresenceChanged:
		s.presence.apply(e.UserID, e.Online)
	default:
		s.logger.Debug("ignoring realtime event", "event", ev.EventName())
	}
}

func (s *Synchronizer) onInsert(e chat.MessageInserted) {
	msg := e.Message()
	if msg.ID == "" || msg.ConversationID == "" {
		return
	}
	switch {
	case msg.ConversationID == s.activeID():
		s.stream.enqueue(msg)
		s.drainInserts()
	case msg.SenderID != s.self.ID:
		s.countUnread(msg)
	}
	s.refresh()
}

// countUnread counts msg once per conversation until the count is reset, so
// redelivered inserts do not inflate it.
func (s *Synchronizer) countUnread(msg chat.Message) {
	seen := s.counted[msg.ConversationID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.counted[msg.ConversationID] = seen
	}
	if _, dup := seen[msg.ID]; dup {
		return
	}
	seen[msg.ID] = struct{}{}
	s.unread[msg.ConversationID]++
	metrics.UnreadIncrements.Inc()
}

func (s *Synchronizer) resetUnread(conversationID string) {
	s.unread[conversationID] = 0
	delete(s.counted, conversationID)
}

// drainInserts appends queued live messages in arrival order, stopping at the
// first one whose sender profile is still being fetched.
func (s *Synchronizer) drainInserts() {
	fromOthers := false
	for {
		msg, ok := s.stream.peek()
		if !ok {
			break
		}
		sender, known := s.profiles[msg.SenderID]
		if !known {
			s.resolveSender(msg.SenderID)
			break
		}
		if msg.Sender == nil {
			msg.Sender = &sender
		}
		if s.stream.append(msg) && msg.SenderID != s.self.ID {
			fromOthers = true
		}
		s.stream.pop()
	}
	if fromOthers {
		s.markRead(s.stream.activeID())
	}
}

func (s *Synchronizer) resolveSender(userID string) {
	if s.resolving[userID] {
		return
	}
	s.resolving[userID] = true
	s.spawn(func(ctx context.Context) task {
		user, err := s.cfg.Store.Profile(ctx, userID)
		return func() {
			delete(s.resolving, userID)
			if err != nil {
				s.remoteFailed("profile", err, "user_id", userID)
				user = chat.User{ID: userID}
			}
			s.cacheProfile(user)
			s.drainInserts()
		}
	})
}

// markRead flags the other party's messages in conversationID read remotely.
// Calls for one conversation never overlap; a request made while one is in
// flight is folded into a single follow-up.
func (s *Synchronizer) markRead(conversationID string) {
	if conversationID == "" {
		return
	}
	s.resetUnread(conversationID)
	if s.reading[conversationID] {
		s.readAgain[conversationID] = true
		return
	}
	s.reading[conversationID] = true
	self := s.self.ID
	s.spawn(func(ctx context.Context) task {
		err := s.cfg.Store.MarkMessagesRead(ctx, conversationID, self)
		return func() {
			delete(s.reading, conversationID)
			again := s.readAgain[conversationID]
			delete(s.readAgain, conversationID)
			if err != nil {
				s.remoteFailed("mark_read", err, "conversation_id", conversationID)
			} else if s.activeID() == conversationID {
				s.stream.markRead(self)
			}
			if again && s.activeID() == conversationID {
				s.markRead(conversationID)
			}
		}
	})
}

func (s *Synchronizer) refresh() {
	s.refreshThen(nil)
}

// refreshThen fetches the directory and calls after once the result has been
// handled, whether it was applied, superseded or failed.
func (s *Synchronizer) refreshThen(after func()) {
	gen := s.dir.begin()
	since := s.presence.mark()
	self := s.self.ID
	s.spawn(func(ctx context.Context) task {
		convs, err := s.cfg.Store.ConversationsForUser(ctx, self)
		return func() {
			s.dir.finish()
			switch {
			case err != nil:
				s.remoteFailed("conversations", err)
			case s.dir.apply(gen, convs):
				snapshot := make(map[string]bool)
				for _, partner := range s.dir.partners() {
					snapshot[partner.ID] = partner.Online
					s.cacheProfile(partner)
				}
				s.presence.overwrite(snapshot, since)
			default:
				metrics.StaleResults.WithLabelValues("conversations").Inc()
				s.logger.Debug("stale directory result dropped", "generation", gen)
			}
			if after != nil {
				after()
			}
		}
	})
}

func (s *Synchronizer) activate(conv chat.Conversation) {
	if conv.ID != s.stream.activeID() {
		s.strand(s.stream.takePending())
	}
	if conv.ID == "" {
		s.active = nil
		s.stream.clear()
		return
	}
	c := conv.Clone()
	s.active = &c
	s.resetUnread(c.ID)
	s.stream.activate(c.ID)

	id := c.ID
	s.spawn(func(ctx context.Context) task {
		history, err := s.cfg.Store.Messages(ctx, id)
		return func() {
			if s.activeID() != id {
				metrics.StaleResults.WithLabelValues("messages").Inc()
				s.logger.Debug("stale history dropped", "conversation_id", id)
				return
			}
			if err != nil {
				s.stream.loading = false
				s.remoteFailed("messages", err, "conversation_id", id)
				return
			}
			for _, msg := range history {
				if msg.Sender != nil {
					s.cacheProfile(*msg.Sender)
				}
			}
			s.stream.replace(history)
			s.markRead(id)
			s.drainInserts()
		}
	})
}

// strand counts live messages from others that were still waiting for their
// sender profile when their conversation stopped being active.
func (s *Synchronizer) strand(pending []chat.Message) {
	for _, msg := range pending {
		if msg.SenderID != s.self.ID {
			s.countUnread(msg)
		}
	}
}

func (s *Synchronizer) teardown() {
	s.typing.teardown()
	s.stream.clear()
	s.presence.reset()
	s.active = nil
	s.unread = make(map[string]int)
	s.counted = make(map[string]map[string]struct{})
	s.reading = make(map[string]bool)
	s.readAgain = make(map[string]bool)
}

func (s *Synchronizer) broadcastTyping(conversationID string, typing bool) {
	recipients := []string{s.self.ID}
	if peer := s.peerOf(conversationID); peer != "" {
		recipients = append(recipients, peer)
	}
	s.out.enqueue(outbound{
		event: chat.TypingChanged{
			ConversationID: conversationID,
			UserID:         s.self.ID,
			Typing:         typing,
			DisplayName:    s.displayName(),
			At:             s.cfg.Clock.Now().UTC(),
		},
		recipients: recipients,
	})
}

func (s *Synchronizer) peerOf(conversationID string) string {
	if s.active != nil && s.active.ID == conversationID {
		return s.active.OtherParticipant(s.self.ID)
	}
	if conv, ok := s.dir.get(conversationID); ok {
		return conv.OtherParticipant(s.self.ID)
	}
	return ""
}

func (s *Synchronizer) displayName() string {
	if profile, ok := s.cfg.Session.CurrentProfile(); ok && profile.DisplayName != "" {
		return profile.DisplayName
	}
	return s.self.Handle
}

func (s *Synchronizer) profileFor(conv chat.Conversation, userID string) *chat.User {
	if u, ok := s.profiles[userID]; ok {
		return &u
	}
	if u, ok := conv.Member(userID); ok {
		return &u
	}
	return &chat.User{ID: userID}
}

func (s *Synchronizer) cacheProfile(u chat.User) {
	if u.ID == "" {
		return
	}
	s.profiles[u.ID] = u
}

func (s *Synchronizer) activeID() string {
	if s.active == nil {
		return ""
	}
	return s.active.ID
}

func (s *Synchronizer) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) remoteFailed(op string, err error, attrs ...any) {
	metrics.RemoteErrors.WithLabelValues(op).Inc()
	s.logger.Warn("remote call failed", append([]any{"op", op, "error", err}, attrs...)...)
}
