package chatsync

import "whatsnep/internal/domain/chat"

// stream owns the message list of the single active conversation.
//
// Live inserts wait in pending until their sender profile is known, then are
// appended in arrival order. Appends are idempotent by message id.
type stream struct {
	active   string
	messages []chat.Message
	ids      map[string]struct{}
	pending  []chat.Message
	loading  bool
}

func newStream() *stream {
	return &stream{ids: make(map[string]struct{})}
}

func (s *stream) activeID() string {
	return s.active
}

// activate switches the target. The list is kept when re-activating the same
// conversation and cleared otherwise, until the history fetch lands.
func (s *stream) activate(id string) {
	if id != s.active {
		s.messages = nil
		s.ids = make(map[string]struct{})
	}
	s.active = id
	s.pending = nil
	s.loading = id != ""
}

func (s *stream) clear() {
	s.activate("")
}

// replace installs fetched history. Messages already appended live that the
// fetch did not include are kept at the tail.
func (s *stream) replace(history []chat.Message) {
	next := make([]chat.Message, 0, len(history)+len(s.messages))
	ids := make(map[string]struct{}, len(history)+len(s.messages))
	for _, msg := range history {
		if _, dup := ids[msg.ID]; dup {
			continue
		}
		ids[msg.ID] = struct{}{}
		next = append(next, msg.Clone())
	}
	for _, msg := range s.messages {
		if _, dup := ids[msg.ID]; dup {
			continue
		}
		ids[msg.ID] = struct{}{}
		next = append(next, msg)
	}
	s.messages = next
	s.ids = ids
	s.loading = false
}

func (s *stream) enqueue(msg chat.Message) {
	if msg.ConversationID != s.active {
		return
	}
	s.pending = append(s.pending, msg)
}

// takePending removes and returns the queued inserts that were never appended.
func (s *stream) takePending() []chat.Message {
	out := make([]chat.Message, 0, len(s.pending))
	for _, msg := range s.pending {
		if _, dup := s.ids[msg.ID]; !dup {
			out = append(out, msg)
		}
	}
	s.pending = nil
	return out
}

func (s *stream) peek() (chat.Message, bool) {
	if len(s.pending) == 0 {
		return chat.Message{}, false
	}
	return s.pending[0], true
}

func (s *stream) pop() {
	if len(s.pending) == 0 {
		return
	}
	s.pending[0] = chat.Message{}
	s.pending = s.pending[1:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
}

// append adds msg at the tail unless it is already present.
func (s *stream) append(msg chat.Message) bool {
	if msg.ConversationID != s.active {
		return false
	}
	if _, dup := s.ids[msg.ID]; dup {
		return false
	}
	s.ids[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	return true
}

// markRead flips the local read flag of messages not sent by self.
func (s *stream) markRead(self string) {
	for i := range s.messages {
		if s.messages[i].SenderID != self {
			s.messages[i].Read = true
		}
	}
}

func (s *stream) list() []chat.Message {
	out := make([]chat.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, msg.Clone())
	}
	return out
}
