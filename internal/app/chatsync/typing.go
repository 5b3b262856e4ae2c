package chatsync

import (
	"time"

	"github.com/jonboulle/clockwork"

	"whatsnep/internal/domain/chat"
	"whatsnep/internal/metrics"
)

const (
	defaultTypingIdle   = 2 * time.Second
	defaultTypingExpiry = 3 * time.Second
)

// typingTimer is a cancellation handle. seq identifies the arming so a timer
// that fired concurrently with Stop cannot act on a newer state.
type typingTimer struct {
	timer clockwork.Timer
	seq   uint64
}

// typingCoordinator is the per-conversation idle/typing state machine.
//
// Send side: local[conv] present means "typing". Receive side: who[conv] holds
// the display name of whoever is typing there, cleared by a stop signal or by
// the expiry timer when the stop signal is lost.
type typingCoordinator struct {
	self   string
	clock  clockwork.Clock
	idle   time.Duration
	expiry time.Duration

	post      func(task) bool
	broadcast func(conversationID string, typing bool)

	local  map[string]*typingTimer
	remote map[string]*typingTimer
	who    map[string]string
	seq    uint64
}

func newTypingCoordinator(self string, clock clockwork.Clock, idle, expiry time.Duration, post func(task) bool, broadcast func(string, bool)) *typingCoordinator {
	if idle <= 0 {
		idle = defaultTypingIdle
	}
	if expiry <= 0 {
		expiry = defaultTypingExpiry
	}
	return &typingCoordinator{
		self:      self,
		clock:     clock,
		idle:      idle,
		expiry:    expiry,
		post:      post,
		broadcast: broadcast,
		local:     make(map[string]*typingTimer),
		remote:    make(map[string]*typingTimer),
		who:       make(map[string]string),
	}
}

// keystroke moves conv to typing (broadcasting only on the transition) and
// re-arms the inactivity timer.
func (t *typingCoordinator) keystroke(conv string) {
	if conv == "" {
		return
	}
	if cur, ok := t.local[conv]; ok {
		cur.timer.Stop()
	} else {
		t.emit(conv, true)
	}
	t.local[conv] = t.arm(t.idle, func(seq uint64) {
		cur, ok := t.local[conv]
		if !ok || cur.seq != seq {
			return
		}
		delete(t.local, conv)
		t.emit(conv, false)
	})
}

// stop forces conv back to idle. Used for explicit stops and on send; the
// pending inactivity timer is cancelled so only one stop is broadcast.
func (t *typingCoordinator) stop(conv string) {
	cur, ok := t.local[conv]
	if !ok {
		return
	}
	cur.timer.Stop()
	delete(t.local, conv)
	t.emit(conv, false)
}

func (t *typingCoordinator) isTyping(conv string) bool {
	_, ok := t.local[conv]
	return ok
}

// receive applies a signal from the realtime channel. Own signals are ignored.
func (t *typingCoordinator) receive(ev chat.TypingChanged) {
	if ev.UserID == t.self || ev.ConversationID == "" {
		return
	}
	conv := ev.ConversationID
	if cur, ok := t.remote[conv]; ok {
		cur.timer.Stop()
		delete(t.remote, conv)
	}
	if !ev.Typing {
		delete(t.who, conv)
		return
	}
	name := ev.DisplayName
	if name == "" {
		name = ev.UserID
	}
	t.who[conv] = name
	t.remote[conv] = t.arm(t.expiry, func(seq uint64) {
		cur, ok := t.remote[conv]
		if !ok || cur.seq != seq {
			return
		}
		delete(t.remote, conv)
		delete(t.who, conv)
	})
}

func (t *typingCoordinator) snapshot() map[string]string {
	out := make(map[string]string, len(t.who))
	for conv, name := range t.who {
		out[conv] = name
	}
	return out
}

// teardown cancels every timer without broadcasting.
func (t *typingCoordinator) teardown() {
	for conv, cur := range t.local {
		cur.timer.Stop()
		delete(t.local, conv)
	}
	for conv, cur := range t.remote {
		cur.timer.Stop()
		delete(t.remote, conv)
	}
	t.who = make(map[string]string)
}

func (t *typingCoordinator) arm(d time.Duration, fire func(seq uint64)) *typingTimer {
	t.seq++
	seq := t.seq
	timer := t.clock.AfterFunc(d, func() {
		t.post(func() { fire(seq) })
	})
	return &typingTimer{timer: timer, seq: seq}
}

func (t *typingCoordinator) emit(conv string, typing bool) {
	state := "idle"
	if typing {
		state = "typing"
	}
	metrics.TypingBroadcasts.WithLabelValues(state).Inc()
	t.broadcast(conv, typing)
}
