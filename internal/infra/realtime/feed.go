package realtime

import (
	"sync"

	"whatsnep/internal/domain/shared/events"
	"whatsnep/internal/metrics"
)

// DefaultFeedSize is the per-subscription buffer.
const DefaultFeedSize = 256

// Feed is the buffered delivery end of one subscription, shared by every
// transport. Deliver never blocks; a full buffer drops the event.
type Feed struct {
	userID  string
	ch      chan events.DomainEvent
	onClose func()

	mu     sync.Mutex
	closed bool
}

// NewFeed builds a feed for userID. onClose runs once, before the channel closes.
func NewFeed(userID string, size int, onClose func()) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	metrics.ActiveSubscriptions.Inc()
	return &Feed{
		userID:  userID,
		ch:      make(chan events.DomainEvent, size),
		onClose: onClose,
	}
}

func (f *Feed) UserID() string {
	return f.userID
}

func (f *Feed) Events() <-chan events.DomainEvent {
	return f.ch
}

// Deliver queues ev and reports whether it was accepted.
func (f *Feed) Deliver(ev events.DomainEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- ev:
		return true
	default:
		metrics.DroppedEvents.WithLabelValues("feed").Inc()
		return false
	}
}

func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	if f.onClose != nil {
		f.onClose()
	}
	f.mu.Lock()
	close(f.ch)
	f.mu.Unlock()
	metrics.ActiveSubscriptions.Dec()
	return nil
}
