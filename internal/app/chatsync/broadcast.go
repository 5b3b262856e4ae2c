package chatsync

import (
	"context"
	"log/slog"
	"time"

	"whatsnep/internal/app/policies"
	"whatsnep/internal/domain/chat"
	"whatsnep/internal/metrics"
)

const broadcastQueueSize = 64

type outbound struct {
	event      chat.TypingChanged
	recipients []string
}

// broadcaster publishes typing signals from a single goroutine so they reach
// the channel in the order the loop produced them, without the loop waiting
// on the network.
type broadcaster struct {
	pub     policies.Publisher
	timeout time.Duration
	logger  *slog.Logger
	queue   chan outbound
	done    chan struct{}
}

func newBroadcaster(pub policies.Publisher, timeout time.Duration, logger *slog.Logger) *broadcaster {
	return &broadcaster{
		pub:     pub,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan outbound, broadcastQueueSize),
		done:    make(chan struct{}),
	}
}

func (b *broadcaster) run(ctx context.Context) {
	defer close(b.done)
	for out := range b.queue {
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err := b.pub.Publish(callCtx, out.event, out.recipients...)
		cancel()
		if err != nil {
			metrics.RemoteErrors.WithLabelValues("publish_typing").Inc()
			b.logger.Warn("typing broadcast failed",
				"conversation_id", out.event.ConversationID,
				"typing", out.event.Typing,
				"error", err)
		}
	}
}

// enqueue never blocks the loop; a full queue drops the signal.
func (b *broadcaster) enqueue(out outbound) {
	select {
	case b.queue <- out:
	default:
		metrics.DroppedEvents.WithLabelValues("typing_outbox").Inc()
		b.logger.Warn("typing broadcast dropped", "conversation_id", out.event.ConversationID)
	}
}

// stop flushes queued signals and waits for the publisher goroutine.
func (b *broadcaster) stop() {
	close(b.queue)
	<-b.done
}
