package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"whatsnep/internal/app/policies"
	"whatsnep/internal/domain/shared/events"
	"whatsnep/internal/infra/realtime"
	"whatsnep/internal/metrics"
)

// Hub carries realtime events over a single Kafka topic. Every subscription
// tails all partitions from the newest offset with its own consumer and
// filters envelopes by recipient, so each live synchronizer sees every event
// addressed to it exactly as a pub/sub fan-out would.
type Hub struct {
	producer    *Producer
	newConsumer func() (sarama.Consumer, error)
	topic       string
	source      string
	logger      *slog.Logger
}

func NewHub(brokers []string, topic string, logger *slog.Logger) (*Hub, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	if topic == "" {
		topic = "chat.events.v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	producer, err := NewProducer(brokers, nil)
	if err != nil {
		return nil, fmt.Errorf("kafka: producer: %w", err)
	}
	newConsumer := func() (sarama.Consumer, error) {
		cfg := sarama.NewConfig()
		cfg.Version = sarama.V2_5_0_0
		return sarama.NewConsumer(brokers, cfg)
	}
	return newHub(producer, newConsumer, topic, logger), nil
}

func newHub(producer *Producer, newConsumer func() (sarama.Consumer, error), topic string, logger *slog.Logger) *Hub {
	return &Hub{
		producer:    producer,
		newConsumer: newConsumer,
		topic:       topic,
		source:      realtime.DefaultSource,
		logger:      logger,
	}
}

var _ policies.Realtime = (*Hub)(nil)

func (h *Hub) Publish(ctx context.Context, ev events.DomainEvent, recipients ...string) error {
	payload, err := realtime.Encode(ev, h.source, recipients)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"content-type": "application/cloudevents+json",
		"ce-type":      ev.EventName(),
	}
	if err := h.producer.Publish(ctx, h.topic, ev.AggregateID(), payload, headers); err != nil {
		return fmt.Errorf("kafka: publish %s: %w", ev.EventName(), err)
	}
	return nil
}

// Subscribe returns once every partition is being read, so nothing published
// after it returns is missed.
func (h *Hub) Subscribe(_ context.Context, userID string) (policies.Subscription, error) {
	consumer, err := h.newConsumer()
	if err != nil {
		return nil, fmt.Errorf("kafka: subscribe: %w", err)
	}
	reader, err := NewPartitionReader(consumer, h.topic, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("kafka: subscribe: %w", err)
	}
	feed := realtime.NewFeed(userID, realtime.DefaultFeedSize, func() {
		if err := reader.Close(); err != nil {
			h.logger.Warn("kafka consumer close failed", "user_id", userID, "error", err)
		}
	})
	reader.Start(context.Background(), HandlerFunc(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		return h.route(feed, msg)
	}))
	return feed, nil
}

// route decodes one record and hands it to feed when addressed to its user.
func (h *Hub) route(feed *realtime.Feed, msg *sarama.ConsumerMessage) error {
	env, ev, err := realtime.Decode(msg.Value)
	if err != nil {
		metrics.DroppedEvents.WithLabelValues("kafka_decode").Inc()
		h.logger.Warn("undecodable realtime record", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return err
	}
	if env.AddressedTo(feed.UserID()) {
		feed.Deliver(ev)
	}
	return nil
}

func (h *Hub) Close() error {
	return h.producer.Close()
}
