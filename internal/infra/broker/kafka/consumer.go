package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

// PartitionReader tails every partition of one topic without a consumer
// group, so it commits nothing to the broker. It owns its consumer.
type PartitionReader struct {
	consumer   sarama.Consumer
	partitions []sarama.PartitionConsumer
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closeErr   error
}

// NewPartitionReader opens every partition of topic at offset. Starting
// offsets are resolved before it returns, so records produced afterwards are
// all seen.
func NewPartitionReader(consumer sarama.Consumer, topic string, offset int64) (*PartitionReader, error) {
	r := &PartitionReader{consumer: consumer}
	ids, err := consumer.Partitions(topic)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("partitions of %s: %w", topic, err)
	}
	for _, id := range ids {
		pc, err := consumer.ConsumePartition(topic, id, offset)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("consume %s/%d: %w", topic, id, err)
		}
		r.partitions = append(r.partitions, pc)
	}
	return r, nil
}

// Start hands records to handler until the reader is closed.
func (r *PartitionReader) Start(ctx context.Context, handler MessageHandler) {
	for _, pc := range r.partitions {
		r.wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer r.wg.Done()
			for msg := range pc.Messages() {
				// events are ephemeral: a record the handler rejects is skipped, not retried
				_ = handler.Handle(ctx, msg)
			}
		}(pc)
	}
}

// Close stops every partition, waits for in-flight handlers and closes the consumer.
func (r *PartitionReader) Close() error {
	r.closeOnce.Do(func() {
		for _, pc := range r.partitions {
			pc.AsyncClose()
		}
		r.wg.Wait()
		r.closeErr = r.consumer.Close()
	})
	return r.closeErr
}
