package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gyre-io/gyre/internal/logging"
)

// Kafka is a franz-go backed Broker. One client produces; each Consume call
// gets its own group consumer so partition assignment stays per-topic.
type Kafka struct {
	brokers []string
	group   string

	producer *kgo.Client

	mu        sync.Mutex
	consumers []*kgo.Client
	closed    bool
}

// NewKafka connects a producer client to the seed brokers. group names the
// consumer group used by Consume.
func NewKafka(brokers []string, group string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no seed brokers")
	}
	if group == "" {
		group = "gyre"
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka{brokers: brokers, group: group, producer: producer}, nil
}

func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	res := k.producer.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: payload})
	if err := res.FirstErr(); err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Consume(ctx context.Context, topic string, h Handler) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.ConsumerGroup(k.group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		client.Close()
		return fmt.Errorf("broker is closed")
	}
	k.consumers = append(k.consumers, client)
	k.mu.Unlock()

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return fmt.Errorf("kafka consumer closed")
		}
		for _, fe := range fetches.Errors() {
			logging.Op().Error("kafka fetch failed", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
		}

		// Commit successes as they settle. On a handler failure stop the
		// batch without committing, so the failed offset replays; offsets
		// commit high-water per partition, so committing past a failure
		// would mask it.
		var failed bool
		iter := fetches.RecordIter()
		for !iter.Done() && !failed {
			rec := iter.Next()
			if err := h(ctx, rec.Value); err != nil {
				logging.Op().Warn("delivery handler failed, leaving offset uncommitted",
					"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
				failed = true
				continue
			}
			if err := client.CommitRecords(ctx, rec); err != nil {
				logging.Op().Error("kafka commit failed", "topic", rec.Topic, "offset", rec.Offset, "error", err)
			}
		}
		if failed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(redeliveryDelay):
			}
		}
	}
}

func (k *Kafka) Ping(ctx context.Context) error {
	return k.producer.Ping(ctx)
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	k.producer.Close()
	for _, c := range k.consumers {
		c.Close()
	}
	k.consumers = nil
	return nil
}
