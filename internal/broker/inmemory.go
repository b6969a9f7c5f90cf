package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// redeliveryDelay throttles the retry loop when a handler keeps failing.
const redeliveryDelay = 50 * time.Millisecond

// Memory is an in-process Broker for tests and the one-shot runner. Failed
// deliveries are requeued at the tail.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]*memTopic)}
}

func (b *Memory) topic(name string) *memTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{wake: make(chan struct{}, 1)}
		b.topics[name] = t
	}
	return t
}

func (b *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("broker is closed")
	}

	t := b.topic(topic)
	t.mu.Lock()
	t.queue = append(t.queue, append([]byte(nil), payload...))
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *Memory) Consume(ctx context.Context, topic string, h Handler) error {
	t := b.topic(topic)
	for {
		payload, ok := t.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.wake:
				continue
			}
		}

		if err := h(ctx, payload); err != nil {
			t.mu.Lock()
			t.queue = append(t.queue, payload)
			t.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(redeliveryDelay):
			}
		}
	}
}

func (t *memTopic) pop() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil, false
	}
	payload := t.queue[0]
	t.queue = t.queue[1:]
	return payload, true
}

// Depth reports the number of queued messages on a topic.
func (b *Memory) Depth(topic string) int {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (b *Memory) Ping(context.Context) error { return nil }

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
