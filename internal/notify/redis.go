package notify

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/gyre-io/gyre/internal/domain"
)

const redisChannelPrefix = "gyre:outbox:notify:"

// Redis broadcasts wakeups over PUBLISH/SUBSCRIBE so that a row written on
// one node wakes relay workers on every node.
type Redis struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[domain.OutboxTable][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		subs:   make(map[domain.OutboxTable][]*redisSub),
	}
}

func (n *Redis) Notify(ctx context.Context, table domain.OutboxTable) error {
	return n.client.Publish(ctx, redisChannelPrefix+string(table), "1").Err()
}

func (n *Redis) Subscribe(ctx context.Context, table domain.OutboxTable) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[table] = append(n.subs[table], rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+string(table))

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(table, rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *Redis) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			close(s.ch)
		}
	}
	n.subs = nil
	return nil
}

func (n *Redis) removeSub(table domain.OutboxTable, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[table]
	for i, s := range subs {
		if s == target {
			n.subs[table] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
