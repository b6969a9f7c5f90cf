// Package notify is the push layer over the polled outbox. The consumer
// writes continuation rows and calls Notify; relay workers subscribed to the
// row's table wake immediately instead of sleeping out their poll interval.
// Delivery is best-effort: a lost signal only costs one poll interval.
package notify

import (
	"context"
	"sync"

	"github.com/gyre-io/gyre/internal/domain"
)

// Notifier signals relay workers that new rows are due on an outbox table.
type Notifier interface {
	// Notify signals that rows were written to the given table.
	Notify(ctx context.Context, table domain.OutboxTable) error

	// Subscribe returns a channel that fires when rows land on the given
	// table. The channel closes when ctx is cancelled or the notifier is
	// closed.
	Subscribe(ctx context.Context, table domain.OutboxTable) <-chan struct{}

	Close() error
}

// Noop never signals; workers fall back to pure polling.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) Notify(context.Context, domain.OutboxTable) error { return nil }

func (Noop) Subscribe(ctx context.Context, _ domain.OutboxTable) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (Noop) Close() error { return nil }

// Local is an in-process notifier for single-instance deployments and the
// one-shot runner.
type Local struct {
	mu     sync.Mutex
	subs   map[domain.OutboxTable][]chan struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[domain.OutboxTable][]chan struct{})}
}

func (n *Local) Notify(_ context.Context, table domain.OutboxTable) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subs[table] {
		select {
		case ch <- struct{}{}:
		default:
			// subscriber already has a pending signal
		}
	}
	return nil
}

func (n *Local) Subscribe(ctx context.Context, table domain.OutboxTable) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subs[table] = append(n.subs[table], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[table]
		for i, s := range subs {
			if s == ch {
				n.subs[table] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	return ch
}

func (n *Local) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subs = nil
	return nil
}
