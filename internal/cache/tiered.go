package cache

import (
	"context"
	"time"
)

// Tiered reads through a fast local L1 into a shared L2. Writes land in both;
// the L1 entry expires on its own short TTL so cross-node staleness is
// bounded without an invalidation channel.
type Tiered struct {
	l1    Cache
	l2    Cache
	l1TTL time.Duration
}

func NewTiered(l1, l2 Cache, l1TTL time.Duration) *Tiered {
	if l1TTL <= 0 {
		l1TTL = 10 * time.Second
	}
	return &Tiered{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.l1.Get(ctx, key)
	if err == nil {
		return val, nil
	}
	val, err = t.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = t.l1.Set(ctx, key, val, t.l1TTL)
	return val, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = t.l1.Set(ctx, key, value, t.l1TTL)
	return t.l2.Set(ctx, key, value, ttl)
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	_ = t.l1.Delete(ctx, key)
	return t.l2.Delete(ctx, key)
}

func (t *Tiered) Ping(ctx context.Context) error {
	if err := t.l1.Ping(ctx); err != nil {
		return err
	}
	return t.l2.Ping(ctx)
}

func (t *Tiered) Close() error {
	_ = t.l1.Close()
	return t.l2.Close()
}
