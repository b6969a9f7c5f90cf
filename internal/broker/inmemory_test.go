package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryDeliversInOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, msg := range []string{"one", "two", "three"} {
		if err := b.Publish(ctx, "t", []byte(msg)); err != nil {
			t.Fatalf("publish %s: %v", msg, err)
		}
	}

	got := make(chan string, 3)
	go b.Consume(ctx, "t", func(_ context.Context, payload []byte) error {
		got <- string(payload)
		return nil
	})

	for _, want := range []string{"one", "two", "three"} {
		select {
		case msg := <-got:
			if msg != want {
				t.Fatalf("expected %s, got %s", want, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestMemoryRedeliversOnHandlerError(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Publish(ctx, "t", []byte("poison-then-fine")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var attempts atomic.Int64
	done := make(chan struct{})
	go b.Consume(ctx, "t", func(_ context.Context, _ []byte) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected redelivery after handler error")
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestMemoryConsumeStopsOnCancel(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(ctx, "t", func(_ context.Context, _ []byte) error { return nil })
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consume did not stop on cancel")
	}
}

func TestMemoryTopicsAreIsolated(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "a", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if b.Depth("a") != 1 || b.Depth("b") != 0 {
		t.Fatalf("expected depth a=1 b=0, got a=%d b=%d", b.Depth("a"), b.Depth("b"))
	}
}

func TestMemoryPublishAfterCloseFails(t *testing.T) {
	b := NewMemory()
	b.Close()
	if err := b.Publish(context.Background(), "t", []byte("x")); err == nil {
		t.Fatal("expected publish on closed broker to fail")
	}
}
