package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gyre-io/gyre/internal/activity"
	"github.com/gyre-io/gyre/internal/broker"
	"github.com/gyre-io/gyre/internal/cache"
	"github.com/gyre-io/gyre/internal/consumer"
	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/expr"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/outbox"
	"github.com/gyre-io/gyre/internal/store"
)

const localPoll = 20 * time.Millisecond

// RunLocal executes one workflow source to completion on in-memory
// infrastructure and returns the terminal run record. Call and run tasks
// still reach the network and the host; everything else stays in-process.
// Development use only: nothing survives the call.
func RunLocal(ctx context.Context, source []byte, input json.RawMessage) (*domain.Run, error) {
	doc, err := dsl.Parse(source)
	if err != nil {
		return nil, err
	}

	st := store.NewStore(store.NewMemoryStore())
	b := broker.NewMemory()
	defer b.Close()
	notifier := notify.NewLocal()
	defer notifier.Close()

	def := &domain.Definition{
		ID:      domain.NewID(),
		Name:    doc.Document.Name,
		Version: doc.Document.Version,
		Format:  dsl.DetectFormat(source),
		Source:  source,
	}
	if err := st.PutDefinition(ctx, def); err != nil {
		return nil, err
	}

	starter := NewStarter(st, st, notifier)
	invoker := activity.New(b, activity.Config{
		Starter:   starter,
		Runs:      st,
		AwaitPoll: localPoll,
	})
	cons := consumer.New(consumer.NewResolver(st, cache.NewMemory()), st, invoker, consumer.Config{
		Runtime:  expr.RuntimeInfo{Name: "gyre", Version: Version},
		Notifier: notifier,
	})

	relay := outbox.Config{Table: domain.TableWaits, Interval: localPoll}
	waits, err := outbox.NewProcessor(st, b, notifier, relay)
	if err != nil {
		return nil, err
	}
	relay.Table = domain.TableRetries
	retries, err := outbox.NewProcessor(st, b, notifier, relay)
	if err != nil {
		return nil, err
	}
	waits.Start()
	defer waits.Stop()
	retries.Start()
	defer retries.Stop()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.Consume(cctx, broker.DefaultTopicIn, cons.Handle)

	id, err := starter.StartWorkflow(ctx, def.Name, def.Version, input)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(localPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			run, err := st.GetRun(ctx, id)
			if errors.Is(err, store.ErrRunNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return run, nil
		}
	}
}
