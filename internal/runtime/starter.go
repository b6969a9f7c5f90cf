package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/metrics"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/store"
)

// Starter enqueues new workflow instances. It writes a start continuation
// to the waits table inside the store; the outbox processor picks it up and
// publishes it, so a start survives a crash between enqueue and publish.
type Starter struct {
	defs     store.DefinitionStore
	outbox   store.OutboxStore
	notifier notify.Notifier
}

func NewStarter(defs store.DefinitionStore, outbox store.OutboxStore, notifier notify.Notifier) *Starter {
	if notifier == nil {
		notifier = notify.NewNoop()
	}
	return &Starter{defs: defs, outbox: outbox, notifier: notifier}
}

// StartWorkflow resolves the definition, assigns a workflow id and enqueues
// the start message. An empty version resolves to the latest upload.
func (s *Starter) StartWorkflow(ctx context.Context, name, version string, input json.RawMessage) (string, error) {
	var (
		def *domain.Definition
		err error
	)
	if version == "" {
		def, err = s.defs.LatestDefinition(ctx, name)
	} else {
		def, err = s.defs.GetDefinition(ctx, name, version)
	}
	if err != nil {
		return "", err
	}

	id := domain.NewID()
	msg, err := domain.NewStartMessage(def.Name, def.Version, id, input)
	if err != nil {
		return "", fmt.Errorf("build start message: %w", err)
	}
	body, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("encode start message: %w", err)
	}

	err = s.outbox.InsertContinuation(ctx, store.ContinuationRow{
		Table: domain.TableWaits,
		Record: domain.OutboxRecord{
			ID:           domain.NewID(),
			Message:      body,
			DelayedUntil: time.Now(),
			Status:       domain.OutboxStatusPending,
		},
	})
	if err != nil {
		return "", fmt.Errorf("enqueue start: %w", err)
	}

	if err := s.notifier.Notify(ctx, domain.TableWaits); err != nil {
		logging.Op().Debug("start notify failed", "error", err)
	}
	metrics.Global().RecordWorkflowStarted()
	logging.Op().Info("workflow started",
		"workflow_id", id,
		"name", def.Name,
		"version", def.Version,
	)
	return id, nil
}
