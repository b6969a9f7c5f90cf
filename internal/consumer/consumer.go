package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/expr"
	"github.com/gyre-io/gyre/internal/interp"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/metrics"
	"github.com/gyre-io/gyre/internal/notify"
	"github.com/gyre-io/gyre/internal/observability"
	"github.com/gyre-io/gyre/internal/secrets"
	"github.com/gyre-io/gyre/internal/store"
)

// Config tunes activation handling.
type Config struct {
	Runtime expr.RuntimeInfo
	// Secrets resolves the names a definition declares. With no resolver
	// configured, workflows that declare secrets fail with an authorization
	// error instead of running on empty values.
	Secrets *secrets.Resolver
	// Notifier wakes relay workers after continuation rows land.
	Notifier notify.Notifier
	// ListenWindow and MaxSteps pass through to the interpreter.
	ListenWindow time.Duration
	MaxSteps     int
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Notifier == nil {
		c.Notifier = notify.NewNoop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Consumer handles inbound continuations: resolve the definition, run one
// activation, persist its effects, ack. A nil error acks the message; any
// other return leaves it unacked so the broker redelivers and the activation
// replays from the same persisted states.
type Consumer struct {
	resolver *Resolver
	outbox   store.OutboxStore
	invoker  interp.Invoker
	cfg      Config
}

// New builds a Consumer. Handle is the broker handler to subscribe.
func New(resolver *Resolver, outbox store.OutboxStore, invoker interp.Invoker, cfg Config) *Consumer {
	return &Consumer{
		resolver: resolver,
		outbox:   outbox,
		invoker:  invoker,
		cfg:      cfg.withDefaults(),
	}
}

// Handle processes one continuation payload.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	start := time.Now()

	msg, err := domain.DecodeMessage(payload)
	if err != nil {
		// Redelivery cannot repair a malformed payload; drop it loudly.
		logging.Op().Error("drop undecodable continuation", "error", err)
		return nil
	}

	ctx, span := observability.StartConsumerSpan(ctx, "workflow.activation",
		observability.AttrWorkflowName.String(msg.Name),
		observability.AttrWorkflowVersion.String(msg.Version),
		observability.AttrPosition.String(msg.Position),
	)
	defer span.End()

	doc, tree, err := c.resolver.Resolve(ctx, msg.Name, msg.Version)
	if err != nil {
		wfErr := terminalResolveError(msg, err)
		if wfErr == nil {
			observability.SetSpanError(span, err)
			return err
		}
		return c.settle(ctx, span, msg, start, failedResult(msg, wfErr), payload)
	}

	secretVals, wfErr, err := c.resolveSecrets(ctx, doc)
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	if wfErr != nil {
		return c.settle(ctx, span, msg, start, failedResult(msg, wfErr), payload)
	}

	it := interp.New(tree, c.invoker, interp.Config{
		Runtime:      c.cfg.Runtime,
		Secrets:      secretVals,
		ListenWindow: c.cfg.ListenWindow,
		MaxSteps:     c.cfg.MaxSteps,
		Now:          c.cfg.Now,
	})

	res, err := it.Run(ctx, msg)
	if err != nil {
		// Infrastructure abort. No effects were persisted; redelivery
		// replays the activation.
		observability.SetSpanError(span, err)
		logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
			Error("activation aborted",
				"workflow", msg.Name, "position", msg.Position, "error", err)
		return err
	}

	return c.settle(ctx, span, msg, start, res, payload)
}

// settle persists an activation's effects in one transaction, then records
// the outcome.
func (c *Consumer) settle(ctx context.Context, span trace.Span, msg *domain.Message, start time.Time, res *interp.Result, payload []byte) error {
	now := c.cfg.Now().UTC()

	var (
		rows []store.ContinuationRow
		run  *domain.Run
	)
	switch res.Outcome {
	case interp.OutcomeCompleted:
		run = &domain.Run{
			ID:              domain.NewID(),
			WorkflowID:      res.WorkflowID,
			WorkflowName:    msg.Name,
			WorkflowVersion: msg.Version,
			Status:          domain.RunStatusCompleted,
			Output:          res.Output,
			FinishedAt:      now,
		}

	case interp.OutcomeFailed:
		errJSON, merr := json.Marshal(res.Error)
		if merr != nil {
			errJSON = []byte(fmt.Sprintf("%q", res.Error.Error()))
		}
		run = &domain.Run{
			ID:              domain.NewID(),
			WorkflowID:      res.WorkflowID,
			WorkflowName:    msg.Name,
			WorkflowVersion: msg.Version,
			Status:          domain.RunStatusFailed,
			Error:           errJSON,
			FinishedAt:      now,
		}
		// The dead letter keeps the terminally failed continuation findable
		// next to the retry rows that led up to it.
		rows = append(rows, store.ContinuationRow{
			Table: domain.TableRetries,
			Record: domain.OutboxRecord{
				ID:           domain.NewID(),
				Message:      payload,
				DelayedUntil: now,
				Status:       domain.OutboxStatusFailed,
				LastError:    res.Error.Error(),
			},
		})

	case interp.OutcomeSuspended:
		for _, cont := range res.Continuations {
			body, err := cont.Message.Encode()
			if err != nil {
				return fmt.Errorf("encode continuation at %s: %w", msg.Position, err)
			}
			rows = append(rows, store.ContinuationRow{
				Table: cont.Table,
				Record: domain.OutboxRecord{
					ID:           domain.NewID(),
					Message:      body,
					DelayedUntil: now.Add(cont.Delay),
					Status:       domain.OutboxStatusPending,
				},
			})
		}

	default:
		return fmt.Errorf("unhandled outcome %q", res.Outcome)
	}

	if err := c.outbox.ApplyActivation(ctx, rows, run); err != nil {
		observability.SetSpanError(span, err)
		return err
	}

	c.report(ctx, span, msg, start, res, rows, run)
	return nil
}

// report emits wakeups, metrics, the journal line and span attributes for a
// settled activation.
func (c *Consumer) report(ctx context.Context, span trace.Span, msg *domain.Message, start time.Time, res *interp.Result, rows []store.ContinuationRow, run *domain.Run) {
	durMs := time.Since(start).Milliseconds()
	outcome := string(res.Outcome)

	perTable := map[domain.OutboxTable]int{}
	for _, row := range rows {
		if row.Record.Status != domain.OutboxStatusPending {
			continue
		}
		perTable[row.Table]++
	}
	for table, n := range perTable {
		metrics.RecordContinuations(string(table), n)
		if err := c.cfg.Notifier.Notify(ctx, table); err != nil {
			logging.Op().Debug("outbox wakeup failed", "table", table, "error", err)
		}
	}

	metrics.RecordActivation(msg.Name, outcome, durMs)
	if run != nil {
		metrics.Global().RecordWorkflowFinished()
	}
	if res.Outcome == interp.OutcomeFailed {
		metrics.RecordDeadLetter(string(domain.TableRetries))
	}

	entry := logging.ActivationLog{
		Timestamp:     start.UTC(),
		WorkflowID:    res.WorkflowID,
		Workflow:      msg.Name,
		Version:       msg.Version,
		Position:      msg.Position,
		DurationMs:    durMs,
		Outcome:       outcome,
		Continuations: len(rows),
	}
	if res.Error != nil {
		entry.Error = res.Error.Error()
	}
	logging.Journal().Record(entry)

	span.SetAttributes(
		observability.AttrWorkflowID.String(res.WorkflowID),
		observability.AttrOutcome.String(outcome),
		observability.AttrDurationMs.Int64(durMs),
	)
	if res.Error != nil {
		observability.SetSpanError(span, res.Error)
	} else {
		observability.SetSpanOK(span)
	}
}

// resolveSecrets materializes the secret names a definition declares.
// The middle return is a terminal workflow fault; the last is infrastructure.
func (c *Consumer) resolveSecrets(ctx context.Context, doc *dsl.Document) (map[string]string, *domain.WorkflowError, error) {
	if doc.Use == nil || len(doc.Use.Secrets) == 0 {
		return nil, nil, nil
	}
	if c.cfg.Secrets == nil {
		return nil, domain.NewWorkflowError(domain.ErrorKindAuthorization, "",
			"definition uses secrets but no secret source is configured"), nil
	}
	vals, err := c.cfg.Secrets.Resolve(ctx, doc.Use.Secrets)
	if err != nil {
		if errors.Is(err, store.ErrSecretNotFound) {
			return nil, domain.NewWorkflowError(domain.ErrorKindAuthorization, "", "%s", err.Error()), nil
		}
		return nil, nil, err
	}
	return vals, nil, nil
}

// terminalResolveError classifies a definition resolution failure. A missing
// or unparseable definition is deterministic, so the continuation parks as a
// dead letter instead of cycling through redelivery. nil means the failure
// was infrastructure and redelivery should retry it.
func terminalResolveError(msg *domain.Message, err error) *domain.WorkflowError {
	var wfErr *domain.WorkflowError
	switch {
	case errors.Is(err, store.ErrDefinitionNotFound):
		return domain.NewWorkflowError(domain.ErrorKindConfiguration, "",
			"workflow %s/%s is not registered", msg.Name, msg.Version)
	case errors.As(err, &wfErr):
		return wfErr
	default:
		return nil
	}
}

func failedResult(msg *domain.Message, wfErr *domain.WorkflowError) *interp.Result {
	return &interp.Result{
		Outcome:    interp.OutcomeFailed,
		WorkflowID: msg.WorkflowID(),
		Error:      wfErr,
	}
}
