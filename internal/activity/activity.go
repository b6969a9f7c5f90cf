package activity

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gyre-io/gyre/internal/broker"
	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/logging"
	"github.com/gyre-io/gyre/internal/metrics"
	"github.com/gyre-io/gyre/internal/secrets"
	"github.com/gyre-io/gyre/internal/store"
)

// Starter launches a stored workflow. The runtime provides it so run.workflow
// tasks can spawn children without the activity layer knowing about outbox
// wiring.
type Starter interface {
	StartWorkflow(ctx context.Context, name, version string, input json.RawMessage) (string, error)
}

// Config tunes the host activities.
type Config struct {
	// Starter and Runs serve run.workflow tasks: Starter spawns the child,
	// Runs is polled for its terminal state when the task awaits it.
	Starter Starter
	Runs    store.RunStore
	// Secrets resolves $SECRET: references in run task environments.
	Secrets *secrets.Resolver

	// EmitTopic is where emitted CloudEvents land.
	EmitTopic string
	// EmitSource is the source attribute when the event sets none.
	EmitSource string

	HTTPTimeout      time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration

	// AwaitPoll and AwaitWindow bound how an awaited sub-workflow is watched
	// when the task carries no deadline of its own.
	AwaitPoll   time.Duration
	AwaitWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.EmitTopic == "" {
		c.EmitTopic = broker.DefaultTopicOut
	}
	if c.EmitSource == "" {
		c.EmitSource = "/gyre"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.AwaitPoll <= 0 {
		c.AwaitPoll = 250 * time.Millisecond
	}
	if c.AwaitWindow <= 0 {
		c.AwaitWindow = 2 * time.Minute
	}
	return c
}

// Invoker executes the externally visible task bodies: HTTP, gRPC and
// AsyncAPI calls, CloudEvent emission, and run tasks. Data-plane faults come
// back as *domain.WorkflowError so Try/Catch can intercept them; plain errors
// mean infrastructure trouble and abort the activation un-acked.
type Invoker struct {
	broker broker.Broker
	cfg    Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	descSets map[string]*descSet
}

// New builds an Invoker over a broker for its messaging activities.
func New(b broker.Broker, cfg Config) *Invoker {
	return &Invoker{
		broker:   b,
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		descSets: make(map[string]*descSet),
	}
}

// Call dispatches a call task by protocol target.
func (v *Invoker) Call(ctx context.Context, target string, args map[string]any) (any, error) {
	switch strings.ToLower(target) {
	case "http":
		return v.callHTTP(ctx, args)
	case "grpc":
		return v.callGRPC(ctx, args)
	case "asyncapi":
		return v.callAsyncAPI(ctx, args)
	default:
		return nil, domain.NewWorkflowError(domain.ErrorKindConfiguration, "",
			"unsupported call target %q", target)
	}
}

// breaker returns the circuit breaker guarding one remote host, creating it
// on first use.
func (v *Invoker) breaker(host string) *gobreaker.CircuitBreaker {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cb, ok := v.breakers[host]; ok {
		return cb
	}
	threshold := v.cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "call-" + host,
		Timeout: v.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Op().Warn("call breaker state change",
				"target", name, "from", from.String(), "to", to.String())
			metrics.RecordBreakerTrip(name, to.String())
			metrics.SetBreakerState(name, breakerStateValue(to))
		},
	})
	v.breakers[host] = cb
	return cb
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// decodeWith maps an evaluated with-block onto a typed argument struct.
func decodeWith(args map[string]any, into any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return domain.NewWorkflowError(domain.ErrorKindConfiguration, "",
			"encode call arguments: %v", err)
	}
	if err := json.Unmarshal(b, into); err != nil {
		return domain.NewWorkflowError(domain.ErrorKindConfiguration, "",
			"invalid call arguments: %v", err)
	}
	return nil
}

// commError builds the catchable fault for a transport failure.
func commError(format string, args ...any) *domain.WorkflowError {
	return domain.NewWorkflowError(domain.ErrorKindCommunication, "", format, args...)
}

func configError(format string, args ...any) *domain.WorkflowError {
	return domain.NewWorkflowError(domain.ErrorKindConfiguration, "", format, args...)
}

func runtimeError(format string, args ...any) *domain.WorkflowError {
	return domain.NewWorkflowError(domain.ErrorKindRuntime, "", format, args...)
}

func timeoutError(format string, args ...any) *domain.WorkflowError {
	return domain.NewWorkflowError(domain.ErrorKindTimeout, "", format, args...)
}
