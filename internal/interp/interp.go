package interp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/expr"
)

// Invoker performs the externally visible task bodies. Implementations return
// a *domain.WorkflowError for data-plane faults the workflow may catch; any
// other error is infrastructure failure and aborts the activation without an
// ack, so the broker redelivers.
type Invoker interface {
	Call(ctx context.Context, target string, args map[string]any) (any, error)
	Emit(ctx context.Context, attrs map[string]any) (any, error)
	Run(ctx context.Context, spec *dsl.RunSpec, input any) (any, error)
}

// Outcome classifies a finished activation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSuspended Outcome = "suspended"
	OutcomeFailed    Outcome = "failed"
)

// Result is what one activation produced. Suspended results carry the
// continuations the caller must persist atomically with its ack; Failed
// carries the terminal workflow error.
type Result struct {
	Outcome       Outcome
	WorkflowID    string
	Output        json.RawMessage
	Error         *domain.WorkflowError
	Continuations []domain.Continuation
}

// Config tunes one interpreter.
type Config struct {
	Runtime expr.RuntimeInfo
	// Secrets are the resolved values for the names the definition uses.
	Secrets map[string]string
	// ListenWindow bounds listen tasks that set no timeout of their own.
	ListenWindow time.Duration
	// MaxSteps guards against directive cycles that never suspend.
	MaxSteps int
	// Now is the clock, swappable in tests.
	Now func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ListenWindow <= 0 {
		out.ListenWindow = 24 * time.Hour
	}
	if out.MaxSteps <= 0 {
		out.MaxSteps = 10000
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Runtime.Name == "" {
		out.Runtime.Name = "gyre"
	}
	return out
}

// step kinds drive the interpreter loop.
type stepKind int

const (
	stepContinue stepKind = iota // move to node with a raw input
	stepComplete                 // node produced its raw output
	stepWait                     // suspend into the waits table
	stepRetry                    // suspend into the retries table
	stepRaise                    // unwind a workflow error
	stepFinished                 // root completed
	stepFailed                   // error left the root uncaught
	stepAbort                    // infrastructure fault, no ack
)

type step struct {
	kind  stepKind
	node  *dsl.TaskNode
	in    any
	out   any
	delay time.Duration
	err   *domain.WorkflowError
	abort error
}

// Interpreter advances one workflow instance. A fresh Interpreter is built
// per activation; it is not safe for concurrent use.
type Interpreter struct {
	tree  *dsl.Tree
	inv   Invoker
	cfg   Config
	insts map[string]*nodeInstance
}

// New builds an interpreter over a parsed definition.
func New(tree *dsl.Tree, inv Invoker, cfg Config) *Interpreter {
	return &Interpreter{
		tree:  tree,
		inv:   inv,
		cfg:   cfg.withDefaults(),
		insts: make(map[string]*nodeInstance),
	}
}

func (it *Interpreter) now() time.Time { return it.cfg.Now() }

// inst returns the instance for a node, creating it on first touch.
func (it *Interpreter) inst(node *dsl.TaskNode) *nodeInstance {
	pos := node.Position.String()
	ni, ok := it.insts[pos]
	if !ok {
		ni = newInstance(node)
		it.insts[pos] = ni
	}
	return ni
}

func (it *Interpreter) root() *nodeInstance { return it.inst(it.tree.Root) }

// Run executes one activation from an inbound continuation.
func (it *Interpreter) Run(ctx context.Context, msg *domain.Message) (*Result, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	st, res := it.restore(msg)
	if res != nil {
		return res, nil
	}

	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("activation interrupted: %w", err)
		}

		if st.kind == stepContinue || st.kind == stepComplete {
			if steps > it.cfg.MaxSteps {
				st = step{
					kind: stepFailed,
					err: domain.NewWorkflowError(domain.ErrorKindRuntime, st.node.Position.String(),
						"exceeded %d steps without suspending, likely a directive cycle", it.cfg.MaxSteps),
				}
				continue
			}
			// a node whose own or inherited timeout has lapsed fails
			// before it gets to act
			if owner := it.expiredDeadline(st.node); owner != nil {
				st = step{kind: stepRaise, node: owner, err: timeoutError(owner)}
				continue
			}
		}

		switch st.kind {
		case stepContinue:
			ni := it.inst(st.node)
			if ni.done() {
				ni.resetForIteration()
			}
			ni.rawInput = st.in
			st = it.execute(ctx, st.node)

		case stepComplete:
			st = it.finishNode(st.node, st.out)

		case stepRaise:
			st = it.unwind(st.node, st.err)

		case stepWait:
			return it.suspend(st.node, domain.TableWaits, st.delay)

		case stepRetry:
			return it.suspend(st.node, domain.TableRetries, st.delay)

		case stepFinished:
			raw, err := expr.ToRaw(st.out)
			if err != nil {
				return nil, fmt.Errorf("encode workflow output: %w", err)
			}
			return &Result{
				Outcome:    OutcomeCompleted,
				WorkflowID: it.root().workflowID,
				Output:     raw,
			}, nil

		case stepFailed:
			return &Result{
				Outcome:    OutcomeFailed,
				WorkflowID: it.root().workflowID,
				Error:      st.err,
			}, nil

		case stepAbort:
			return nil, st.abort

		default:
			return nil, fmt.Errorf("unknown step kind %d", st.kind)
		}
	}
}

// restore rebuilds instances from the message and decides the entry step.
// Structural faults (unknown position, undecodable state) terminate the
// workflow with a configuration error: redelivery cannot fix a bad message.
func (it *Interpreter) restore(msg *domain.Message) (step, *Result) {
	for pos, raw := range msg.States {
		node, ok := it.tree.At(pos)
		if !ok {
			return step{}, it.failedResult(domain.NewWorkflowError(domain.ErrorKindConfiguration, pos,
				"continuation position not present in definition %s/%s", msg.Name, msg.Version))
		}
		ni, err := decodeState(node, raw)
		if err != nil {
			return step{}, it.failedResult(domain.WrapError(domain.ErrorKindConfiguration, pos, err,
				"undecodable node state"))
		}
		it.insts[pos] = ni
	}

	active, ok := it.tree.At(msg.Position)
	if !ok {
		return step{}, it.failedResult(domain.NewWorkflowError(domain.ErrorKindConfiguration, msg.Position,
			"continuation position not present in definition %s/%s", msg.Name, msg.Version))
	}

	// re-derive transformed inputs along the ancestor chain; persisted
	// state keeps only raw inputs and the evaluation is deterministic
	for _, node := range it.path(active) {
		if node == active {
			break
		}
		if we := it.rehydrate(node); we != nil {
			return step{kind: stepRaise, node: node, err: we}, nil
		}
	}

	switch active.Kind {
	case dsl.KindWait:
		if we := it.rehydrate(active); we != nil {
			return step{kind: stepRaise, node: active, err: we}, nil
		}
		return it.resumeWait(active), nil
	case dsl.KindListen:
		// redelivery of a listen row means the window elapsed with no
		// matching event
		return step{kind: stepRaise, node: active, err: domain.NewWorkflowError(domain.ErrorKindTimeout,
			active.Position.String(), "no matching event within the listen window")}, nil
	default:
		// fresh start, fork branch entry or retry re-execution
		return step{kind: stepContinue, node: active, in: it.inst(active).rawInput}, nil
	}
}

func (it *Interpreter) resumeWait(node *dsl.TaskNode) step {
	if owner := it.expiredDeadline(node); owner != nil {
		return step{kind: stepRaise, node: owner, err: timeoutError(owner)}
	}
	ni := it.inst(node)
	now := it.now()
	if !ni.wakeAt.IsZero() && now.Before(ni.wakeAt) {
		// delivered early, park it again for the remainder, waking at
		// the deadline instead if that comes first
		delay := ni.wakeAt.Sub(now)
		if dl, ok := it.callDeadline(node); ok && dl.Before(ni.wakeAt) {
			delay = dl.Sub(now)
		}
		return step{kind: stepWait, node: node, delay: delay}
	}
	return step{kind: stepComplete, node: node, out: ni.input}
}

// failedResult is a terminal failure that bypasses the loop, for faults found
// before any node can run.
func (it *Interpreter) failedResult(we *domain.WorkflowError) *Result {
	return &Result{
		Outcome:    OutcomeFailed,
		WorkflowID: it.root().workflowID,
		Error:      we,
	}
}

// path lists the nodes from the root down to target.
func (it *Interpreter) path(target *dsl.TaskNode) []*dsl.TaskNode {
	var rev []*dsl.TaskNode
	for n := target; n != nil; n = it.tree.Parent(n) {
		rev = append(rev, n)
	}
	out := make([]*dsl.TaskNode, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out
}

// expiredDeadline returns the shallowest node on the active path whose
// timeout has lapsed.
func (it *Interpreter) expiredDeadline(node *dsl.TaskNode) *dsl.TaskNode {
	now := it.now()
	for _, n := range it.path(node) {
		ni, ok := it.insts[n.Position.String()]
		if !ok {
			continue
		}
		if dl := ni.deadline(); !dl.IsZero() && !now.Before(dl) {
			return n
		}
	}
	return nil
}

// callDeadline derives the tightest ancestor deadline for an activity call.
func (it *Interpreter) callDeadline(node *dsl.TaskNode) (time.Time, bool) {
	var tightest time.Time
	for _, n := range it.path(node) {
		ni, ok := it.insts[n.Position.String()]
		if !ok {
			continue
		}
		if dl := ni.deadline(); !dl.IsZero() && (tightest.IsZero() || dl.Before(tightest)) {
			tightest = dl
		}
	}
	return tightest, !tightest.IsZero()
}

func timeoutError(node *dsl.TaskNode) *domain.WorkflowError {
	return domain.NewWorkflowError(domain.ErrorKindTimeout, node.Position.String(),
		"task exceeded its timeout")
}

// suspend encodes the active path into a continuation and ends the
// activation.
func (it *Interpreter) suspend(node *dsl.TaskNode, table domain.OutboxTable, delay time.Duration) (*Result, error) {
	states := make(map[string]domain.NodeState)
	for _, n := range it.path(node) {
		ni, ok := it.insts[n.Position.String()]
		if !ok {
			return nil, fmt.Errorf("suspend: no instance for %q", n.Position.String())
		}
		raw, err := encodeState(ni)
		if err != nil {
			return nil, fmt.Errorf("suspend: %w", err)
		}
		states[n.Position.String()] = raw
	}

	msg := &domain.Message{
		Name:     it.tree.Doc.Document.Name,
		Version:  it.tree.Doc.Document.Version,
		States:   states,
		Position: node.Position.String(),
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("suspend: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	return &Result{
		Outcome:    OutcomeSuspended,
		WorkflowID: it.root().workflowID,
		Continuations: []domain.Continuation{
			{Table: table, Delay: delay, Message: msg},
		},
	}, nil
}
