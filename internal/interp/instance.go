// Package interp executes workflow definitions as a pure state machine. One
// Run call advances an instance from an inbound continuation until it
// completes, fails, or suspends; suspension hands back the continuations the
// caller must persist. The interpreter holds no I/O of its own: activities go
// through the Invoker and durability is the caller's concern.
package interp

import (
	"time"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
)

// tryPhase marks which block of a try node is executing.
const (
	phaseTry   = "t"
	phaseCatch = "c"
)

// nodeInstance is the live activation state of one node. Instances exist only
// for nodes on the active path plus already-visited siblings inside one Run
// call; across suspensions they are rebuilt from persisted node states.
type nodeInstance struct {
	node *dsl.TaskNode

	started   bool
	inputDone bool
	completed bool
	startedAt time.Time
	rawInput  any
	input     any // transformed
	output    any // transformed, set on completion

	// flowOverride carries a then directive chosen at runtime (switch
	// cases, skipped tasks) that shadows the static task.then.
	flowOverride string
	skipped      bool

	attempts int // failed attempts, drives retry policies

	// composites: progress through the active child list and the output
	// of the last child to complete
	childIdx   int
	lastOutput any

	// root only
	workflowID string
	context    any

	// for
	items  []any
	cursor int

	// fork: completed branch outputs keyed by branch name
	branchDone map[string]any

	// try
	phase  string
	caught *domain.WorkflowError

	// wait/listen
	wakeAt time.Time
}

func newInstance(node *dsl.TaskNode) *nodeInstance {
	return &nodeInstance{node: node, phase: phaseTry}
}

// begin marks the first execution of the node in this activation.
func (ni *nodeInstance) begin(now time.Time) {
	if !ni.started {
		ni.started = true
		if ni.startedAt.IsZero() {
			ni.startedAt = now
		}
	}
}

// done reports whether the node completed in this activation. Loop bodies and
// backward jumps re-enter completed nodes, which resets them first.
func (ni *nodeInstance) done() bool { return ni.completed }

// resetForIteration clears per-pass state so a loop body child can run again.
func (ni *nodeInstance) resetForIteration() {
	ni.started = false
	ni.inputDone = false
	ni.completed = false
	ni.startedAt = time.Time{}
	ni.rawInput = nil
	ni.input = nil
	ni.output = nil
	ni.flowOverride = ""
	ni.skipped = false
	ni.attempts = 0
	ni.childIdx = 0
	ni.lastOutput = nil
	ni.items = nil
	ni.cursor = 0
	ni.branchDone = nil
	ni.phase = phaseTry
	ni.caught = nil
	ni.wakeAt = time.Time{}
}

// resetForRetry rewinds the node for re-execution while keeping its identity:
// raw input, start time (timeout budgets span retries) and the attempt count.
func (ni *nodeInstance) resetForRetry() {
	ni.started = false
	ni.inputDone = false
	ni.completed = false
	ni.input = nil
	ni.output = nil
	ni.flowOverride = ""
	ni.skipped = false
	ni.childIdx = 0
	ni.lastOutput = nil
	ni.items = nil
	ni.cursor = 0
	ni.branchDone = nil
	ni.phase = phaseTry
	ni.caught = nil
	ni.wakeAt = time.Time{}
}

// flowDirective is the then routing the parent honors after this node
// completes.
func (ni *nodeInstance) flowDirective() string {
	if ni.flowOverride != "" {
		return ni.flowOverride
	}
	if ni.node.Task != nil {
		return ni.node.Task.Then
	}
	return ""
}

// activeList returns the child list the instance is currently walking: the
// catch handlers once a try has caught, the body otherwise.
func (ni *nodeInstance) activeList() []*dsl.TaskNode {
	if ni.node.Kind == dsl.KindTry && ni.phase == phaseCatch {
		return ni.node.Handlers
	}
	return ni.node.Children
}

// deadline returns the absolute timeout for the node, zero when unbounded.
func (ni *nodeInstance) deadline() time.Time {
	t := ni.node.Task
	if t == nil || t.Timeout == nil || ni.startedAt.IsZero() {
		return time.Time{}
	}
	after := t.Timeout.After.ToTimeDuration()
	if after <= 0 {
		return time.Time{}
	}
	return ni.startedAt.Add(after)
}
