package interp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/expr"
)

// execute runs a node from its current phase: hooks first, then the
// kind-specific body.
func (it *Interpreter) execute(ctx context.Context, node *dsl.TaskNode) step {
	ni := it.inst(node)
	ni.begin(it.now())
	t := node.Task

	if !ni.inputDone {
		if t != nil && t.If != "" {
			ok, err := expr.EvalPredicate(t.If, ni.rawInput, it.scopeFor(node))
			if err != nil {
				return step{kind: stepRaise, node: node, err: it.asWorkflowError(err, node)}
			}
			if !ok {
				// a skipped task passes its raw input through and
				// never routes flow
				ni.skipped = true
				ni.flowOverride = dsl.FlowContinue
				return step{kind: stepComplete, node: node, out: ni.rawInput}
			}
		}
		if we := it.applyInput(node, ni); we != nil {
			return step{kind: stepRaise, node: node, err: we}
		}
	}

	switch node.Kind {
	case dsl.KindDo, dsl.KindTry:
		return it.enterList(node)
	case dsl.KindFor:
		return it.enterFor(node)
	case dsl.KindFork:
		return it.enterFork(node)
	case dsl.KindSwitch:
		return it.execSwitch(node)
	case dsl.KindSet:
		return it.execSet(node)
	case dsl.KindWait:
		return it.execWait(node)
	case dsl.KindListen:
		return it.execListen(node)
	case dsl.KindRaise:
		return it.execRaise(node)
	case dsl.KindCall, dsl.KindRun, dsl.KindEmit:
		return it.execActivity(ctx, node)
	default:
		return step{kind: stepFailed, err: domain.NewWorkflowError(domain.ErrorKindConfiguration,
			node.Position.String(), "no executor for task kind %q", node.Kind)}
	}
}

func (it *Interpreter) enterList(node *dsl.TaskNode) step {
	ni := it.inst(node)
	list := ni.activeList()
	if len(list) == 0 {
		return step{kind: stepComplete, node: node, out: ni.input}
	}
	ni.childIdx = 0
	return step{kind: stepContinue, node: list[0], in: ni.input}
}

func (it *Interpreter) enterFor(node *dsl.TaskNode) step {
	ni := it.inst(node)
	if ni.items == nil {
		v, err := expr.Eval(node.Task.For.In, ni.input, it.scopeFor(node))
		if err != nil {
			return step{kind: stepRaise, node: node, err: it.asWorkflowError(err, node)}
		}
		arr, ok := v.([]any)
		if !ok {
			return step{kind: stepRaise, node: node, err: domain.NewWorkflowError(
				domain.ErrorKindValidation, node.Position.String(),
				"for.in must evaluate to an array, got %T", v)}
		}
		ni.items = arr
		ni.cursor = 0
		ni.lastOutput = ni.input
	}
	if ni.cursor >= len(ni.items) {
		return step{kind: stepComplete, node: node, out: ni.lastOutput}
	}
	ni.childIdx = 0
	return step{kind: stepContinue, node: node.Children[0], in: ni.input}
}

func (it *Interpreter) enterFork(node *dsl.TaskNode) step {
	ni := it.inst(node)
	if ni.branchDone == nil {
		ni.branchDone = make(map[string]any, len(node.Children))
	}
	for _, b := range node.Children {
		if _, done := ni.branchDone[b.Name]; !done {
			return step{kind: stepContinue, node: b, in: ni.input}
		}
	}
	return it.completeFork(node)
}

func (it *Interpreter) completeFork(node *dsl.TaskNode) step {
	ni := it.inst(node)
	outs := make([]any, 0, len(node.Children))
	for _, b := range node.Children {
		outs = append(outs, ni.branchDone[b.Name])
	}
	return step{kind: stepComplete, node: node, out: outs}
}

func (it *Interpreter) execSwitch(node *dsl.TaskNode) step {
	ni := it.inst(node)
	scope := it.scopeFor(node).With("input", ni.input)

	var chosen *dsl.SwitchCase
	var fallback *dsl.SwitchCase
	for i := range node.Task.Switch {
		c := &node.Task.Switch[i]
		if c.When == "" {
			if fallback == nil {
				fallback = c
			}
			continue
		}
		ok, err := expr.EvalPredicate(c.When, ni.input, scope)
		if err != nil {
			return step{kind: stepRaise, node: node, err: it.asWorkflowError(err, node)}
		}
		if ok {
			chosen = c
			break
		}
	}
	if chosen == nil {
		chosen = fallback
	}
	if chosen == nil {
		return step{kind: stepRaise, node: node, err: domain.NewWorkflowError(
			domain.ErrorKindConfiguration, node.Position.String(),
			"no switch case matched and no default is defined")}
	}
	if chosen.Then != "" {
		ni.flowOverride = chosen.Then
	} else {
		ni.flowOverride = dsl.FlowContinue
	}
	return step{kind: stepComplete, node: node, out: ni.input}
}

func (it *Interpreter) execSet(node *dsl.TaskNode) step {
	ni := it.inst(node)
	scope := it.scopeFor(node).With("input", ni.input)
	evaluated, err := expr.EvalTemplate(map[string]any(node.Task.Set), ni.input, scope)
	if err != nil {
		return step{kind: stepRaise, node: node, err: it.asWorkflowError(err, node)}
	}
	return step{kind: stepComplete, node: node, out: expr.Merge(ni.input, evaluated)}
}

func (it *Interpreter) execWait(node *dsl.TaskNode) step {
	ni := it.inst(node)
	delay := node.Task.Wait.ToTimeDuration()
	now := it.now()
	ni.wakeAt = now.Add(delay)

	// wake at the deadline instead when a timeout cuts the wait short,
	// so the fault fires on time
	if dl, ok := it.callDeadline(node); ok && dl.Before(ni.wakeAt) {
		delay = dl.Sub(now)
	}
	return step{kind: stepWait, node: node, delay: delay}
}

func (it *Interpreter) execListen(node *dsl.TaskNode) step {
	ni := it.inst(node)
	window := it.cfg.ListenWindow
	if t := node.Task; t.Timeout != nil {
		if after := t.Timeout.After.ToTimeDuration(); after > 0 {
			window = after
		}
	}
	ni.wakeAt = it.now().Add(window)
	return step{kind: stepWait, node: node, delay: window}
}

func (it *Interpreter) execRaise(node *dsl.TaskNode) step {
	ni := it.inst(node)
	spec := node.Task.Raise.Error
	scope := it.scopeFor(node).With("input", ni.input)

	title, err := expr.EvalString(spec.Title, ni.input, scope)
	if err != nil {
		return step{kind: stepRaise, node: node, err: it.asWorkflowError(err, node)}
	}
	detail, err := expr.EvalString(spec.Detail, ni.input, scope)
	if err != nil {
		return step{kind: stepRaise, node: node, err: it.asWorkflowError(err, node)}
	}

	status := spec.Status
	if status == 0 {
		status = domain.DefaultStatus((&domain.WorkflowError{Type: spec.Type}).Kind())
	}
	return step{kind: stepRaise, node: node, err: &domain.WorkflowError{
		Type:     spec.Type,
		Status:   status,
		Title:    asString(title),
		Detail:   asString(detail),
		Instance: node.Position.String(),
	}}
}

func (it *Interpreter) execActivity(ctx context.Context, node *dsl.TaskNode) step {
	if it.inv == nil {
		return step{kind: stepAbort, abort: fmt.Errorf("no invoker configured for %q task at %s",
			node.Kind, node.Position.String())}
	}
	ni := it.inst(node)
	t := node.Task
	scope := it.scopeFor(node).With("input", ni.input)

	if dl, ok := it.callDeadline(node); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}

	var out any
	var err error
	switch node.Kind {
	case dsl.KindCall:
		args, aerr := expr.EvalTemplate(map[string]any(t.With), ni.input, scope)
		if aerr != nil {
			return step{kind: stepRaise, node: node, err: it.asWorkflowError(aerr, node)}
		}
		argMap, _ := args.(map[string]any)
		out, err = it.inv.Call(ctx, t.Call, argMap)
	case dsl.KindEmit:
		attrs, aerr := expr.EvalTemplate(map[string]any(t.Emit.Event.With), ni.input, scope)
		if aerr != nil {
			return step{kind: stepRaise, node: node, err: it.asWorkflowError(aerr, node)}
		}
		attrMap, _ := attrs.(map[string]any)
		out, err = it.inv.Emit(ctx, attrMap)
	case dsl.KindRun:
		in := ni.input
		if t.Run.Workflow != nil && t.Run.Workflow.Input != nil {
			v, aerr := expr.EvalTemplate(t.Run.Workflow.Input, ni.input, scope)
			if aerr != nil {
				return step{kind: stepRaise, node: node, err: it.asWorkflowError(aerr, node)}
			}
			in = v
		}
		out, err = it.inv.Run(ctx, t.Run, in)
	}

	if err != nil {
		var we *domain.WorkflowError
		switch {
		case errors.As(err, &we):
			return step{kind: stepRaise, node: node, err: we.WithInstance(node.Position.String())}
		case errors.Is(err, context.DeadlineExceeded):
			return step{kind: stepRaise, node: node, err: timeoutError(node)}
		default:
			// infrastructure fault: abort without an ack so the broker
			// redelivers
			return step{kind: stepAbort, abort: fmt.Errorf("%s at %s: %w",
				node.Kind, node.Position.String(), err)}
		}
	}
	return step{kind: stepComplete, node: node, out: out}
}

// finishNode applies output hooks and hands control to the parent.
func (it *Interpreter) finishNode(node *dsl.TaskNode, rawOut any) step {
	ni := it.inst(node)
	if ni.skipped {
		ni.output = rawOut
	} else {
		out, we := it.applyOutput(node, ni, rawOut)
		if we != nil {
			return step{kind: stepRaise, node: node, err: we}
		}
		ni.output = out
		if we := it.applyExport(node, ni); we != nil {
			return step{kind: stepRaise, node: node, err: we}
		}
	}
	ni.completed = true

	if node.Position.IsRoot() {
		return step{kind: stepFinished, node: node, out: ni.output}
	}
	return it.advance(it.tree.Parent(node), node)
}

// advance routes flow after child completed under parent.
func (it *Interpreter) advance(parent, child *dsl.TaskNode) step {
	pni := it.inst(parent)
	cni := it.inst(child)
	pni.lastOutput = cni.output

	if parent.Kind == dsl.KindFork {
		return it.advanceFork(parent, child)
	}

	directive := cni.flowDirective()
	switch directive {
	case dsl.FlowEnd:
		// gracefully end the whole workflow with this output
		return it.finishNode(it.tree.Root, cni.output)
	case dsl.FlowExit:
		if parent.Kind == dsl.KindFor {
			return it.nextIteration(parent)
		}
		return step{kind: stepComplete, node: parent, out: cni.output}
	case "", dsl.FlowContinue:
		list := pni.activeList()
		idx := child.Index + 1
		if idx < len(list) {
			pni.childIdx = idx
			return step{kind: stepContinue, node: list[idx], in: cni.output}
		}
		if parent.Kind == dsl.KindFor {
			return it.nextIteration(parent)
		}
		return step{kind: stepComplete, node: parent, out: pni.lastOutput}
	default:
		list := pni.activeList()
		for i, sibling := range list {
			if sibling.Name == directive {
				pni.childIdx = i
				return step{kind: stepContinue, node: sibling, in: cni.output}
			}
		}
		return step{kind: stepRaise, node: parent, err: domain.NewWorkflowError(
			domain.ErrorKindConfiguration, parent.Position.String(),
			"then target %q is not in the active task list", directive)}
	}
}

func (it *Interpreter) nextIteration(node *dsl.TaskNode) step {
	ni := it.inst(node)
	ni.cursor++
	if ni.cursor >= len(ni.items) {
		return step{kind: stepComplete, node: node, out: ni.lastOutput}
	}
	ni.childIdx = 0
	return step{kind: stepContinue, node: node.Children[0], in: ni.input}
}

func (it *Interpreter) advanceFork(parent, child *dsl.TaskNode) step {
	pni := it.inst(parent)
	cni := it.inst(child)
	if pni.branchDone == nil {
		pni.branchDone = make(map[string]any, len(parent.Children))
	}
	pni.branchDone[child.Name] = cni.output

	if parent.Task.Fork.Compete {
		// first branch to finish wins; the rest never run
		return step{kind: stepComplete, node: parent, out: cni.output}
	}
	if len(pni.branchDone) == len(parent.Children) {
		return it.completeFork(parent)
	}
	for _, b := range parent.Children {
		if _, done := pni.branchDone[b.Name]; !done {
			return step{kind: stepContinue, node: b, in: pni.input}
		}
	}
	return it.completeFork(parent)
}

// unwind looks for the nearest enclosing retry policy or matching catch. The
// raising node itself counts as innermost.
func (it *Interpreter) unwind(node *dsl.TaskNode, we *domain.WorkflowError) step {
	we = we.WithInstance(node.Position.String())

	for n := node; n != nil; n = it.tree.Parent(n) {
		ni := it.inst(n)

		if t := n.Task; t != nil && t.Retry != nil {
			applies, aerr := it.policyApplies(t.Retry.When, t.Retry.ExceptWhen, "error", n, we)
			if aerr != nil {
				return step{kind: stepFailed, err: aerr}
			}
			if applies && !t.Retry.Exhausted(ni.attempts+1) {
				return it.scheduleRetry(n, t.Retry)
			}
		}

		// a catch only sees errors rising out of its own try block
		if n.Kind == dsl.KindTry && ni.phase == phaseTry {
			c := n.Task.Catch
			matched, merr := it.catchMatches(c, n, we)
			if merr != nil {
				return step{kind: stepFailed, err: merr}
			}
			if matched {
				if c.Retry != nil {
					applies, aerr := it.policyApplies(c.Retry.When, c.Retry.ExceptWhen, c.AsVar(), n, we)
					if aerr != nil {
						return step{kind: stepFailed, err: aerr}
					}
					if applies && !c.Retry.Exhausted(ni.attempts+1) {
						return it.scheduleRetry(n, c.Retry)
					}
				}
				ni.phase = phaseCatch
				ni.caught = we
				ni.childIdx = 0
				if len(n.Handlers) == 0 {
					// matched with no handler body: swallow and move on
					return step{kind: stepComplete, node: n, out: ni.input}
				}
				return step{kind: stepContinue, node: n.Handlers[0], in: ni.input}
			}
		}
	}
	return step{kind: stepFailed, err: we}
}

func (it *Interpreter) scheduleRetry(n *dsl.TaskNode, policy *dsl.RetryPolicy) step {
	ni := it.inst(n)
	ni.attempts++
	delay, err := policy.DelayFor(ni.attempts)
	if err != nil {
		return step{kind: stepFailed, err: domain.WrapError(domain.ErrorKindConfiguration,
			n.Position.String(), err, "retry policy")}
	}
	ni.resetForRetry()
	return step{kind: stepRetry, node: n, delay: delay}
}

func (it *Interpreter) catchMatches(c *dsl.CatchClause, n *dsl.TaskNode, we *domain.WorkflowError) (bool, *domain.WorkflowError) {
	if c == nil {
		return false, nil
	}
	if c.Errors != nil && !c.Errors.With.Matches(we) {
		return false, nil
	}
	return it.policyApplies(c.When, c.ExceptWhen, c.AsVar(), n, we)
}

// policyApplies evaluates when/exceptWhen gates against the error.
func (it *Interpreter) policyApplies(when, exceptWhen, errVar string, n *dsl.TaskNode, we *domain.WorkflowError) (bool, *domain.WorkflowError) {
	if when == "" && exceptWhen == "" {
		return true, nil
	}
	errMap := errorToMap(we)
	scope := it.scopeFor(n).With(errVar, errMap)
	if when != "" {
		ok, err := expr.EvalPredicate(when, errMap, scope)
		if err != nil {
			return false, it.asWorkflowError(err, n)
		}
		if !ok {
			return false, nil
		}
	}
	if exceptWhen != "" {
		ok, err := expr.EvalPredicate(exceptWhen, errMap, scope)
		if err != nil {
			return false, it.asWorkflowError(err, n)
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

// rehydrate re-derives a restored instance's transformed input. The guard is
// not re-evaluated: a node on a persisted path already passed it.
func (it *Interpreter) rehydrate(node *dsl.TaskNode) *domain.WorkflowError {
	ni, ok := it.insts[node.Position.String()]
	if !ok {
		return domain.NewWorkflowError(domain.ErrorKindConfiguration, node.Position.String(),
			"continuation is missing state for an ancestor")
	}
	ni.started = true
	if ni.inputDone {
		return nil
	}
	return it.applyInput(node, ni)
}

func (it *Interpreter) applyInput(node *dsl.TaskNode, ni *nodeInstance) *domain.WorkflowError {
	in := ni.rawInput
	if t := node.Task; t != nil && t.Input != nil {
		if err := dsl.ValidateValue(t.Input.Schema, in, node.Position.String()); err != nil {
			return it.asWorkflowError(err, node)
		}
		if t.Input.From != nil {
			scope := it.scopeFor(node).With("input", in)
			v, err := expr.EvalTemplate(t.Input.From, in, scope)
			if err != nil {
				return it.asWorkflowError(err, node)
			}
			in = v
		}
	}
	ni.input = in
	ni.inputDone = true
	return nil
}

func (it *Interpreter) applyOutput(node *dsl.TaskNode, ni *nodeInstance, rawOut any) (any, *domain.WorkflowError) {
	out := rawOut
	if t := node.Task; t != nil && t.Output != nil {
		if t.Output.As != nil {
			scope := it.scopeFor(node).With("input", ni.input)
			v, err := expr.EvalTemplate(t.Output.As, rawOut, scope)
			if err != nil {
				return nil, it.asWorkflowError(err, node)
			}
			out = v
		}
		if err := dsl.ValidateValue(t.Output.Schema, out, node.Position.String()); err != nil {
			return nil, it.asWorkflowError(err, node)
		}
	}
	return out, nil
}

func (it *Interpreter) applyExport(node *dsl.TaskNode, ni *nodeInstance) *domain.WorkflowError {
	t := node.Task
	if t == nil || t.Export == nil || t.Export.As == nil {
		return nil
	}
	scope := it.scopeFor(node).With("input", ni.input).With("output", ni.output)
	v, err := expr.EvalTemplate(t.Export.As, ni.output, scope)
	if err != nil {
		return it.asWorkflowError(err, node)
	}
	it.root().context = v
	return nil
}

// scopeFor assembles the expression scope visible at a node: the base
// variables plus loop bindings and caught errors from enclosing nodes.
func (it *Interpreter) scopeFor(node *dsl.TaskNode) expr.Scope {
	rni := it.root()
	doc := it.tree.Doc.Document
	s := expr.BaseScope(
		expr.WorkflowInfo{ID: rni.workflowID, Name: doc.Name, Version: doc.Version},
		expr.TaskInfo{Name: node.Name, Position: node.Position.String()},
		it.cfg.Runtime,
		rni.context,
		it.cfg.Secrets,
	)
	for _, n := range it.path(node) {
		ni, ok := it.insts[n.Position.String()]
		if !ok {
			continue
		}
		switch n.Kind {
		case dsl.KindFor:
			if ni.items != nil && ni.cursor < len(ni.items) {
				f := n.Task.For
				s = s.With(f.EachVar(), ni.items[ni.cursor]).With(f.AtVar(), ni.cursor)
			}
		case dsl.KindTry:
			if ni.phase == phaseCatch && ni.caught != nil {
				s = s.With(n.Task.Catch.AsVar(), errorToMap(ni.caught))
			}
		}
	}
	return s
}

// asWorkflowError coerces hook and expression faults into workflow errors
// anchored at the node.
func (it *Interpreter) asWorkflowError(err error, node *dsl.TaskNode) *domain.WorkflowError {
	var we *domain.WorkflowError
	if errors.As(err, &we) {
		return we.WithInstance(node.Position.String())
	}
	return domain.WrapError(domain.ErrorKindRuntime, node.Position.String(), err, "task failed")
}

func errorToMap(we *domain.WorkflowError) map[string]any {
	out := map[string]any{
		"type":   we.Type,
		"status": we.Status,
	}
	if we.Title != "" {
		out["title"] = we.Title
	}
	if we.Detail != "" {
		out["detail"] = we.Detail
	}
	if we.Instance != "" {
		out["instance"] = we.Instance
	}
	return out
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
