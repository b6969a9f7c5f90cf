package interp

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
)

type fakeCall struct {
	target string
	args   map[string]any
}

type fakeInvoker struct {
	calls  []fakeCall
	emits  []map[string]any
	runIn  []any
	callFn func(target string, args map[string]any) (any, error)
	emitFn func(attrs map[string]any) (any, error)
	runFn  func(spec *dsl.RunSpec, input any) (any, error)
}

func (f *fakeInvoker) Call(_ context.Context, target string, args map[string]any) (any, error) {
	f.calls = append(f.calls, fakeCall{target: target, args: args})
	if f.callFn != nil {
		return f.callFn(target, args)
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeInvoker) Emit(_ context.Context, attrs map[string]any) (any, error) {
	f.emits = append(f.emits, attrs)
	if f.emitFn != nil {
		return f.emitFn(attrs)
	}
	return attrs, nil
}

func (f *fakeInvoker) Run(_ context.Context, spec *dsl.RunSpec, input any) (any, error) {
	f.runIn = append(f.runIn, input)
	if f.runFn != nil {
		return f.runFn(spec, input)
	}
	return input, nil
}

type testClock struct{ now time.Time }

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.now }

func mustTree(t *testing.T, src string) *dsl.Tree {
	t.Helper()
	_, tree, err := dsl.Load([]byte(src))
	if err != nil {
		t.Fatalf("load definition: %v", err)
	}
	return tree
}

func start(t *testing.T, tree *dsl.Tree, input string) *domain.Message {
	t.Helper()
	doc := tree.Doc.Document
	msg, err := domain.NewStartMessage(doc.Name, doc.Version, "wf-1", json.RawMessage(input))
	if err != nil {
		t.Fatalf("start message: %v", err)
	}
	return msg
}

// drive feeds continuations back until the workflow terminates, advancing the
// clock to each row's due time the way the relay would.
func drive(t *testing.T, tree *dsl.Tree, inv Invoker, clock *testClock, msg *domain.Message) (*Result, []domain.Continuation) {
	t.Helper()
	var followed []domain.Continuation
	for hops := 0; hops < 50; hops++ {
		it := New(tree, inv, Config{Now: clock.Now})
		res, err := it.Run(context.Background(), msg)
		if err != nil {
			t.Fatalf("activation %d: %v", hops, err)
		}
		if res.Outcome != OutcomeSuspended {
			return res, followed
		}
		if len(res.Continuations) != 1 {
			t.Fatalf("activation %d produced %d continuations, want 1", hops, len(res.Continuations))
		}
		c := res.Continuations[0]
		followed = append(followed, c)
		clock.now = clock.now.Add(c.Delay)
		msg = c.Message
	}
	t.Fatal("workflow did not terminate in 50 activations")
	return nil, nil
}

func outMap(t *testing.T, res *Result) map[string]any {
	t.Helper()
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, error = %v", res.Outcome, res.Error)
	}
	var m map[string]any
	if err := json.Unmarshal(res.Output, &m); err != nil {
		t.Fatalf("decode output %s: %v", res.Output, err)
	}
	return m
}

const header = `
document:
  dsl: "1.0.0"
  namespace: test
  name: flow
  version: "0.1.0"
`

func TestSetChainMergesIntoInput(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - init:
      set:
        y: 2
  - double:
      set:
        z: "${ .y * 2 }"
`)
	res, conts := drive(t, tree, nil, newClock(), start(t, tree, `{"x":1}`))
	if len(conts) != 0 {
		t.Fatalf("pure data flow suspended %d times", len(conts))
	}
	want := map[string]any{"x": float64(1), "y": float64(2), "z": float64(4)}
	if got := outMap(t, res); !reflect.DeepEqual(got, want) {
		t.Fatalf("output = %#v, want %#v", got, want)
	}
	if res.WorkflowID != "wf-1" {
		t.Fatalf("workflowID = %q", res.WorkflowID)
	}
}

func TestDocumentInputAndOutput(t *testing.T) {
	tree := mustTree(t, header+`
input:
  from: "${ {user: .payload.user} }"
output:
  as: "${ .msg }"
do:
  - greet:
      set:
        msg: '${ "hi " + .user }'
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{"payload":{"user":"ada"}}`))
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, error = %v", res.Outcome, res.Error)
	}
	if string(res.Output) != `"hi ada"` {
		t.Fatalf("output = %s", res.Output)
	}
}

func TestIfGuardSkipsTaskAndItsRouting(t *testing.T) {
	src := header + `
do:
  - maybe:
      if: "${ .go }"
      set:
        ran: true
      then: end
  - always:
      set:
        done: true
`
	tests := []struct {
		name  string
		input string
		want  map[string]any
	}{
		{
			name:  "false guard skips body and then",
			input: `{"go":false}`,
			want:  map[string]any{"go": false, "done": true},
		},
		{
			name:  "true guard runs body and honors then",
			input: `{"go":true}`,
			want:  map[string]any{"go": true, "ran": true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := mustTree(t, src)
			res, _ := drive(t, tree, nil, newClock(), start(t, tree, tc.input))
			if got := outMap(t, res); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("output = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestSwitchRoutesByFirstMatch(t *testing.T) {
	src := header + `
do:
  - route:
      switch:
        - high:
            when: "${ .n > 10 }"
            then: big
        - rest:
            then: small
  - small:
      set:
        bucket: small
      then: end
  - big:
      set:
        bucket: big
`
	tests := []struct {
		input string
		want  string
	}{
		{`{"n":20}`, "big"},
		{`{"n":5}`, "small"},
	}
	for _, tc := range tests {
		tree := mustTree(t, src)
		res, _ := drive(t, tree, nil, newClock(), start(t, tree, tc.input))
		got := outMap(t, res)
		if got["bucket"] != tc.want {
			t.Fatalf("input %s routed to %v, want %s", tc.input, got["bucket"], tc.want)
		}
	}
}

func TestForLoopBindsItemAndIndex(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - scale:
      for:
        each: n
        at: i
        in: "${ .nums }"
      do:
        - double:
            set:
              value: "${ $n * 2 }"
              index: "${ $i }"
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{"nums":[3,5]}`))
	got := outMap(t, res)
	if got["value"] != float64(10) || got["index"] != float64(1) {
		t.Fatalf("output = %#v, want last iteration value=10 index=1", got)
	}
}

func TestForLoopOverEmptyArrayPassesInputThrough(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - scale:
      for:
        in: "${ .nums }"
      do:
        - mark:
            set:
              touched: true
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{"nums":[]}`))
	want := map[string]any{"nums": []any{}}
	if got := outMap(t, res); !reflect.DeepEqual(got, want) {
		t.Fatalf("output = %#v, want %#v", got, want)
	}
}

func TestForkCollectsBranchOutputsInOrder(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - both:
      fork:
        branches:
          - alpha:
              set:
                tag: a
          - beta:
              set:
                tag: b
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{}`))
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, error = %v", res.Outcome, res.Error)
	}
	var got []map[string]any
	if err := json.Unmarshal(res.Output, &got); err != nil {
		t.Fatalf("decode output %s: %v", res.Output, err)
	}
	if len(got) != 2 || got[0]["tag"] != "a" || got[1]["tag"] != "b" {
		t.Fatalf("output = %#v, want branch outputs in declaration order", got)
	}
}

func TestForkCompeteTakesFirstFinisher(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - race:
      fork:
        compete: true
        branches:
          - alpha:
              set:
                tag: a
          - beta:
              set:
                tag: b
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{}`))
	got := outMap(t, res)
	if got["tag"] != "a" {
		t.Fatalf("output = %#v, want the first branch to win", got)
	}
}

func TestRaiseIsCaughtAndHandlerSeesError(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - risky:
      try:
        - boom:
            raise:
              error:
                type: runtime
                title: exploded
      catch:
        as: err
        errors:
          with:
            type: runtime
        do:
          - recover:
              set:
                handled: "${ $err.type }"
                status: "${ $err.status }"
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{}`))
	got := outMap(t, res)
	if got["handled"] != "runtime" {
		t.Fatalf("handled = %v, want the raised type", got["handled"])
	}
	if got["status"] != float64(500) {
		t.Fatalf("status = %v, want the kind default", got["status"])
	}
}

func TestRaiseUncaughtFailsWorkflow(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - abort:
      raise:
        error:
          type: communication
          status: 502
          title: "${ .svc }"
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{"svc":"payments"}`))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Error.Status != 502 || res.Error.Title != "payments" {
		t.Fatalf("error = %+v", res.Error)
	}
	if res.Error.Instance != "/do/0/abort" {
		t.Fatalf("instance = %q", res.Error.Instance)
	}
}

func TestCatchFilterLetsUnmatchedErrorsEscape(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - risky:
      try:
        - boom:
            raise:
              error:
                type: runtime
                title: exploded
      catch:
        errors:
          with:
            type: timeout
        do:
          - recover:
              set:
                handled: true
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{}`))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want the unmatched error to fail the workflow", res.Outcome)
	}
	if res.Error.Kind() != domain.ErrorKindRuntime {
		t.Fatalf("error kind = %s", res.Error.Kind())
	}
}

func TestRetryBacksOffThenExhausts(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - flaky:
      call: http
      with:
        method: GET
        endpoint: https://svc.test/data
      retry:
        limit:
          attempt:
            count: 3
        delay: PT1S
        backoff:
          exponential: {}
`)
	inv := &fakeInvoker{
		callFn: func(string, map[string]any) (any, error) {
			return nil, domain.NewWorkflowError(domain.ErrorKindCommunication, "", "status 503")
		},
	}
	res, conts := drive(t, tree, inv, newClock(), start(t, tree, `{}`))

	if len(inv.calls) != 3 {
		t.Fatalf("invoked %d times, want 3 attempts", len(inv.calls))
	}
	if len(conts) != 2 {
		t.Fatalf("suspended %d times, want 2 retry rows", len(conts))
	}
	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, c := range conts {
		if c.Table != domain.TableRetries {
			t.Fatalf("continuation %d table = %s", i, c.Table)
		}
		if c.Delay != wantDelays[i] {
			t.Fatalf("continuation %d delay = %s, want %s", i, c.Delay, wantDelays[i])
		}
		if c.Message.Position != "/do/0/flaky" {
			t.Fatalf("continuation %d position = %s", i, c.Message.Position)
		}
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Error.Kind() != domain.ErrorKindCommunication {
		t.Fatalf("error kind = %s", res.Error.Kind())
	}
}

func TestRetryThenCatchAfterExhaustion(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - guard:
      try:
        - flaky:
            call: http
            with:
              endpoint: https://svc.test/data
            retry:
              limit:
                attempt:
                  count: 2
              delay: PT1S
              backoff:
                constant: {}
      catch:
        errors:
          with:
            type: communication
        do:
          - fallback:
              set:
                source: cache
`)
	inv := &fakeInvoker{
		callFn: func(string, map[string]any) (any, error) {
			return nil, domain.NewWorkflowError(domain.ErrorKindCommunication, "", "status 503")
		},
	}
	res, conts := drive(t, tree, inv, newClock(), start(t, tree, `{}`))

	if len(inv.calls) != 2 {
		t.Fatalf("invoked %d times, want 2 attempts", len(inv.calls))
	}
	if len(conts) != 1 {
		t.Fatalf("suspended %d times, want 1 retry row", len(conts))
	}
	got := outMap(t, res)
	if got["source"] != "cache" {
		t.Fatalf("output = %#v, want the fallback to run", got)
	}
}

func TestWaitSuspendsAndResumes(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - pause:
      wait: PT30S
  - after:
      set:
        resumed: true
`)
	res, conts := drive(t, tree, nil, newClock(), start(t, tree, `{"job":9}`))

	if len(conts) != 1 {
		t.Fatalf("suspended %d times, want 1", len(conts))
	}
	c := conts[0]
	if c.Table != domain.TableWaits {
		t.Fatalf("table = %s", c.Table)
	}
	if c.Delay != 30*time.Second {
		t.Fatalf("delay = %s", c.Delay)
	}
	if c.Message.Position != "/do/0/pause" {
		t.Fatalf("position = %s", c.Message.Position)
	}
	want := map[string]any{"job": float64(9), "resumed": true}
	if got := outMap(t, res); !reflect.DeepEqual(got, want) {
		t.Fatalf("output = %#v, want %#v", got, want)
	}
}

func TestWaitRedeliveredEarlyParksRemainder(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - pause:
      wait: PT30S
`)
	clock := newClock()
	it := New(tree, nil, Config{Now: clock.Now})
	res, err := it.Run(context.Background(), start(t, tree, `{}`))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeSuspended {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	// deliver 10s in, 20s too early
	clock.now = clock.now.Add(10 * time.Second)
	it = New(tree, nil, Config{Now: clock.Now})
	res, err = it.Run(context.Background(), res.Continuations[0].Message)
	if err != nil {
		t.Fatalf("early run: %v", err)
	}
	if res.Outcome != OutcomeSuspended {
		t.Fatalf("outcome = %s, want another suspension", res.Outcome)
	}
	if got := res.Continuations[0].Delay; got != 20*time.Second {
		t.Fatalf("remainder = %s, want 20s", got)
	}
}

func TestTimeoutCutsWaitShortAndFails(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - slow:
      timeout:
        after: PT2S
      do:
        - nap:
            wait: PT10M
`)
	res, conts := drive(t, tree, nil, newClock(), start(t, tree, `{}`))

	if len(conts) != 1 {
		t.Fatalf("suspended %d times, want 1", len(conts))
	}
	if conts[0].Delay != 2*time.Second {
		t.Fatalf("delay = %s, want the wait clamped to the timeout", conts[0].Delay)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Error.Kind() != domain.ErrorKindTimeout || res.Error.Status != 408 {
		t.Fatalf("error = %+v", res.Error)
	}
	if res.Error.Instance != "/do/0/slow" {
		t.Fatalf("instance = %q, want the owner of the lapsed deadline", res.Error.Instance)
	}
}

func TestListenTimesOutIntoCatch(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - gate:
      try:
        - inbox:
            listen:
              to:
                one:
                  with:
                    type: com.test.ping
            timeout:
              after: PT1M
      catch:
        errors:
          with:
            type: timeout
        do:
          - fallback:
              set:
                got: none
`)
	res, conts := drive(t, tree, nil, newClock(), start(t, tree, `{}`))

	if len(conts) != 1 {
		t.Fatalf("suspended %d times, want 1", len(conts))
	}
	if conts[0].Table != domain.TableWaits || conts[0].Delay != time.Minute {
		t.Fatalf("continuation = %s/%s", conts[0].Table, conts[0].Delay)
	}
	got := outMap(t, res)
	if got["got"] != "none" {
		t.Fatalf("output = %#v, want the timeout handled", got)
	}
}

func TestExportPublishesContext(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - stash:
      set:
        token: abc123
      export:
        as: "${ {auth: .token} }"
  - use:
      set:
        fromCtx: "${ $context.auth }"
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{}`))
	got := outMap(t, res)
	if got["fromCtx"] != "abc123" {
		t.Fatalf("output = %#v, want the exported context visible downstream", got)
	}
}

func TestContextSurvivesSuspension(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - stash:
      set:
        token: abc123
      export:
        as: "${ {auth: .token} }"
  - pause:
      wait: PT5S
  - use:
      set:
        fromCtx: "${ $context.auth }"
`)
	res, conts := drive(t, tree, nil, newClock(), start(t, tree, `{}`))
	if len(conts) != 1 {
		t.Fatalf("suspended %d times, want 1", len(conts))
	}
	got := outMap(t, res)
	if got["fromCtx"] != "abc123" {
		t.Fatalf("output = %#v, want context restored across the suspension", got)
	}
}

func TestCallArgsAreEvaluated(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - fetch:
      call: http
      with:
        method: GET
        endpoint: "${ .url }"
      output:
        as: "${ .body }"
`)
	inv := &fakeInvoker{
		callFn: func(string, map[string]any) (any, error) {
			return map[string]any{"status": 200, "body": map[string]any{"name": "ada"}}, nil
		},
	}
	res, _ := drive(t, tree, inv, newClock(), start(t, tree, `{"url":"https://x.test/a"}`))

	if len(inv.calls) != 1 || inv.calls[0].target != "http" {
		t.Fatalf("calls = %#v", inv.calls)
	}
	if inv.calls[0].args["endpoint"] != "https://x.test/a" {
		t.Fatalf("args = %#v, want the expression resolved", inv.calls[0].args)
	}
	want := map[string]any{"name": "ada"}
	if got := outMap(t, res); !reflect.DeepEqual(got, want) {
		t.Fatalf("output = %#v, want %#v", got, want)
	}
}

func TestEmitEvaluatesEventAttributes(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - announce:
      emit:
        event:
          with:
            type: com.test.created
            data: "${ .payload }"
`)
	inv := &fakeInvoker{}
	res, _ := drive(t, tree, inv, newClock(), start(t, tree, `{"payload":{"id":7}}`))

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, error = %v", res.Outcome, res.Error)
	}
	if len(inv.emits) != 1 {
		t.Fatalf("emitted %d events", len(inv.emits))
	}
	if inv.emits[0]["type"] != "com.test.created" {
		t.Fatalf("attrs = %#v", inv.emits[0])
	}
	data, ok := inv.emits[0]["data"].(map[string]any)
	if !ok || data["id"] != float64(7) {
		t.Fatalf("data = %#v", inv.emits[0]["data"])
	}
}

func TestRunSubWorkflowInputSeesWorkflowScope(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - child:
      run:
        workflow:
          name: sub
          version: "0.1.0"
          input:
            parent: "${ $workflow.id }"
`)
	inv := &fakeInvoker{}
	res, _ := drive(t, tree, inv, newClock(), start(t, tree, `{}`))

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, error = %v", res.Outcome, res.Error)
	}
	if len(inv.runIn) != 1 {
		t.Fatalf("ran %d times", len(inv.runIn))
	}
	in, ok := inv.runIn[0].(map[string]any)
	if !ok || in["parent"] != "wf-1" {
		t.Fatalf("run input = %#v", inv.runIn[0])
	}
}

func TestInfrastructureErrorAbortsWithoutResult(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - fetch:
      call: http
      with:
        endpoint: https://svc.test
`)
	inv := &fakeInvoker{
		callFn: func(string, map[string]any) (any, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	it := New(tree, inv, Config{Now: newClock().Now})
	res, err := it.Run(context.Background(), start(t, tree, `{}`))
	if err == nil {
		t.Fatal("want an error so the delivery is not acked")
	}
	if res != nil {
		t.Fatalf("res = %+v, want none", res)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
}

func TestInputSchemaViolationFailsWithValidationError(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - strict:
      input:
        schema:
          format: json
          document:
            type: object
            required: [id]
      set:
        ok: true
`)
	res, _ := drive(t, tree, nil, newClock(), start(t, tree, `{}`))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Error.Kind() != domain.ErrorKindValidation || res.Error.Status != 400 {
		t.Fatalf("error = %+v", res.Error)
	}
}

func TestDirectiveCycleTripsStepGuard(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - ping:
      set:
        at: ping
      then: pong
  - pong:
      set:
        at: pong
      then: ping
`)
	it := New(tree, nil, Config{Now: newClock().Now, MaxSteps: 16})
	res, err := it.Run(context.Background(), start(t, tree, `{}`))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Error.Kind() != domain.ErrorKindRuntime || !strings.Contains(res.Error.Detail, "steps") {
		t.Fatalf("error = %+v", res.Error)
	}
}

func TestInvalidMessageRejected(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - noop:
      set:
        ok: true
`)
	it := New(tree, nil, Config{})
	_, err := it.Run(context.Background(), &domain.Message{Name: "flow", Version: "0.1.0"})
	if err == nil {
		t.Fatal("want validation error for a message without states")
	}
}

func TestUnknownPositionFailsWorkflow(t *testing.T) {
	tree := mustTree(t, header+`
do:
  - noop:
      set:
        ok: true
`)
	msg := start(t, tree, `{}`)
	msg.Position = "/do/9/ghost"
	msg.States["/do/9/ghost"] = msg.States[domain.RootPosition]

	it := New(tree, nil, Config{})
	res, err := it.Run(context.Background(), msg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want a terminal failure, redelivery cannot fix it", res.Outcome)
	}
	if res.Error.Kind() != domain.ErrorKindConfiguration {
		t.Fatalf("error = %+v", res.Error)
	}
}
