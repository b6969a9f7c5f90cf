package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/gyre-io/gyre/internal/domain"
)

// Document is a parsed workflow definition.
type Document struct {
	Document Descriptor     `yaml:"document"`
	Use      *Use           `yaml:"use,omitempty"`
	Input    *InputClause   `yaml:"input,omitempty"`
	Do       TaskList       `yaml:"do"`
	Output   *OutputClause  `yaml:"output,omitempty"`
	Timeout  *TimeoutClause `yaml:"timeout,omitempty"`
}

// Descriptor carries workflow identity. Name and version key the definition
// store; namespace partitions names.
type Descriptor struct {
	DSL       string `yaml:"dsl"`
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
}

// Use declares resources a workflow may reference, currently secret names.
type Use struct {
	Secrets []string `yaml:"secrets,omitempty"`
}

// InputClause filters and validates a value before it becomes task input.
type InputClause struct {
	From   any        `yaml:"from,omitempty"`
	Schema *SchemaRef `yaml:"schema,omitempty"`
}

// OutputClause shapes and validates a task's raw output.
type OutputClause struct {
	As     any        `yaml:"as,omitempty"`
	Schema *SchemaRef `yaml:"schema,omitempty"`
}

// ExportClause derives the new instance context from a task's output.
type ExportClause struct {
	As any `yaml:"as,omitempty"`
}

// SchemaRef is an inline JSON schema used for data validation.
type SchemaRef struct {
	Format   string `yaml:"format,omitempty"`
	Document any    `yaml:"document,omitempty"`
}

// TimeoutClause bounds how long a task may run or stay suspended.
type TimeoutClause struct {
	After Duration `yaml:"after"`
}

// TaskKind discriminates the task union.
type TaskKind string

const (
	KindDo     TaskKind = "do"
	KindFor    TaskKind = "for"
	KindFork   TaskKind = "fork"
	KindSwitch TaskKind = "switch"
	KindTry    TaskKind = "try"
	KindSet    TaskKind = "set"
	KindWait   TaskKind = "wait"
	KindRaise  TaskKind = "raise"
	KindCall   TaskKind = "call"
	KindRun    TaskKind = "run"
	KindEmit   TaskKind = "emit"
	KindListen TaskKind = "listen"
)

// Task is one workflow task. Exactly one kind is set per task; For pairs with
// a sibling Do body, Try with a sibling Catch, Call with With arguments.
type Task struct {
	If      string         `yaml:"if,omitempty"`
	Input   *InputClause   `yaml:"input,omitempty"`
	Output  *OutputClause  `yaml:"output,omitempty"`
	Export  *ExportClause  `yaml:"export,omitempty"`
	Timeout *TimeoutClause `yaml:"timeout,omitempty"`
	Retry   *RetryPolicy   `yaml:"retry,omitempty"`
	Then    string         `yaml:"then,omitempty"`

	Do     *TaskList      `yaml:"do,omitempty"`
	For    *ForSpec       `yaml:"for,omitempty"`
	Fork   *ForkSpec      `yaml:"fork,omitempty"`
	Switch SwitchCases    `yaml:"switch,omitempty"`
	Try    *TaskList      `yaml:"try,omitempty"`
	Catch  *CatchClause   `yaml:"catch,omitempty"`
	Set    map[string]any `yaml:"set,omitempty"`
	Wait   *Duration      `yaml:"wait,omitempty"`
	Raise  *RaiseSpec     `yaml:"raise,omitempty"`
	Call   string         `yaml:"call,omitempty"`
	With   map[string]any `yaml:"with,omitempty"`
	Run    *RunSpec       `yaml:"run,omitempty"`
	Emit   *EmitSpec      `yaml:"emit,omitempty"`
	Listen *ListenSpec    `yaml:"listen,omitempty"`
}

// Kind returns the task's discriminator or an error when zero or several
// kinds are set.
func (t *Task) Kind() (TaskKind, error) {
	var kinds []TaskKind
	if t.Do != nil && t.For == nil {
		kinds = append(kinds, KindDo)
	}
	if t.For != nil {
		kinds = append(kinds, KindFor)
	}
	if t.Fork != nil {
		kinds = append(kinds, KindFork)
	}
	if len(t.Switch) > 0 {
		kinds = append(kinds, KindSwitch)
	}
	if t.Try != nil {
		kinds = append(kinds, KindTry)
	}
	if t.Set != nil {
		kinds = append(kinds, KindSet)
	}
	if t.Wait != nil {
		kinds = append(kinds, KindWait)
	}
	if t.Raise != nil {
		kinds = append(kinds, KindRaise)
	}
	if t.Call != "" {
		kinds = append(kinds, KindCall)
	}
	if t.Run != nil {
		kinds = append(kinds, KindRun)
	}
	if t.Emit != nil {
		kinds = append(kinds, KindEmit)
	}
	if t.Listen != nil {
		kinds = append(kinds, KindListen)
	}
	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", fmt.Errorf("task sets no kind")
	default:
		return "", fmt.Errorf("task sets %d kinds (%v)", len(kinds), kinds)
	}
}

// TaskItem is a named task. Names are unique within their list and serve as
// jump targets for then directives.
type TaskItem struct {
	Name string
	Task *Task
}

// TaskList preserves document order.
type TaskList []TaskItem

// UnmarshalYAML decodes the DSL list-of-single-key-maps form.
func (l *TaskList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("task list must be a sequence, got %s", nodeKind(value))
	}
	out := make(TaskList, 0, len(value.Content))
	for i, item := range value.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return fmt.Errorf("task list entry %d: want a single named task", i)
		}
		var name string
		if err := item.Content[0].Decode(&name); err != nil {
			return fmt.Errorf("task list entry %d: %w", i, err)
		}
		task := new(Task)
		if err := item.Content[1].Decode(task); err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
		out = append(out, TaskItem{Name: name, Task: task})
	}
	*l = out
	return nil
}

// Find returns the named task and its index.
func (l TaskList) Find(name string) (int, *Task, bool) {
	for i, it := range l {
		if it.Name == name {
			return i, it.Task, true
		}
	}
	return 0, nil, false
}

// ForSpec iterates a collection, binding each element and its index into the
// expression scope.
type ForSpec struct {
	Each string `yaml:"each,omitempty"`
	In   string `yaml:"in"`
	At   string `yaml:"at,omitempty"`
}

// EachVar returns the item binding name, defaulting to "item".
func (f *ForSpec) EachVar() string {
	if f.Each == "" {
		return "item"
	}
	return f.Each
}

// AtVar returns the index binding name, defaulting to "index".
func (f *ForSpec) AtVar() string {
	if f.At == "" {
		return "index"
	}
	return f.At
}

// ForkSpec runs branches concurrently. With Compete set, the first branch to
// complete supplies the fork output and the rest are abandoned.
type ForkSpec struct {
	Branches TaskList `yaml:"branches"`
	Compete  bool     `yaml:"compete,omitempty"`
}

// SwitchCase routes flow. A case with no When is the default.
type SwitchCase struct {
	Name string
	When string `yaml:"when,omitempty"`
	Then string `yaml:"then,omitempty"`
}

// SwitchCases preserves document order; matching is first-wins.
type SwitchCases []SwitchCase

// UnmarshalYAML decodes the list-of-single-key-maps form.
func (c *SwitchCases) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("switch must be a sequence, got %s", nodeKind(value))
	}
	out := make(SwitchCases, 0, len(value.Content))
	for i, item := range value.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return fmt.Errorf("switch entry %d: want a single named case", i)
		}
		var sc SwitchCase
		if err := item.Content[0].Decode(&sc.Name); err != nil {
			return fmt.Errorf("switch entry %d: %w", i, err)
		}
		if err := item.Content[1].Decode(&sc); err != nil {
			return fmt.Errorf("switch case %q: %w", sc.Name, err)
		}
		out = append(out, sc)
	}
	*c = out
	return nil
}

// CatchClause intercepts matching workflow errors raised in the paired Try
// block.
type CatchClause struct {
	Errors     *ErrorSelector `yaml:"errors,omitempty"`
	As         string         `yaml:"as,omitempty"`
	When       string         `yaml:"when,omitempty"`
	ExceptWhen string         `yaml:"exceptWhen,omitempty"`
	Retry      *RetryPolicy   `yaml:"retry,omitempty"`
	Do         *TaskList      `yaml:"do,omitempty"`
}

// AsVar returns the caught error binding name, defaulting to "error".
func (c *CatchClause) AsVar() string {
	if c == nil || c.As == "" {
		return "error"
	}
	return c.As
}

// ErrorSelector narrows which errors a catch considers.
type ErrorSelector struct {
	With domain.ErrorFilter `yaml:"with"`
}

// RaiseSpec synthesizes a workflow error.
type RaiseSpec struct {
	Error *ErrorSpec `yaml:"error"`
}

// ErrorSpec is the raised error definition. Title and Detail may be runtime
// expressions.
type ErrorSpec struct {
	Type   string `yaml:"type"`
	Status int    `yaml:"status,omitempty"`
	Title  string `yaml:"title,omitempty"`
	Detail string `yaml:"detail,omitempty"`
}

// RunSpec executes an external process or a sub-workflow.
type RunSpec struct {
	Workflow  *RunWorkflow  `yaml:"workflow,omitempty"`
	Shell     *RunShell     `yaml:"shell,omitempty"`
	Script    *RunScript    `yaml:"script,omitempty"`
	Container *RunContainer `yaml:"container,omitempty"`
	Await     *bool         `yaml:"await,omitempty"`
}

// Awaited reports whether the run blocks for its result. Defaults to true.
func (r *RunSpec) Awaited() bool {
	return r.Await == nil || *r.Await
}

// RunWorkflow starts another stored definition.
type RunWorkflow struct {
	Namespace string `yaml:"namespace,omitempty"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Input     any    `yaml:"input,omitempty"`
}

// RunShell executes a shell command on the host.
type RunShell struct {
	Command     string            `yaml:"command"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// RunScript executes an inline script.
type RunScript struct {
	Language    string            `yaml:"language"`
	Code        string            `yaml:"code"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// RunContainer executes a container image.
type RunContainer struct {
	Image       string            `yaml:"image"`
	Command     string            `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// EmitSpec publishes a CloudEvent built from evaluated attributes.
type EmitSpec struct {
	Event EventSpec `yaml:"event"`
}

// EventSpec carries event attributes; values may be expressions.
type EventSpec struct {
	With map[string]any `yaml:"with"`
}

// ListenSpec suspends the task until matching events arrive.
type ListenSpec struct {
	To   *ListenTo `yaml:"to"`
	Read string    `yaml:"read,omitempty"`
}

// ListenTo declares the consumption strategy over event filters.
type ListenTo struct {
	One *EventFilter  `yaml:"one,omitempty"`
	All []EventFilter `yaml:"all,omitempty"`
	Any []EventFilter `yaml:"any,omitempty"`
}

// EventFilter matches event attributes; values may be expressions.
type EventFilter struct {
	With map[string]any `yaml:"with"`
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
