package dsl

import (
	"strconv"

	"github.com/gyre-io/gyre/internal/domain"
)

// TaskNode is one node of the parsed task tree. Nodes are immutable after
// BuildTree; per-run execution state lives in the interpreter, never here.
// A node knows its parent only by position, resolved through the tree.
type TaskNode struct {
	Name      string
	Position  Position
	ParentPos Position
	Index     int
	Kind      TaskKind
	Task      *Task

	// Children is the composite body: the do list, loop body, fork
	// branches or try block. Handlers is the catch body of a try node.
	Children []*TaskNode
	Handlers []*TaskNode
}

// Tree is the executable form of a definition: the node tree plus a position
// index.
type Tree struct {
	Doc   *Document
	Root  *TaskNode
	byPos map[string]*TaskNode
}

// At returns the node at a position pointer.
func (t *Tree) At(pos string) (*TaskNode, bool) {
	n, ok := t.byPos[pos]
	return n, ok
}

// Parent resolves a node's parent, nil for the root.
func (t *Tree) Parent(n *TaskNode) *TaskNode {
	if n.Position.IsRoot() {
		return nil
	}
	return t.byPos[n.ParentPos.String()]
}

// Len returns the number of nodes.
func (t *Tree) Len() int { return len(t.byPos) }

// BuildTree validates a document's task structure and assembles the node
// tree. Structural faults come back as configuration errors carrying the
// offending position.
func BuildTree(doc *Document) (*Tree, error) {
	if len(doc.Do) == 0 {
		return nil, domain.NewWorkflowError(domain.ErrorKindConfiguration, "", "workflow has no tasks")
	}

	root := &TaskNode{
		Name:     doc.Document.Name,
		Position: RootPos,
		Kind:     KindDo,
		Task: &Task{
			Input:   doc.Input,
			Output:  doc.Output,
			Timeout: doc.Timeout,
			Do:      &doc.Do,
		},
	}
	tree := &Tree{Doc: doc, Root: root, byPos: map[string]*TaskNode{RootPos.String(): root}}

	if err := tree.buildChildren(root); err != nil {
		return nil, err
	}
	return tree, nil
}

func (t *Tree) buildChildren(n *TaskNode) error {
	switch n.Kind {
	case KindDo:
		list := *n.Task.Do
		nodes, err := t.buildList(n, list, "do")
		if err != nil {
			return err
		}
		n.Children = nodes
	case KindFor:
		if n.Task.For.In == "" {
			return confErr(n.Position, "for task needs an 'in' expression")
		}
		if n.Task.Do == nil || len(*n.Task.Do) == 0 {
			return confErr(n.Position, "for task needs a 'do' body")
		}
		nodes, err := t.buildList(n, *n.Task.Do, "do")
		if err != nil {
			return err
		}
		n.Children = nodes
	case KindFork:
		if len(n.Task.Fork.Branches) == 0 {
			return confErr(n.Position, "fork needs at least one branch")
		}
		nodes, err := t.buildList(n, n.Task.Fork.Branches, "fork", "branches")
		if err != nil {
			return err
		}
		// branches are isolated; routing between them is meaningless
		for _, b := range nodes {
			if b.Task != nil && b.Task.Then != "" {
				return confErr(b.Position, "fork branch cannot carry then")
			}
		}
		n.Children = nodes
	case KindTry:
		if len(*n.Task.Try) == 0 {
			return confErr(n.Position, "try block is empty")
		}
		if n.Task.Catch == nil {
			return confErr(n.Position, "try without catch")
		}
		nodes, err := t.buildList(n, *n.Task.Try, "try")
		if err != nil {
			return err
		}
		n.Children = nodes
		if n.Task.Catch.Do != nil {
			handlers, err := t.buildList(n, *n.Task.Catch.Do, "catch", "do")
			if err != nil {
				return err
			}
			n.Handlers = handlers
		}
		if err := validatePolicy(n.Position, n.Task.Catch.Retry); err != nil {
			return err
		}
	case KindSwitch:
		return t.validateSwitch(n)
	case KindRaise:
		return validateRaise(n)
	case KindRun:
		return validateRun(n)
	case KindListen:
		return validateListen(n)
	case KindCall:
		switch n.Task.Call {
		case "http", "grpc", "asyncapi":
		default:
			return confErr(n.Position, "unsupported call target %q", n.Task.Call)
		}
	case KindSet, KindWait, KindEmit:
		// leaf payloads need no structural checks beyond Kind()
	}
	return nil
}

// buildList materializes one ordered task list under parent, positioned at
// parent/<segs...>/<index>/<name>.
func (t *Tree) buildList(parent *TaskNode, list TaskList, segs ...string) ([]*TaskNode, error) {
	listPos := parent.Position.Child(segs...)
	seen := make(map[string]bool, len(list))
	nodes := make([]*TaskNode, 0, len(list))

	for i, item := range list {
		pos := listPos.Child(strconv.Itoa(i), item.Name)
		if item.Name == "" {
			return nil, confErr(pos, "task has no name")
		}
		if isReservedName(item.Name) {
			return nil, confErr(pos, "task name %q is reserved", item.Name)
		}
		if seen[item.Name] {
			return nil, confErr(pos, "duplicate task name %q", item.Name)
		}
		seen[item.Name] = true

		kind, err := item.Task.Kind()
		if err != nil {
			return nil, confErr(pos, "%v", err)
		}
		if err := validatePolicy(pos, item.Task.Retry); err != nil {
			return nil, err
		}

		node := &TaskNode{
			Name:      item.Name,
			Position:  pos,
			ParentPos: parent.Position,
			Index:     i,
			Kind:      kind,
			Task:      item.Task,
		}
		t.byPos[pos.String()] = node
		if err := t.buildChildren(node); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	// then targets can point forward, so resolve them once the list is known
	for _, node := range nodes {
		if err := validateThen(node.Position, node.Task.Then, seen); err != nil {
			return nil, err
		}
		if node.Kind == KindSwitch {
			for _, c := range node.Task.Switch {
				if err := validateThen(node.Position, c.Then, seen); err != nil {
					return nil, err
				}
			}
		}
	}
	return nodes, nil
}

func (t *Tree) validateSwitch(n *TaskNode) error {
	defaults := 0
	names := make(map[string]bool, len(n.Task.Switch))
	for _, c := range n.Task.Switch {
		if c.Name == "" {
			return confErr(n.Position, "switch case has no name")
		}
		if names[c.Name] {
			return confErr(n.Position, "duplicate switch case %q", c.Name)
		}
		names[c.Name] = true
		if c.When == "" {
			defaults++
		}
	}
	if defaults > 1 {
		return confErr(n.Position, "switch has %d default cases", defaults)
	}
	return nil
}

func validateRaise(n *TaskNode) error {
	e := n.Task.Raise.Error
	if e == nil || e.Type == "" {
		return confErr(n.Position, "raise needs an error type")
	}
	if !isURI(e.Type) && !domain.KnownErrorKind(domain.ErrorKind(e.Type)) {
		return confErr(n.Position, "unknown error type %q", e.Type)
	}
	return nil
}

func validateRun(n *TaskNode) error {
	r := n.Task.Run
	set := 0
	if r.Workflow != nil {
		set++
		if r.Workflow.Name == "" || r.Workflow.Version == "" {
			return confErr(n.Position, "run.workflow needs name and version")
		}
	}
	if r.Shell != nil {
		set++
		if r.Shell.Command == "" {
			return confErr(n.Position, "run.shell needs a command")
		}
	}
	if r.Script != nil {
		set++
		if r.Script.Code == "" {
			return confErr(n.Position, "run.script needs code")
		}
	}
	if r.Container != nil {
		set++
		if r.Container.Image == "" {
			return confErr(n.Position, "run.container needs an image")
		}
	}
	if set != 1 {
		return confErr(n.Position, "run sets %d process kinds, want exactly one", set)
	}
	return nil
}

func validateListen(n *TaskNode) error {
	to := n.Task.Listen.To
	if to == nil {
		return confErr(n.Position, "listen needs a 'to' clause")
	}
	set := 0
	if to.One != nil {
		set++
	}
	if len(to.All) > 0 {
		set++
	}
	if len(to.Any) > 0 {
		set++
	}
	if set != 1 {
		return confErr(n.Position, "listen.to sets %d strategies, want exactly one", set)
	}
	return nil
}

func validatePolicy(pos Position, p *RetryPolicy) error {
	if p == nil {
		return nil
	}
	if err := p.Validate(); err != nil {
		return confErr(pos, "%v", err)
	}
	return nil
}

func validateThen(pos Position, then string, siblings map[string]bool) error {
	switch then {
	case "", FlowContinue, FlowExit, FlowEnd:
		return nil
	}
	if !siblings[then] {
		return confErr(pos, "then target %q is not a sibling task", then)
	}
	return nil
}

// Flow directives accepted by then.
const (
	FlowContinue = "continue"
	FlowExit     = "exit"
	FlowEnd      = "end"
)

func isReservedName(name string) bool {
	return name == FlowContinue || name == FlowExit || name == FlowEnd
}

func isURI(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i > 0
		}
		if s[i] == '/' {
			return false
		}
	}
	return false
}

func confErr(pos Position, format string, args ...any) error {
	return domain.NewWorkflowError(domain.ErrorKindConfiguration, pos.String(), format, args...)
}
