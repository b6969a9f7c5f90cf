package interp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gyre-io/gyre/internal/domain"
	"github.com/gyre-io/gyre/internal/dsl"
	"github.com/gyre-io/gyre/internal/expr"
)

// stateEnvelope is the wire layout of a persisted node state. Field use is
// kind-dependent; the codec table decides which slots a kind reads and
// writes.
type stateEnvelope struct {
	WorkflowID string          `json:"id,omitempty"`  // root
	Context    json.RawMessage `json:"ctx,omitempty"` // root
	RawInput   json.RawMessage `json:"in,omitempty"`
	StartedAt  string          `json:"sa,omitempty"`
	Attempts   int             `json:"at,omitempty"`
	ChildIdx   int             `json:"ci,omitempty"`

	Items  json.RawMessage            `json:"items,omitempty"` // for
	Cursor int                        `json:"cur,omitempty"`   // for
	Done   map[string]json.RawMessage `json:"done,omitempty"`  // fork
	Phase  string                     `json:"ph,omitempty"`    // try
	Caught json.RawMessage            `json:"err,omitempty"`   // try
	WakeAt string                     `json:"wu,omitempty"`    // wait, listen
}

// stateCodec reads and writes the kind-specific slots of an envelope.
type stateCodec struct {
	encode func(ni *nodeInstance, env *stateEnvelope) error
	decode func(env *stateEnvelope, ni *nodeInstance) error
}

var passthroughCodec = stateCodec{
	encode: func(*nodeInstance, *stateEnvelope) error { return nil },
	decode: func(*stateEnvelope, *nodeInstance) error { return nil },
}

var stateCodecs = map[dsl.TaskKind]stateCodec{
	dsl.KindDo:     passthroughCodec,
	dsl.KindSet:    passthroughCodec,
	dsl.KindRaise:  passthroughCodec,
	dsl.KindCall:   passthroughCodec,
	dsl.KindRun:    passthroughCodec,
	dsl.KindEmit:   passthroughCodec,
	dsl.KindSwitch: passthroughCodec,

	dsl.KindFor: {
		encode: func(ni *nodeInstance, env *stateEnvelope) error {
			if ni.items != nil {
				raw, err := expr.ToRaw(ni.items)
				if err != nil {
					return err
				}
				env.Items = raw
			}
			env.Cursor = ni.cursor
			return nil
		},
		decode: func(env *stateEnvelope, ni *nodeInstance) error {
			if len(env.Items) > 0 {
				var items []any
				if err := json.Unmarshal(env.Items, &items); err != nil {
					return fmt.Errorf("loop items: %w", err)
				}
				ni.items = items
			}
			ni.cursor = env.Cursor
			return nil
		},
	},

	dsl.KindFork: {
		encode: func(ni *nodeInstance, env *stateEnvelope) error {
			if len(ni.branchDone) == 0 {
				return nil
			}
			done := make(map[string]json.RawMessage, len(ni.branchDone))
			for name, out := range ni.branchDone {
				raw, err := expr.ToRaw(out)
				if err != nil {
					return err
				}
				done[name] = raw
			}
			env.Done = done
			return nil
		},
		decode: func(env *stateEnvelope, ni *nodeInstance) error {
			if len(env.Done) == 0 {
				return nil
			}
			ni.branchDone = make(map[string]any, len(env.Done))
			for name, raw := range env.Done {
				v, err := expr.FromRaw(raw)
				if err != nil {
					return fmt.Errorf("branch %q output: %w", name, err)
				}
				ni.branchDone[name] = v
			}
			return nil
		},
	},

	dsl.KindTry: {
		encode: func(ni *nodeInstance, env *stateEnvelope) error {
			env.Phase = ni.phase
			if ni.caught != nil {
				raw, err := json.Marshal(ni.caught)
				if err != nil {
					return err
				}
				env.Caught = raw
			}
			return nil
		},
		decode: func(env *stateEnvelope, ni *nodeInstance) error {
			if env.Phase != "" {
				ni.phase = env.Phase
			}
			if len(env.Caught) > 0 {
				var we domain.WorkflowError
				if err := json.Unmarshal(env.Caught, &we); err != nil {
					return fmt.Errorf("caught error: %w", err)
				}
				ni.caught = &we
			}
			return nil
		},
	},

	dsl.KindWait:   wakeCodec,
	dsl.KindListen: wakeCodec,
}

var wakeCodec = stateCodec{
	encode: func(ni *nodeInstance, env *stateEnvelope) error {
		if !ni.wakeAt.IsZero() {
			env.WakeAt = ni.wakeAt.UTC().Format(time.RFC3339Nano)
		}
		return nil
	},
	decode: func(env *stateEnvelope, ni *nodeInstance) error {
		if env.WakeAt == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, env.WakeAt)
		if err != nil {
			return fmt.Errorf("wake time: %w", err)
		}
		ni.wakeAt = t
		return nil
	},
}

// encodeState serializes an instance for the continuation message.
func encodeState(ni *nodeInstance) (domain.NodeState, error) {
	env := stateEnvelope{
		Attempts: ni.attempts,
		ChildIdx: ni.childIdx,
	}
	if ni.rawInput != nil {
		raw, err := expr.ToRaw(ni.rawInput)
		if err != nil {
			return nil, fmt.Errorf("node %q input: %w", ni.node.Position.String(), err)
		}
		env.RawInput = raw
	}
	if !ni.startedAt.IsZero() {
		env.StartedAt = ni.startedAt.UTC().Format(time.RFC3339Nano)
	}
	if ni.node.Position.IsRoot() {
		env.WorkflowID = ni.workflowID
		if ni.context != nil {
			raw, err := expr.ToRaw(ni.context)
			if err != nil {
				return nil, fmt.Errorf("context: %w", err)
			}
			env.Context = raw
		}
	}

	codec, ok := stateCodecs[ni.node.Kind]
	if !ok {
		return nil, fmt.Errorf("no state codec for kind %q", ni.node.Kind)
	}
	if err := codec.encode(ni, &env); err != nil {
		return nil, fmt.Errorf("node %q state: %w", ni.node.Position.String(), err)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("node %q state: %w", ni.node.Position.String(), err)
	}
	return b, nil
}

// decodeState rebuilds an instance from a persisted node state.
func decodeState(node *dsl.TaskNode, raw domain.NodeState) (*nodeInstance, error) {
	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("node %q state: %w", node.Position.String(), err)
	}

	ni := newInstance(node)
	ni.attempts = env.Attempts
	ni.childIdx = env.ChildIdx
	if len(env.RawInput) > 0 {
		v, err := expr.FromRaw(env.RawInput)
		if err != nil {
			return nil, fmt.Errorf("node %q input: %w", node.Position.String(), err)
		}
		ni.rawInput = v
	}
	if env.StartedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, env.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("node %q start time: %w", node.Position.String(), err)
		}
		ni.startedAt = t
	}
	if node.Position.IsRoot() {
		ni.workflowID = env.WorkflowID
		if len(env.Context) > 0 {
			v, err := expr.FromRaw(env.Context)
			if err != nil {
				return nil, fmt.Errorf("context: %w", err)
			}
			ni.context = v
		}
	}

	codec, ok := stateCodecs[node.Kind]
	if !ok {
		return nil, fmt.Errorf("no state codec for kind %q", node.Kind)
	}
	if err := codec.decode(&env, ni); err != nil {
		return nil, fmt.Errorf("node %q state: %w", node.Position.String(), err)
	}
	return ni, nil
}
