package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RootPosition is the JSON pointer of the workflow root node.
const RootPosition = ""

var (
	ErrEmptyMessage   = errors.New("empty message payload")
	ErrMissingName    = errors.New("message missing workflow name")
	ErrMissingVersion = errors.New("message missing workflow version")
	ErrMissingState   = errors.New("message missing state for its position")
)

// NodeState is the serialized execution state of one node activation. The
// interpreter owns the per-kind layout; everything below it treats the value
// as opaque JSON.
type NodeState = json.RawMessage

// Message is one workflow continuation on the wire. A message carries enough
// ancestor state to resume the instance at Position after redelivery; the
// broker payload and the outbox row body are both this JSON.
type Message struct {
	Name     string               `json:"n"`
	Version  string               `json:"v"`
	States   map[string]NodeState `json:"s"`
	Position string               `json:"p"`
}

// NewStartMessage builds the initial continuation for a fresh instance: the
// root position with raw input and a new workflow id.
func NewStartMessage(name, version, workflowID string, input json.RawMessage) (*Message, error) {
	root, err := json.Marshal(map[string]json.RawMessage{
		"id": json.RawMessage(fmt.Sprintf("%q", workflowID)),
		"in": input,
	})
	if err != nil {
		return nil, fmt.Errorf("encode root state: %w", err)
	}
	return &Message{
		Name:     name,
		Version:  version,
		States:   map[string]NodeState{RootPosition: root},
		Position: RootPosition,
	}, nil
}

// Encode serializes the message after validating it.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// DecodeMessage parses and validates a continuation payload.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyMessage
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// WorkflowID extracts the instance id from the root state, or "" when the
// message carries none. Every continuation descends from a start message, so
// the root state travels with it.
func (m *Message) WorkflowID() string {
	root, ok := m.States[RootPosition]
	if !ok {
		return ""
	}
	var env struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(root, &env); err != nil {
		return ""
	}
	return env.ID
}

// Validate checks the structural invariants every continuation must hold.
func (m *Message) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if m.Version == "" {
		return ErrMissingVersion
	}
	if _, ok := m.States[m.Position]; !ok {
		return ErrMissingState
	}
	return nil
}

// Continuation pairs a message with its scheduling: which outbox table it
// lands in and how long until it becomes due.
type Continuation struct {
	Table   OutboxTable
	Delay   time.Duration
	Message *Message
}
