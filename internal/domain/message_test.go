package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Name:    "order-flow",
		Version: "1.0.0",
		States: map[string]NodeState{
			RootPosition:   NodeState(`{"id":"w1","in":{"x":1},"ci":2}`),
			"/do/2/waitId": NodeState(`{"in":{"x":1},"sa":"2026-01-02T15:04:05Z"}`),
		},
		Position: "/do/2/waitId",
	}
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeMessage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != m.Name || got.Version != m.Version || got.Position != m.Position {
		t.Errorf("header mismatch: %+v", got)
	}
	if len(got.States) != 2 {
		t.Fatalf("states = %d, want 2", len(got.States))
	}
	var root map[string]any
	if err := json.Unmarshal(got.States[RootPosition], &root); err != nil {
		t.Fatalf("root state: %v", err)
	}
	if root["id"] != "w1" {
		t.Errorf("workflow id = %v", root["id"])
	}
}

func TestMessageWireFieldNames(t *testing.T) {
	m := &Message{
		Name:     "f",
		Version:  "1",
		States:   map[string]NodeState{RootPosition: NodeState(`{}`)},
		Position: RootPosition,
	}
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"n", "v", "s", "p"} {
		if _, ok := wire[k]; !ok {
			t.Errorf("wire missing %q field", k)
		}
	}
	if len(wire) != 4 {
		t.Errorf("wire has %d fields, want 4", len(wire))
	}
}

func TestDecodeMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"empty payload", "", ErrEmptyMessage},
		{"missing name", `{"v":"1","s":{"":{}},"p":""}`, ErrMissingName},
		{"missing version", `{"n":"f","s":{"":{}},"p":""}`, ErrMissingVersion},
		{"no state for position", `{"n":"f","v":"1","s":{"":{}},"p":"/do/0/a"}`, ErrMissingState},
		{"nil states", `{"n":"f","v":"1","p":""}`, ErrMissingState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.payload))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := DecodeMessage([]byte("{not json")); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestNewStartMessage(t *testing.T) {
	m, err := NewStartMessage("order-flow", "1.0.0", "w-123", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.Position != RootPosition {
		t.Errorf("position = %q, want root", m.Position)
	}
	var root struct {
		ID string          `json:"id"`
		In json.RawMessage `json:"in"`
	}
	if err := json.Unmarshal(m.States[RootPosition], &root); err != nil {
		t.Fatal(err)
	}
	if root.ID != "w-123" {
		t.Errorf("id = %q", root.ID)
	}
	if string(root.In) != `{"x":1}` {
		t.Errorf("in = %s", root.In)
	}
	if _, err := m.Encode(); err != nil {
		t.Errorf("start message must encode: %v", err)
	}
}
