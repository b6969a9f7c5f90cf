package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ActivationLog is one line in the activation journal: a single message
// consumed, interpreted, and settled.
type ActivationLog struct {
	Timestamp     time.Time `json:"timestamp"`
	WorkflowID    string    `json:"workflow_id"`
	Workflow      string    `json:"workflow"`
	Version       string    `json:"version,omitempty"`
	Position      string    `json:"position,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Outcome       string    `json:"outcome"`
	Continuations int       `json:"continuations,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Recorder writes activation journal entries as JSON lines to the console
// and optionally to a file.
type Recorder struct {
	mu      sync.Mutex
	enabled bool
	console bool
	file    *os.File
}

var defaultRecorder = &Recorder{enabled: true, console: true}

// Journal returns the process-wide activation recorder.
func Journal() *Recorder {
	return defaultRecorder
}

// SetOutput directs journal entries to a file in addition to the console.
func (r *Recorder) SetOutput(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		r.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}

// SetConsole toggles console output.
func (r *Recorder) SetConsole(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.console = on
}

// SetEnabled toggles the journal entirely.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
}

// Record appends one activation entry.
func (r *Recorder) Record(entry ActivationLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if r.console {
		fmt.Fprintln(os.Stdout, string(line))
	}
	if r.file != nil {
		fmt.Fprintln(r.file, string(line))
	}
}

// Close releases the file sink if one is open.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
