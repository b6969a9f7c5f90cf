package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics keeps cheap in-process counters for the status endpoint. The
// Prometheus registry is the real export path; this snapshot exists so the
// daemon can answer "what have you done" without a scrape.
type Metrics struct {
	activationsCompleted atomic.Int64
	activationsSuspended atomic.Int64
	activationsFailed    atomic.Int64
	activationsAborted   atomic.Int64

	messagesPublished atomic.Int64
	publishRetries    atomic.Int64
	deadLetters       atomic.Int64

	workflowsStarted  atomic.Int64
	workflowsFinished atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time the process began serving.
func StartTime() time.Time {
	return global.startTime
}

// RecordActivation tallies one consumed and settled message.
func (m *Metrics) RecordActivation(outcome string, durationMs int64) {
	switch outcome {
	case "completed":
		m.activationsCompleted.Add(1)
	case "suspended":
		m.activationsSuspended.Add(1)
	case "failed":
		m.activationsFailed.Add(1)
	default:
		m.activationsAborted.Add(1)
	}
}

// RecordPublished tallies one outbox row relayed to the broker.
func (m *Metrics) RecordPublished() {
	m.messagesPublished.Add(1)
}

// RecordPublishRetry tallies one relay publish failure that was rescheduled.
func (m *Metrics) RecordPublishRetry() {
	m.publishRetries.Add(1)
}

// RecordDeadLetter tallies one row parked after exhausting relay attempts.
func (m *Metrics) RecordDeadLetter() {
	m.deadLetters.Add(1)
}

// RecordWorkflowStarted tallies one new workflow instance.
func (m *Metrics) RecordWorkflowStarted() {
	m.workflowsStarted.Add(1)
}

// RecordWorkflowFinished tallies one workflow reaching a terminal state.
func (m *Metrics) RecordWorkflowFinished() {
	m.workflowsFinished.Add(1)
}

// Snapshot returns the counters as a flat map.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"activations_completed": m.activationsCompleted.Load(),
		"activations_suspended": m.activationsSuspended.Load(),
		"activations_failed":    m.activationsFailed.Load(),
		"activations_aborted":   m.activationsAborted.Load(),
		"messages_published":    m.messagesPublished.Load(),
		"publish_retries":       m.publishRetries.Load(),
		"dead_letters":          m.deadLetters.Load(),
		"workflows_started":     m.workflowsStarted.Load(),
		"workflows_finished":    m.workflowsFinished.Load(),
		"uptime_seconds":        int64(time.Since(m.startTime).Seconds()),
	}
}

// JSONHandler serves the snapshot for the status endpoint.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
