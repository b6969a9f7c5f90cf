package domain

import (
	"encoding/json"
	"time"
)

// Outbox row status
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

// OutboxTable names one of the two physical continuation tables. Waits holds
// scheduled resumptions (Wait, Listen, Fork hand-off); retries holds failure
// backoff rows and terminal dead letters.
type OutboxTable string

const (
	TableWaits   OutboxTable = "waits"
	TableRetries OutboxTable = "retries"
)

// Valid reports whether t names a known outbox table. Table names are spliced
// into SQL, so the store refuses anything outside this set.
func (t OutboxTable) Valid() bool {
	return t == TableWaits || t == TableRetries
}

// OutboxRecord is one durable continuation row. ID is a UUID v7, so row order
// follows creation time without a separate timestamp column.
type OutboxRecord struct {
	ID           string       `json:"id"`
	Message      []byte       `json:"message"`
	DelayedUntil time.Time    `json:"delayed_until"`
	Status       OutboxStatus `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
}

// Definition record status
type DefinitionStatus string

const (
	DefinitionStatusActive   DefinitionStatus = "active"
	DefinitionStatusArchived DefinitionStatus = "archived"
)

// DefinitionFormat is the source encoding of an uploaded definition.
type DefinitionFormat string

const (
	FormatYAML DefinitionFormat = "yaml"
	FormatJSON DefinitionFormat = "json"
)

// Definition is an uploaded workflow definition, immutable per
// (name, version).
type Definition struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Version   string           `json:"version"`
	Format    DefinitionFormat `json:"format"`
	Source    []byte           `json:"source"`
	Status    DefinitionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Run status
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run records the terminal state of one workflow instance. Only terminal
// states are retained; live instance state rides the continuation messages.
type Run struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion string          `json:"workflow_version"`
	Status          RunStatus       `json:"status"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// Schedule starts a workflow on a cron expression.
type Schedule struct {
	ID              string          `json:"id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion string          `json:"workflow_version"`
	CronExpr        string          `json:"cron_expr"`
	Input           json.RawMessage `json:"input,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastFiredAt     *time.Time      `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Secret is an encrypted named value scoped to workflow use. Only ciphertext
// is stored; Value is populated transiently after decryption.
type Secret struct {
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"-"`
	Value      string    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}
