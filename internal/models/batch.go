package models

import "time"

// WorkUnit is one fetch-and-persist task: a FetchWindow plus retry state.
// Units are durable queue rows; delivery is at-least-once and execution is
// made safe by the store's idempotent upsert.
type WorkUnit struct {
	ID      string      `json:"id"`
	BatchID string      `json:"batch_id"`
	Window  FetchWindow `json:"window"`
	Status  string      `json:"status"`

	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Error         string    `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`

	// Outcome counters from the last execution.
	Fetched  int `json:"fetched"`
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// Work unit status constants
const (
	UnitStatusPending   = "pending"
	UnitStatusRunning   = "running"
	UnitStatusProcessed = "processed"
	UnitStatusFailed    = "failed"
	UnitStatusCancelled = "cancelled"
)

// Terminal reports whether the unit has reached a final state.
func (u *WorkUnit) Terminal() bool {
	return u.Status == UnitStatusProcessed || u.Status == UnitStatusFailed || u.Status == UnitStatusCancelled
}

// Batch is a monitored group of WorkUnits dispatched together. Counters are
// mutated only by the monitor in response to unit completion events; the
// ledger survives queue-backend cleanup.
type Batch struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Processed int `json:"processed"`

	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Batch status constants
const (
	BatchStatusRunning        = "running"
	BatchStatusComplete       = "complete"
	BatchStatusPartialFailure = "partial_failure"
	BatchStatusCancelled      = "cancelled"
)

// Finished reports whether the batch has left the running state.
func (b *Batch) Finished() bool {
	return b.Status != BatchStatusRunning
}

// BatchEvent is broadcast via WebSocket when unit or batch state changes.
type BatchEvent struct {
	Type      string    `json:"type"` // "unit_queued", "unit_started", "unit_processed", "unit_failed", "batch_finished"
	Batch     *Batch    `json:"batch,omitempty"`
	Unit      *WorkUnit `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Backlog   int       `json:"backlog"` // current pending unit count
}

// Batch event type constants
const (
	EventUnitQueued    = "unit_queued"
	EventUnitStarted   = "unit_started"
	EventUnitProcessed = "unit_processed"
	EventUnitFailed    = "unit_failed"
	EventBatchFinished = "batch_finished"
)
