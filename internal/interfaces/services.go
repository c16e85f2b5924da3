package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/tidemark/internal/models"
)

// PlanOptions carries explicit caller date filters. When From and To are
// both set they are honored exactly as a single window — no auto-windowing,
// no redundancy overlap.
type PlanOptions struct {
	From time.Time
	To   time.Time
}

// Explicit reports whether the caller supplied a full date filter.
func (o PlanOptions) Explicit() bool {
	return !o.From.IsZero() && !o.To.IsZero()
}

// PlannerService computes the minimal fetch windows for an entity+series.
type PlannerService interface {
	PlanWindows(ctx context.Context, entityID, series, resolution string, opts PlanOptions) ([]models.FetchWindow, error)
}

// Dispatch execution modes.
const (
	ModeQueued = "queued" // submit units to the durable queue, return immediately
	ModeSync   = "sync"   // execute all units inline
)

// DispatchResult summarizes one dispatch call.
type DispatchResult struct {
	Batches    []*models.Batch
	Units      int
	Dispatched int
}

// DispatchService groups fetch windows into batches and submits them.
type DispatchService interface {
	Dispatch(ctx context.Context, name string, windows []models.FetchWindow, mode string) (*DispatchResult, error)
}

// MonitorService is the batch progress ledger, independent of the queue
// backend's own bookkeeping.
type MonitorService interface {
	CreateBatch(ctx context.Context, name string, totalUnits int) (*models.Batch, error)
	RecordSuccess(ctx context.Context, batchID string, unit *models.WorkUnit) error
	RecordFailure(ctx context.Context, batchID string, unit *models.WorkUnit) error
	Status(ctx context.Context, batchID string) (*models.Batch, error)
	List(ctx context.Context, opts BatchListOptions) ([]*models.Batch, error)
}

// WorkerController is what the supervisor needs from the worker pool.
type WorkerController interface {
	// Restart signals workers to finish their current unit and respawn.
	Restart()
	// LastRestart returns the time of the most recent restart.
	LastRestart() time.Time
}
