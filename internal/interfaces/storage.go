package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/tidemark/internal/models"
)

// StorageManager coordinates all storage backends
type StorageManager interface {
	RecordStore() RecordStore
	WatermarkStore() WatermarkStore
	BatchStore() BatchStore
	UnitQueue() UnitQueueStore
	EntityStore() EntityStore

	// Lifecycle
	Close() error
}

// UpsertResult reports what happened to a page of fetched records. Accepted
// is the count actually persisted; Dropped counts records rejected by
// validation. Accepted+Dropped equals the count submitted.
type UpsertResult struct {
	Accepted int
	Dropped  int
}

// RecordStore persists time-series rows keyed by their composite natural
// key. Re-ingestion of an existing key overwrites value columns and payload
// only; key columns and created_at are never touched.
type RecordStore interface {
	Upsert(ctx context.Context, records []*models.Record) (UpsertResult, error)
	GetRange(ctx context.Context, entityID, series, resolution string, from, to time.Time) ([]*models.Record, error)
	Count(ctx context.Context, entityID, series string) (int, error)
}

// WatermarkStore tracks sync progress per entity+series+resolution.
type WatermarkStore interface {
	// Get returns nil (no error) when the tuple has never been synced.
	Get(ctx context.Context, entityID, series, resolution string) (*models.Watermark, error)

	// Advance moves the watermark forward to at most `to`. A later
	// out-of-order call with an earlier timestamp is a no-op.
	Advance(ctx context.Context, entityID, series, resolution string, to time.Time) error
}

// BatchListOptions filters batch listings.
type BatchListOptions struct {
	Limit      int
	ActiveOnly bool
	FailedOnly bool
}

// BatchStore is the durable progress ledger for dispatch batches.
type BatchStore interface {
	Create(ctx context.Context, batch *models.Batch) error
	Get(ctx context.Context, id string) (*models.Batch, error)

	// AddProcessed / AddFailed atomically move one unit from pending to the
	// corresponding terminal counter and auto-transition the batch status
	// when pending reaches zero. They return the updated batch.
	AddProcessed(ctx context.Context, id string) (*models.Batch, error)
	AddFailed(ctx context.Context, id string) (*models.Batch, error)

	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, opts BatchListOptions) ([]*models.Batch, error)
	PurgeFinished(ctx context.Context, olderThan time.Time) (int, error)
}

// UnitQueueStore is the durable work-unit queue with at-least-once delivery.
type UnitQueueStore interface {
	Enqueue(ctx context.Context, unit *models.WorkUnit) error

	// Dequeue claims the oldest eligible pending unit, marking it running
	// and incrementing its attempt count. Returns nil when the queue is
	// empty or all pending units are still backing off.
	Dequeue(ctx context.Context) (*models.WorkUnit, error)

	Complete(ctx context.Context, unit *models.WorkUnit, unitErr error, durationMS int64) error

	CountPending(ctx context.Context) (int, error)
	CountFailed(ctx context.Context) (int, error)
	ListFailed(ctx context.Context, limit int) ([]*models.WorkUnit, error)

	// ResetRunning returns units stuck in running state to pending. Called
	// on worker-pool start to recover from a crash.
	ResetRunning(ctx context.Context) (int, error)

	// CancelByBatch stops pending units of a batch from being picked up.
	// Units already executing run to completion.
	CancelByBatch(ctx context.Context, batchID string) (int, error)

	PurgeFinished(ctx context.Context, olderThan time.Time) (int, error)
}

// EntityStore is the registry of ingestable entities.
type EntityStore interface {
	Upsert(ctx context.Context, entity *models.Entity) error
	Get(ctx context.Context, symbol string) (*models.Entity, error)
	List(ctx context.Context) ([]*models.Entity, error)
	ListActive(ctx context.Context) ([]*models.Entity, error)
}
