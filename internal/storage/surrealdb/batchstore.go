package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

// batchSelectFields aliases batch_id to id for struct mapping.
const batchSelectFields = "batch_id as id, name, total, pending, failed, processed, status, created_at, updated_at, completed_at"

// BatchStore implements interfaces.BatchStore using SurrealDB. It is the
// durable progress ledger: counters live here, independent of the unit
// queue's own rows, so visibility survives queue pruning.
type BatchStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewBatchStore creates a new BatchStore.
func NewBatchStore(db *surrealdb.DB, logger *common.Logger) *BatchStore {
	return &BatchStore{db: db, logger: logger}
}

func (s *BatchStore) Create(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()[:8]
	}
	if batch.Status == "" {
		batch.Status = models.BatchStatusRunning
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}
	batch.Pending = batch.Total - batch.Processed - batch.Failed

	sql := `UPSERT $rid SET
		batch_id = $batch_id, name = $name, total = $total, pending = $pending,
		failed = $failed, processed = $processed, status = $status,
		created_at = $created_at, updated_at = $updated_at, completed_at = $completed_at`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("batch", batch.ID),
		"batch_id":     batch.ID,
		"name":         batch.Name,
		"total":        batch.Total,
		"pending":      batch.Pending,
		"failed":       batch.Failed,
		"processed":    batch.Processed,
		"status":       batch.Status,
		"created_at":   batch.CreatedAt,
		"updated_at":   batch.CreatedAt,
		"completed_at": batch.CompletedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (s *BatchStore) Get(ctx context.Context, id string) (*models.Batch, error) {
	sql := "SELECT " + batchSelectFields + " FROM batch WHERE batch_id = $id LIMIT 1"
	vars := map[string]any{"id": id}

	results, err := surrealdb.Query[[]models.Batch](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	return &(*results)[0].Result[0], nil
}

// bump atomically moves one unit out of pending into the given terminal
// counter and auto-transitions the batch status when pending hits zero.
// SET clauses evaluate in order, so the status guard sees the decremented
// pending count.
func (s *BatchStore) bump(ctx context.Context, id, counter string) (*models.Batch, error) {
	sql := fmt.Sprintf(`UPDATE $rid SET
		%s += 1, pending -= 1, updated_at = $now,
		status = IF pending <= 0 THEN (IF failed > 0 THEN $partial ELSE $complete END) ELSE status END,
		completed_at = IF pending <= 0 THEN $now ELSE completed_at END
		RETURN AFTER`, counter)
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("batch", id),
		"now":      time.Now(),
		"partial":  models.BatchStatusPartialFailure,
		"complete": models.BatchStatusComplete,
	}

	results, err := surrealdb.Query[[]models.Batch](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to update batch counters: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("batch %s not found", id)
	}

	updated := (*results)[0].Result[0]
	updated.ID = id // RETURN AFTER carries the table row, not the alias
	return &updated, nil
}

func (s *BatchStore) AddProcessed(ctx context.Context, id string) (*models.Batch, error) {
	return s.bump(ctx, id, "processed")
}

func (s *BatchStore) AddFailed(ctx context.Context, id string) (*models.Batch, error) {
	return s.bump(ctx, id, "failed")
}

func (s *BatchStore) Cancel(ctx context.Context, id string) error {
	sql := "UPDATE $rid SET status = $cancelled, updated_at = $now WHERE status = $running"
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID("batch", id),
		"cancelled": models.BatchStatusCancelled,
		"running":   models.BatchStatusRunning,
		"now":       time.Now(),
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to cancel batch: %w", err)
	}
	return nil
}

func (s *BatchStore) List(ctx context.Context, opts interfaces.BatchListOptions) ([]*models.Batch, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	sql := "SELECT " + batchSelectFields + " FROM batch"
	vars := map[string]any{"limit": limit}
	switch {
	case opts.ActiveOnly:
		sql += " WHERE status = $status"
		vars["status"] = models.BatchStatusRunning
	case opts.FailedOnly:
		sql += " WHERE status = $status OR failed > 0"
		vars["status"] = models.BatchStatusPartialFailure
	}
	sql += " ORDER BY created_at DESC LIMIT $limit"

	results, err := surrealdb.Query[[]models.Batch](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	var batches []*models.Batch
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			batches = append(batches, &(*results)[0].Result[i])
		}
	}
	return batches, nil
}

func (s *BatchStore) PurgeFinished(ctx context.Context, olderThan time.Time) (int, error) {
	sql := "DELETE FROM batch WHERE status IN [$complete, $partial, $cancelled] AND completed_at < $cutoff RETURN BEFORE"
	vars := map[string]any{
		"complete":  models.BatchStatusComplete,
		"partial":   models.BatchStatusPartialFailure,
		"cancelled": models.BatchStatusCancelled,
		"cutoff":    olderThan,
	}

	results, err := surrealdb.Query[[]models.Batch](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to purge batches: %w", err)
	}
	return affected(results), nil
}

// Compile-time check
var _ interfaces.BatchStore = (*BatchStore)(nil)
