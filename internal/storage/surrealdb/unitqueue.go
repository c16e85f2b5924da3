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

// unitSelectFields aliases unit_id to id for struct mapping.
const unitSelectFields = "unit_id as id, batch_id, window, status, attempts, max_attempts, next_attempt_at, error, created_at, started_at, completed_at, duration_ms, fetched, accepted, dropped"

// UnitQueueStore implements interfaces.UnitQueueStore using SurrealDB.
// Delivery is at-least-once: a unit re-enqueued after a retryable failure
// carries its attempt count forward.
type UnitQueueStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewUnitQueueStore creates a new UnitQueueStore.
func NewUnitQueueStore(db *surrealdb.DB, logger *common.Logger) *UnitQueueStore {
	return &UnitQueueStore{db: db, logger: logger}
}

func (s *UnitQueueStore) Enqueue(ctx context.Context, unit *models.WorkUnit) error {
	if unit.ID == "" {
		unit.ID = uuid.New().String()[:8]
	}
	if unit.Status == "" {
		unit.Status = models.UnitStatusPending
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now()
	}
	if unit.MaxAttempts == 0 {
		unit.MaxAttempts = 3
	}

	sql := `UPSERT $rid SET
		unit_id = $unit_id, batch_id = $batch_id, window = $window, status = $status,
		attempts = $attempts, max_attempts = $max_attempts, next_attempt_at = $next_attempt_at,
		error = $error, created_at = $created_at, started_at = $started_at,
		completed_at = $completed_at, duration_ms = $duration_ms,
		fetched = $fetched, accepted = $accepted, dropped = $dropped`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("unit_queue", unit.ID),
		"unit_id":         unit.ID,
		"batch_id":        unit.BatchID,
		"window":          unit.Window,
		"status":          unit.Status,
		"attempts":        unit.Attempts,
		"max_attempts":    unit.MaxAttempts,
		"next_attempt_at": unit.NextAttemptAt,
		"error":           unit.Error,
		"created_at":      unit.CreatedAt,
		"started_at":      unit.StartedAt,
		"completed_at":    unit.CompletedAt,
		"duration_ms":     unit.DurationMS,
		"fetched":         unit.Fetched,
		"accepted":        unit.Accepted,
		"dropped":         unit.Dropped,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to enqueue unit: %w", err)
	}
	return nil
}

func (s *UnitQueueStore) Dequeue(ctx context.Context) (*models.WorkUnit, error) {
	// Two-step dequeue: SELECT the oldest eligible pending unit, then claim
	// it with a guarded UPDATE. Concurrent workers can select the same
	// candidate; only the UPDATE that still sees status = pending wins, so
	// the claim is confirmed by its returned row count. A loser re-selects.
	for {
		now := time.Now()
		selectSQL := "SELECT " + unitSelectFields + ` FROM unit_queue
			WHERE status = $pending AND (next_attempt_at = NONE OR next_attempt_at <= $now)
			ORDER BY created_at ASC LIMIT 1`
		vars := map[string]any{
			"pending": models.UnitStatusPending,
			"now":     now,
		}

		candidates, err := surrealdb.Query[[]models.WorkUnit](ctx, s.db, selectSQL, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to select candidate unit: %w", err)
		}

		if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
			return nil, nil
		}

		candidate := (*candidates)[0].Result[0]

		updateSQL := `UPDATE $rid SET status = $running, started_at = $now, attempts = attempts + 1
			WHERE status = $pending RETURN AFTER`
		updateVars := map[string]any{
			"rid":     surrealmodels.NewRecordID("unit_queue", candidate.ID),
			"running": models.UnitStatusRunning,
			"pending": models.UnitStatusPending,
			"now":     now,
		}

		claimed, err := surrealdb.Query[[]models.WorkUnit](ctx, s.db, updateSQL, updateVars)
		if err != nil {
			return nil, fmt.Errorf("failed to claim unit: %w", err)
		}
		if claimed == nil || len(*claimed) == 0 || len((*claimed)[0].Result) == 0 {
			// Another worker claimed it between the select and the update.
			continue
		}

		candidate.Status = models.UnitStatusRunning
		candidate.StartedAt = now
		candidate.Attempts++
		return &candidate, nil
	}
}

func (s *UnitQueueStore) Complete(ctx context.Context, unit *models.WorkUnit, unitErr error, durationMS int64) error {
	now := time.Now()
	status := models.UnitStatusProcessed
	errStr := ""
	if unitErr != nil {
		status = models.UnitStatusFailed
		errStr = unitErr.Error()
	}

	sql := `UPDATE $rid SET status = $status, completed_at = $now, error = $error,
		duration_ms = $dur, fetched = $fetched, accepted = $accepted, dropped = $dropped`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("unit_queue", unit.ID),
		"status":   status,
		"now":      now,
		"error":    errStr,
		"dur":      durationMS,
		"fetched":  unit.Fetched,
		"accepted": unit.Accepted,
		"dropped":  unit.Dropped,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to complete unit: %w", err)
	}
	return nil
}

func (s *UnitQueueStore) CountPending(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, models.UnitStatusPending)
}

func (s *UnitQueueStore) CountFailed(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, models.UnitStatusFailed)
}

func (s *UnitQueueStore) countByStatus(ctx context.Context, status string) (int, error) {
	sql := "SELECT count() AS cnt FROM unit_queue WHERE status = $status GROUP ALL"
	vars := map[string]any{"status": status}

	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count units: %w", err)
	}

	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// ListFailed returns terminally failed units for manual review/requeue.
func (s *UnitQueueStore) ListFailed(ctx context.Context, limit int) ([]*models.WorkUnit, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + unitSelectFields + " FROM unit_queue WHERE status = $failed ORDER BY completed_at DESC LIMIT $limit"
	vars := map[string]any{"failed": models.UnitStatusFailed, "limit": limit}
	return s.queryUnits(ctx, sql, vars)
}

// ResetRunning resets all units with status "running" back to "pending".
// Called on startup to recover units that were in-flight when the process
// crashed.
func (s *UnitQueueStore) ResetRunning(ctx context.Context) (int, error) {
	sql := `UPDATE unit_queue SET status = $pending, started_at = NONE WHERE status = $running RETURN AFTER`
	results, err := surrealdb.Query[[]models.WorkUnit](ctx, s.db, sql, map[string]any{
		"pending": models.UnitStatusPending,
		"running": models.UnitStatusRunning,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset running units: %w", err)
	}
	return affected(results), nil
}

func (s *UnitQueueStore) CancelByBatch(ctx context.Context, batchID string) (int, error) {
	sql := "UPDATE unit_queue SET status = $cancelled WHERE batch_id = $batch_id AND status = $pending RETURN AFTER"
	vars := map[string]any{
		"cancelled": models.UnitStatusCancelled,
		"batch_id":  batchID,
		"pending":   models.UnitStatusPending,
	}

	results, err := surrealdb.Query[[]models.WorkUnit](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel units by batch: %w", err)
	}
	return affected(results), nil
}

func (s *UnitQueueStore) PurgeFinished(ctx context.Context, olderThan time.Time) (int, error) {
	sql := "DELETE FROM unit_queue WHERE status IN [$processed, $failed, $cancelled] AND completed_at < $cutoff RETURN BEFORE"
	vars := map[string]any{
		"processed": models.UnitStatusProcessed,
		"failed":    models.UnitStatusFailed,
		"cancelled": models.UnitStatusCancelled,
		"cutoff":    olderThan,
	}

	results, err := surrealdb.Query[[]models.WorkUnit](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to purge units: %w", err)
	}
	return affected(results), nil
}

// affected counts the rows returned by an UPDATE/DELETE with RETURN.
func affected[T any](results *[]surrealdb.QueryResult[[]T]) int {
	if results == nil || len(*results) == 0 {
		return 0
	}
	return len((*results)[0].Result)
}

// queryUnits is a helper that runs a query and returns a slice of unit pointers.
func (s *UnitQueueStore) queryUnits(ctx context.Context, sql string, vars map[string]any) ([]*models.WorkUnit, error) {
	results, err := surrealdb.Query[[]models.WorkUnit](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query units: %w", err)
	}

	var units []*models.WorkUnit
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			units = append(units, &(*results)[0].Result[i])
		}
	}
	return units, nil
}

// Compile-time check
var _ interfaces.UnitQueueStore = (*UnitQueueStore)(nil)
