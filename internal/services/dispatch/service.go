// Package dispatch turns planned fetch windows into monitored batches of
// work units and moves them through the durable queue, either handing them
// to the worker pool (queued mode) or executing them inline (sync mode).
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

// Service implements interfaces.DispatchService.
type Service struct {
	storage  interfaces.StorageManager
	monitor  interfaces.MonitorService
	executor *Executor
	logger   *common.Logger
	hub      *BatchWSHub
	config   common.SyncConfig

	sleep func(ctx context.Context, d time.Duration)
}

// NewService creates a dispatch service. hub may be nil.
func NewService(
	storage interfaces.StorageManager,
	monitor interfaces.MonitorService,
	executor *Executor,
	logger *common.Logger,
	hub *BatchWSHub,
	config common.SyncConfig,
) *Service {
	return &Service{
		storage:  storage,
		monitor:  monitor,
		executor: executor,
		logger:   logger,
		hub:      hub,
		config:   config,
		sleep:    sleepCtx,
	}
}

var _ interfaces.DispatchService = (*Service)(nil)

// Dispatch chunks windows into batches of at most BatchSize units and
// submits each batch. A failure in one batch is recorded and does not stop
// the remaining batches. The returned result covers every batch attempted.
func (s *Service) Dispatch(ctx context.Context, name string, windows []models.FetchWindow, mode string) (*interfaces.DispatchResult, error) {
	if mode != interfaces.ModeQueued && mode != interfaces.ModeSync {
		return nil, fmt.Errorf("unknown dispatch mode: %s", mode)
	}

	result := &interfaces.DispatchResult{}
	if len(windows) == 0 {
		return result, nil
	}

	chunks := chunkWindows(windows, s.config.BatchSize)
	s.logger.Info().
		Str("name", name).
		Int("windows", len(windows)).
		Int("batches", len(chunks)).
		Str("mode", mode).
		Msg("Dispatching")

	var failedBatches int
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batchName := name
		if len(chunks) > 1 {
			batchName = fmt.Sprintf("%s-%d", name, i+1)
		}

		if err := s.dispatchBatch(ctx, batchName, chunk, mode, result); err != nil {
			failedBatches++
			s.logger.Warn().
				Str("batch", batchName).
				Err(err).
				Msg("Batch dispatch failed, continuing with remaining batches")
		}

		// Pace batch submissions to spread upstream load
		if i < len(chunks)-1 {
			if d := s.config.GetSleep(); d > 0 {
				s.sleep(ctx, d)
			}
		}
	}

	if failedBatches == len(chunks) {
		return result, fmt.Errorf("all %d batches failed to dispatch", failedBatches)
	}
	return result, nil
}

// dispatchBatch opens the ledger entry for one chunk and submits its units.
func (s *Service) dispatchBatch(ctx context.Context, name string, windows []models.FetchWindow, mode string, result *interfaces.DispatchResult) error {
	batch, err := s.monitor.CreateBatch(ctx, name, len(windows))
	if err != nil {
		return err
	}
	result.Batches = append(result.Batches, batch)

	units := make([]*models.WorkUnit, 0, len(windows))
	for _, window := range windows {
		units = append(units, &models.WorkUnit{
			BatchID:     batch.ID,
			Window:      window,
			MaxAttempts: s.config.MaxUnitAttempts,
		})
	}
	result.Units += len(units)

	switch mode {
	case interfaces.ModeQueued:
		for _, unit := range units {
			if err := s.enqueue(ctx, unit); err != nil {
				// The unit never reached the queue; settle it as failed so
				// the batch ledger can still finish.
				s.logger.Warn().
					Str("batch_id", batch.ID).
					Str("entity", unit.Window.EntityID).
					Err(err).
					Msg("Failed to enqueue unit")
				if recErr := s.monitor.RecordFailure(ctx, batch.ID, unit); recErr != nil {
					s.logger.Warn().Str("batch_id", batch.ID).Err(recErr).Msg("Failed to record enqueue failure")
				}
				continue
			}
			result.Dispatched++
		}

	case interfaces.ModeSync:
		for _, unit := range units {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.runInline(ctx, batch.ID, unit)
			result.Dispatched++
		}
	}

	return nil
}

// enqueue adds a unit to the queue and broadcasts a "unit_queued" event.
func (s *Service) enqueue(ctx context.Context, unit *models.WorkUnit) error {
	if err := s.storage.UnitQueue().Enqueue(ctx, unit); err != nil {
		return err
	}

	if s.hub != nil {
		pending, _ := s.storage.UnitQueue().CountPending(ctx)
		s.hub.Broadcast(models.BatchEvent{
			Type:      models.EventUnitQueued,
			Unit:      unit,
			Timestamp: time.Now(),
			Backlog:   pending,
		})
	}

	return nil
}

// runInline executes a unit in the caller's goroutine with the same retry
// budget a queued unit would get, then records the outcome on its batch.
func (s *Service) runInline(ctx context.Context, batchID string, unit *models.WorkUnit) {
	start := time.Now()

	var execErr error
	for unit.Attempts = 1; ; unit.Attempts++ {
		execErr = s.executor.Execute(ctx, unit)
		if execErr == nil || !retryable(execErr) || unit.Attempts >= unit.MaxAttempts {
			break
		}
		s.logger.Warn().
			Str("entity", unit.Window.EntityID).
			Str("series", unit.Window.Series).
			Int("attempt", unit.Attempts).
			Err(execErr).
			Msg("Inline unit failed, retrying")
		if ctx.Err() != nil {
			break
		}
	}
	unit.DurationMS = time.Since(start).Milliseconds()

	if execErr != nil {
		unit.Status = models.UnitStatusFailed
		unit.Error = execErr.Error()
		unit.StartedAt = start
		unit.CompletedAt = time.Now()
		// Persist the failed row so ListFailed covers sync-mode runs the
		// same way it covers queued ones.
		if err := s.storage.UnitQueue().Enqueue(ctx, unit); err != nil {
			s.logger.Warn().Str("batch_id", batchID).Err(err).Msg("Failed to persist failed unit")
		}
		if err := s.monitor.RecordFailure(ctx, batchID, unit); err != nil {
			s.logger.Warn().Str("batch_id", batchID).Err(err).Msg("Failed to record unit failure")
		}
		return
	}

	unit.Status = models.UnitStatusProcessed
	if err := s.monitor.RecordSuccess(ctx, batchID, unit); err != nil {
		s.logger.Warn().Str("batch_id", batchID).Err(err).Msg("Failed to record unit success")
	}
}

// Cancel stops a running batch: pending units are withdrawn from the queue
// and the ledger entry is closed. Units already executing run to completion.
func (s *Service) Cancel(ctx context.Context, batchID string) error {
	cancelled, err := s.storage.UnitQueue().CancelByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to cancel units of batch %s: %w", batchID, err)
	}
	if err := s.storage.BatchStore().Cancel(ctx, batchID); err != nil {
		return fmt.Errorf("failed to cancel batch %s: %w", batchID, err)
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Int("units_cancelled", cancelled).
		Msg("Batch cancelled")
	return nil
}

// chunkWindows splits windows into slices of at most size. The final chunk
// may be smaller; it is dispatched like any other.
func chunkWindows(windows []models.FetchWindow, size int) [][]models.FetchWindow {
	if size <= 0 {
		size = len(windows)
	}
	var chunks [][]models.FetchWindow
	for start := 0; start < len(windows); start += size {
		end := start + size
		if end > len(windows) {
			end = len(windows)
		}
		chunks = append(chunks, windows[start:end])
	}
	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
