// Package monitor maintains the batch progress ledger. It is the single
// writer of batch counters: workers report unit outcomes here and the
// monitor translates them into atomic counter moves on the batch store,
// publishing progress events as state changes.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

// EventPublisher receives batch progress events. The dispatch hub satisfies
// this; a nil publisher disables broadcasting.
type EventPublisher interface {
	Broadcast(event models.BatchEvent)
}

// Service implements interfaces.MonitorService over a BatchStore.
type Service struct {
	storage   interfaces.StorageManager
	logger    *common.Logger
	publisher EventPublisher
}

// NewService creates a monitor service. publisher may be nil.
func NewService(storage interfaces.StorageManager, logger *common.Logger, publisher EventPublisher) *Service {
	return &Service{
		storage:   storage,
		logger:    logger,
		publisher: publisher,
	}
}

var _ interfaces.MonitorService = (*Service)(nil)

// CreateBatch opens a new ledger entry in running state with all units pending.
func (s *Service) CreateBatch(ctx context.Context, name string, totalUnits int) (*models.Batch, error) {
	if totalUnits <= 0 {
		return nil, fmt.Errorf("batch %q must contain at least one unit", name)
	}

	batch := &models.Batch{
		Name:  name,
		Total: totalUnits,
	}
	if err := s.storage.BatchStore().Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch %q: %w", name, err)
	}

	s.logger.Info().
		Str("batch_id", batch.ID).
		Str("name", batch.Name).
		Int("total", batch.Total).
		Msg("Batch created")

	return batch, nil
}

// RecordSuccess moves one unit from pending to processed.
func (s *Service) RecordSuccess(ctx context.Context, batchID string, unit *models.WorkUnit) error {
	batch, err := s.storage.BatchStore().AddProcessed(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to record success on batch %s: %w", batchID, err)
	}
	s.publish(models.EventUnitProcessed, batch, unit)
	s.finishIfDone(batch)
	return nil
}

// RecordFailure moves one unit from pending to failed.
func (s *Service) RecordFailure(ctx context.Context, batchID string, unit *models.WorkUnit) error {
	batch, err := s.storage.BatchStore().AddFailed(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to record failure on batch %s: %w", batchID, err)
	}
	s.publish(models.EventUnitFailed, batch, unit)
	s.finishIfDone(batch)
	return nil
}

// Status returns the current ledger entry for a batch.
func (s *Service) Status(ctx context.Context, batchID string) (*models.Batch, error) {
	batch, err := s.storage.BatchStore().Get(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", batchID, err)
	}
	return batch, nil
}

// List returns batches matching the filter options.
func (s *Service) List(ctx context.Context, opts interfaces.BatchListOptions) ([]*models.Batch, error) {
	batches, err := s.storage.BatchStore().List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

// finishIfDone logs and broadcasts the terminal transition once the store
// reports the batch has left running state.
func (s *Service) finishIfDone(batch *models.Batch) {
	if batch == nil || !batch.Finished() {
		return
	}

	evt := s.logger.Info()
	if batch.Status == models.BatchStatusPartialFailure {
		evt = s.logger.Warn()
	}
	evt.
		Str("batch_id", batch.ID).
		Str("name", batch.Name).
		Str("status", batch.Status).
		Int("processed", batch.Processed).
		Int("failed", batch.Failed).
		Msg("Batch finished")

	s.publish(models.EventBatchFinished, batch, nil)
}

func (s *Service) publish(eventType string, batch *models.Batch, unit *models.WorkUnit) {
	if s.publisher == nil {
		return
	}
	s.publisher.Broadcast(models.BatchEvent{
		Type:      eventType,
		Batch:     batch,
		Unit:      unit,
		Timestamp: time.Now(),
	})
}
