package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobmcallan/tidemark/internal/clients/feed"
	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

// Executor runs one work unit end to end: fetch the window from the feed,
// persist the records, advance the watermark. It mutates the unit's outcome
// counters in place so the queue records what each attempt actually did.
type Executor struct {
	client  interfaces.FeedClient
	storage interfaces.StorageManager
	logger  *common.Logger
}

// NewExecutor creates a unit executor.
func NewExecutor(client interfaces.FeedClient, storage interfaces.StorageManager, logger *common.Logger) *Executor {
	return &Executor{
		client:  client,
		storage: storage,
		logger:  logger,
	}
}

// Execute performs the fetch-persist-advance pipeline for a unit. The
// watermark only advances after the window's records are durably stored, so
// a failure at any stage leaves the window re-plannable.
func (e *Executor) Execute(ctx context.Context, unit *models.WorkUnit) error {
	window := unit.Window

	records, err := e.client.FetchWindow(ctx, window)
	if err != nil {
		return fmt.Errorf("fetch %s %s [%s..%s]: %w",
			window.EntityID, window.Series,
			window.From.Format("2006-01-02"), window.To.Format("2006-01-02"), err)
	}
	unit.Fetched = len(records)

	if len(records) > 0 {
		result, err := e.storage.RecordStore().Upsert(ctx, records)
		if err != nil {
			return fmt.Errorf("persist %s %s: %w", window.EntityID, window.Series, err)
		}
		unit.Accepted = result.Accepted
		unit.Dropped = result.Dropped
	}

	// An empty window is still a confirmed sync: upstream said there is no
	// data, so the watermark moves past it.
	if err := e.storage.WatermarkStore().Advance(ctx, window.EntityID, window.Series, window.Resolution, window.To); err != nil {
		return fmt.Errorf("advance watermark %s %s: %w", window.EntityID, window.Series, err)
	}

	e.logger.Debug().
		Str("entity", window.EntityID).
		Str("series", window.Series).
		Str("from", window.From.Format("2006-01-02")).
		Str("to", window.To.Format("2006-01-02")).
		Int("fetched", unit.Fetched).
		Int("accepted", unit.Accepted).
		Int("dropped", unit.Dropped).
		Msg("Unit executed")

	return nil
}

// retryable reports whether a unit failure may succeed on a later attempt.
// Terminal feed errors (4xx other than 429) are not retried; everything else
// (exhausted transient feed errors, storage errors) is.
func retryable(err error) bool {
	var apiErr *feed.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return true
}
