package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
	"github.com/bobmcallan/tidemark/internal/services/planner"
)

// SyncOptions selects what a sync run covers and how it executes.
type SyncOptions struct {
	Entities   []string // empty means every active entity in the index
	Series     []string // empty means daily EOD bars
	Resolution string   // empty means the series default

	Mode string // interfaces.ModeQueued or interfaces.ModeSync

	// Explicit date filter; both must be set to take effect.
	From time.Time
	To   time.Time

	// Wait blocks a queued-mode run until every dispatched batch finishes.
	Wait bool
}

// SyncSummary aggregates per-step outcomes of one sync run.
type SyncSummary struct {
	Entities  int `json:"entities"`
	Planned   int `json:"planned_windows"`
	Skipped   int `json:"skipped"` // entity+series skipped on planning anomaly or error
	Batches   int `json:"batches"`
	Units     int `json:"units"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`

	Elapsed time.Duration `json:"elapsed"`
}

// AnyFailure reports whether any step of the run failed. The run still
// completes every step it can; this only decides the process exit code.
func (s *SyncSummary) AnyFailure() bool {
	return s.Failed > 0 || s.Skipped > 0
}

// String renders the operator-facing run summary.
func (s *SyncSummary) String() string {
	return fmt.Sprintf("entities=%d windows=%d batches=%d units=%d processed=%d failed=%d skipped=%d elapsed=%s",
		s.Entities, s.Planned, s.Batches, s.Units, s.Processed, s.Failed, s.Skipped, s.Elapsed.Round(time.Millisecond))
}

// RunSync plans and dispatches one sync pass over the selected entities and
// series. Failures are isolated per entity+series: a planning error or
// excessive span skips that pair and the run continues.
func (a *App) RunSync(ctx context.Context, opts SyncOptions) (*SyncSummary, error) {
	start := time.Now()

	mode := opts.Mode
	if mode == "" {
		mode = interfaces.ModeQueued
	}

	entities, err := a.resolveEntities(ctx, opts.Entities)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("no entities to sync: the symbol index is empty and no entity filter was given")
	}

	series := opts.Series
	if len(series) == 0 {
		series = []string{models.SeriesEOD}
	}

	summary := &SyncSummary{Entities: len(entities)}
	planOpts := interfaces.PlanOptions{From: opts.From, To: opts.To}

	var windows []models.FetchWindow
	for _, entityID := range entities {
		for _, kind := range series {
			resolution := opts.Resolution
			if resolution == "" {
				resolution = models.DefaultResolution(kind)
			}

			planned, err := a.Planner.PlanWindows(ctx, entityID, kind, resolution, planOpts)
			if err != nil {
				summary.Skipped++
				if errors.Is(err, planner.ErrExcessiveSpan) {
					a.Logger.Warn().
						Str("entity", entityID).
						Str("series", kind).
						Msg("Skipping entity: planned span exceeds sanity bound")
				} else {
					a.Logger.Warn().
						Str("entity", entityID).
						Str("series", kind).
						Err(err).
						Msg("Skipping entity: planning failed")
				}
				continue
			}
			windows = append(windows, planned...)
		}
	}
	summary.Planned = len(windows)

	if len(windows) == 0 {
		summary.Elapsed = time.Since(start)
		a.Logger.Info().Str("summary", summary.String()).Msg("Sync run complete, nothing to fetch")
		return summary, nil
	}

	name := syncName(series)
	result, err := a.Dispatch.Dispatch(ctx, name, windows, mode)
	if err != nil {
		summary.Elapsed = time.Since(start)
		return summary, fmt.Errorf("dispatch failed: %w", err)
	}
	summary.Batches = len(result.Batches)
	summary.Units = result.Units

	if mode == interfaces.ModeQueued && opts.Wait {
		if err := a.waitForBatches(ctx, result.Batches); err != nil {
			summary.Elapsed = time.Since(start)
			return summary, err
		}
	}

	// Refresh ledger entries for final counters
	for _, batch := range result.Batches {
		current, err := a.Monitor.Status(ctx, batch.ID)
		if err != nil {
			a.Logger.Warn().Str("batch_id", batch.ID).Err(err).Msg("Failed to read final batch status")
			continue
		}
		summary.Processed += current.Processed
		summary.Failed += current.Failed
	}

	summary.Elapsed = time.Since(start)
	a.Logger.Info().Str("summary", summary.String()).Msg("Sync run complete")
	return summary, nil
}

// resolveEntities expands an empty filter to every active indexed entity.
func (a *App) resolveEntities(ctx context.Context, filter []string) ([]string, error) {
	if len(filter) > 0 {
		return filter, nil
	}

	indexed, err := a.Storage.EntityStore().ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active entities: %w", err)
	}
	symbols := make([]string, 0, len(indexed))
	for _, entity := range indexed {
		symbols = append(symbols, entity.Symbol)
	}
	return symbols, nil
}

// waitForBatches polls the ledger until every batch finishes.
func (a *App) waitForBatches(ctx context.Context, batches []*models.Batch) error {
	remaining := make(map[string]bool, len(batches))
	for _, b := range batches {
		remaining[b.ID] = true
	}

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}

		for id := range remaining {
			batch, err := a.Monitor.Status(ctx, id)
			if err != nil {
				a.Logger.Warn().Str("batch_id", id).Err(err).Msg("Failed to poll batch status")
				continue
			}
			if batch.Finished() {
				delete(remaining, id)
			}
		}
	}
	return nil
}

// CollectCatalog pulls the upstream symbol list for an exchange and upserts
// each entity into the symbol index.
func (a *App) CollectCatalog(ctx context.Context, exchange string) (int, error) {
	entities, err := a.FeedClient.ListSymbols(ctx, exchange)
	if err != nil {
		return 0, fmt.Errorf("failed to list symbols for %s: %w", exchange, err)
	}

	upserted := 0
	for _, entity := range entities {
		if err := a.Storage.EntityStore().Upsert(ctx, entity); err != nil {
			a.Logger.Warn().Str("symbol", entity.Symbol).Err(err).Msg("Failed to upsert entity")
			continue
		}
		upserted++
	}

	a.Logger.Info().
		Str("exchange", exchange).
		Int("listed", len(entities)).
		Int("upserted", upserted).
		Msg("Catalog collected")
	return upserted, nil
}

// Purge removes finished units and batches older than the configured
// retention cutoff. This is an operator action, never run by workers.
func (a *App) Purge(ctx context.Context) (units, batches int, err error) {
	cutoff := time.Now().Add(-a.Config.Workers.GetPurgeAfter())

	units, err = a.Storage.UnitQueue().PurgeFinished(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge finished units: %w", err)
	}
	batches, err = a.Storage.BatchStore().PurgeFinished(ctx, cutoff)
	if err != nil {
		return units, 0, fmt.Errorf("failed to purge finished batches: %w", err)
	}

	a.Logger.Info().
		Int("units", units).
		Int("batches", batches).
		Time("cutoff", cutoff).
		Msg("Purged finished work")
	return units, batches, nil
}

// syncName derives the dispatch name from the series list and run date.
func syncName(series []string) string {
	return fmt.Sprintf("sync-%s-%s", strings.Join(series, "+"), time.Now().Format("20060102-150405"))
}
