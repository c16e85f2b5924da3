// Package planner computes the minimal set of fetch windows per entity from
// stored watermarks, the redundancy overlap, and the historical floor.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

// ErrExcessiveSpan is returned when slicing would produce more windows than
// the configured sanity bound. Callers treat it as "skip this entity this
// run" rather than a fatal error.
var ErrExcessiveSpan = errors.New("planned span exceeds sanity bound")

// Service implements interfaces.PlannerService.
type Service struct {
	storage interfaces.StorageManager
	logger  *common.Logger
	config  common.SyncConfig

	now func() time.Time
}

// NewService creates a new planner.
func NewService(storage interfaces.StorageManager, logger *common.Logger, config common.SyncConfig) *Service {
	return &Service{
		storage: storage,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// dateOnly truncates a timestamp to its UTC calendar date.
func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// PlanWindows computes the fetch windows for one entity+series.
//
// Explicit caller date filters are honored exactly as a single window. With
// no filter the start is derived from the stored watermark minus the
// redundancy overlap, clamped to the historical floor, and the span up to
// today is sliced into windows of at most WindowDays each.
func (s *Service) PlanWindows(ctx context.Context, entityID, series, resolution string, opts interfaces.PlanOptions) ([]models.FetchWindow, error) {
	if resolution == "" {
		resolution = models.DefaultResolution(series)
	}

	if opts.Explicit() {
		window := models.FetchWindow{
			EntityID:   entityID,
			Series:     series,
			Resolution: resolution,
			From:       dateOnly(opts.From),
			To:         dateOnly(opts.To),
		}
		if !window.Valid() {
			return nil, fmt.Errorf("explicit date filter inverted: %s after %s",
				opts.From.Format("2006-01-02"), opts.To.Format("2006-01-02"))
		}
		return []models.FetchWindow{window}, nil
	}

	floor := dateOnly(s.config.GetHistoricalFloor())
	end := dateOnly(s.now())

	wm, err := s.storage.WatermarkStore().Get(ctx, entityID, series, resolution)
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}

	var start time.Time
	if wm != nil {
		start = dateOnly(wm.High).AddDate(0, 0, -s.config.RedundancyDays)
	} else {
		start = floor
	}
	if start.Before(floor) {
		start = floor
	}

	if start.After(end) {
		s.logger.Debug().
			Str("entity", entityID).
			Str("series", series).
			Msg("Planner: already up to date, nothing to fetch")
		return nil, nil
	}

	spanDays := int(end.Sub(start).Hours()/24) + 1
	slices := (spanDays + s.config.WindowDays - 1) / s.config.WindowDays
	if slices > s.config.MaxWindowSlices {
		s.logger.Warn().
			Str("entity", entityID).
			Str("series", series).
			Int("span_days", spanDays).
			Int("slices", slices).
			Int("max_slices", s.config.MaxWindowSlices).
			Msg("Planner: excessive span, skipping entity this run")
		return nil, ErrExcessiveSpan
	}

	windows := make([]models.FetchWindow, 0, slices)
	for from := start; !from.After(end); from = from.AddDate(0, 0, s.config.WindowDays) {
		to := from.AddDate(0, 0, s.config.WindowDays-1)
		if to.After(end) {
			to = end
		}
		windows = append(windows, models.FetchWindow{
			EntityID:   entityID,
			Series:     series,
			Resolution: resolution,
			From:       from,
			To:         to,
		})
	}

	s.logger.Debug().
		Str("entity", entityID).
		Str("series", series).
		Str("start", start.Format("2006-01-02")).
		Str("end", end.Format("2006-01-02")).
		Int("windows", len(windows)).
		Msg("Planner: windows planned")

	return windows, nil
}

// Ensure Service implements PlannerService
var _ interfaces.PlannerService = (*Service)(nil)
