package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

// --- mocks ---

type mockWatermarkStore struct {
	marks map[string]*models.Watermark
	err   error
}

func (m *mockWatermarkStore) Get(_ context.Context, entityID, series, resolution string) (*models.Watermark, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.marks[entityID+"|"+series+"|"+resolution], nil
}

func (m *mockWatermarkStore) Advance(_ context.Context, _, _, _ string, _ time.Time) error {
	return nil
}

type mockStorage struct {
	watermarks *mockWatermarkStore
}

func (m *mockStorage) RecordStore() interfaces.RecordStore       { return nil }
func (m *mockStorage) WatermarkStore() interfaces.WatermarkStore { return m.watermarks }
func (m *mockStorage) BatchStore() interfaces.BatchStore         { return nil }
func (m *mockStorage) UnitQueue() interfaces.UnitQueueStore      { return nil }
func (m *mockStorage) EntityStore() interfaces.EntityStore       { return nil }
func (m *mockStorage) Close() error                              { return nil }

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestPlanner(cfg common.SyncConfig, marks map[string]*models.Watermark, now string) *Service {
	s := NewService(
		&mockStorage{watermarks: &mockWatermarkStore{marks: marks}},
		common.NewSilentLogger(),
		cfg,
	)
	s.now = func() time.Time { return date(now) }
	return s
}

func baseConfig() common.SyncConfig {
	return common.SyncConfig{
		BatchSize:       10,
		WindowDays:      20,
		RedundancyDays:  10,
		HistoricalFloor: "2020-01-01",
		MaxUnitAttempts: 3,
		MaxWindowSlices: 500,
	}
}

// --- tests ---

func TestPlanWindowsNoWatermarkStartsAtFloor(t *testing.T) {
	s := newTestPlanner(baseConfig(), nil, "2020-02-15")

	windows, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", interfaces.PlanOptions{})
	require.NoError(t, err)
	require.Len(t, windows, 3)

	assert.Equal(t, date("2020-01-01"), windows[0].From)
	assert.Equal(t, date("2020-01-20"), windows[0].To)
	assert.Equal(t, date("2020-01-21"), windows[1].From)
	assert.Equal(t, date("2020-02-09"), windows[1].To)
	assert.Equal(t, date("2020-02-10"), windows[2].From)
	assert.Equal(t, date("2020-02-15"), windows[2].To)
}

func TestPlanWindowsWatermarkWithRedundancy(t *testing.T) {
	marks := map[string]*models.Watermark{
		"E.AU|eod|d": {EntityID: "E.AU", Series: models.SeriesEOD, Resolution: "d", High: date("2024-06-01")},
	}
	s := newTestPlanner(baseConfig(), marks, "2024-06-05")

	windows, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", interfaces.PlanOptions{})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, date("2024-05-22"), windows[0].From)
	assert.Equal(t, date("2024-06-05"), windows[0].To)
}

func TestPlanWindowsClampsToHistoricalFloor(t *testing.T) {
	marks := map[string]*models.Watermark{
		"E.AU|eod|d": {High: date("2020-01-04")},
	}
	s := newTestPlanner(baseConfig(), marks, "2020-01-10")

	windows, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", interfaces.PlanOptions{})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, date("2020-01-01"), windows[0].From, "watermark minus redundancy never precedes the floor")
}

func TestPlanWindowsUpToDateEmitsNothing(t *testing.T) {
	marks := map[string]*models.Watermark{
		"E.AU|eod|d": {High: date("2024-06-20")},
	}
	cfg := baseConfig()
	cfg.RedundancyDays = 0
	s := newTestPlanner(cfg, marks, "2024-06-19")

	windows, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", interfaces.PlanOptions{})
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestPlanWindowsCoverageIsContiguous(t *testing.T) {
	s := newTestPlanner(baseConfig(), nil, "2023-09-14")

	windows, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", interfaces.PlanOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, windows)

	assert.Equal(t, date("2020-01-01"), windows[0].From)
	assert.Equal(t, date("2023-09-14"), windows[len(windows)-1].To)
	for i, w := range windows {
		assert.True(t, w.Valid())
		assert.LessOrEqual(t, w.Days(), 20)
		if i > 0 {
			assert.Equal(t, windows[i-1].To.AddDate(0, 0, 1), w.From,
				"window %d must start the day after its predecessor ends", i)
		}
	}
}

func TestPlanWindowsExplicitFilterBypassesHeuristics(t *testing.T) {
	marks := map[string]*models.Watermark{
		"E.AU|eod|d": {High: date("2024-06-01")},
	}
	s := newTestPlanner(baseConfig(), marks, "2024-06-05")

	opts := interfaces.PlanOptions{From: date("2019-03-01"), To: date("2019-12-31")}
	windows, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", opts)
	require.NoError(t, err)
	require.Len(t, windows, 1, "explicit filters are a single window, no auto-windowing")
	assert.Equal(t, date("2019-03-01"), windows[0].From)
	assert.Equal(t, date("2019-12-31"), windows[0].To)
}

func TestPlanWindowsExplicitFilterInverted(t *testing.T) {
	s := newTestPlanner(baseConfig(), nil, "2024-06-05")

	opts := interfaces.PlanOptions{From: date("2024-02-01"), To: date("2024-01-01")}
	_, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", opts)
	require.Error(t, err)
}

func TestPlanWindowsExcessiveSpanAborts(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxWindowSlices = 5
	s := newTestPlanner(cfg, nil, "2024-06-05") // ~4.5 years / 20 days >> 5 slices

	_, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", interfaces.PlanOptions{})
	require.ErrorIs(t, err, ErrExcessiveSpan)
}

func TestPlanWindowsWatermarkReadFailure(t *testing.T) {
	s := NewService(
		&mockStorage{watermarks: &mockWatermarkStore{err: errors.New("store offline")}},
		common.NewSilentLogger(),
		baseConfig(),
	)

	_, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesEOD, "", interfaces.PlanOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExcessiveSpan)
}

func TestPlanWindowsDefaultsResolution(t *testing.T) {
	s := newTestPlanner(baseConfig(), nil, "2020-01-05")

	windows, err := s.PlanWindows(context.Background(), "E.AU", models.SeriesIntraday, "", interfaces.PlanOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, windows)
	assert.Equal(t, models.ResolutionHourly, windows[0].Resolution)
}
