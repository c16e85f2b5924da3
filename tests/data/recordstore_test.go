package data

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/tidemark/internal/models"
)

func newBar(entityID string, date string, close float64) *models.Record {
	return &models.Record{
		EntityID:   entityID,
		Series:     models.SeriesEOD,
		Resolution: models.ResolutionDaily,
		Timestamp:  day(date),
		Values: map[string]float64{
			"open":   close - 0.5,
			"high":   close + 1,
			"low":    close - 1,
			"close":  close,
			"volume": 100000,
		},
	}
}

func TestRecordUpsertIsIdempotent(t *testing.T) {
	mgr := testManager(t)
	store := mgr.RecordStore()
	ctx := testContext()

	page := []*models.Record{
		newBar("BHP.AU", "2024-01-02", 45.1),
		newBar("BHP.AU", "2024-01-03", 45.8),
		newBar("BHP.AU", "2024-01-04", 46.0),
	}

	first, err := store.Upsert(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Accepted)
	assert.Zero(t, first.Dropped)

	// Re-upserting the same page leaves the table unchanged
	second, err := store.Upsert(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Accepted)

	count, err := store.Count(ctx, "BHP.AU", models.SeriesEOD)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRecordUpsertOverwritesValuesOnly(t *testing.T) {
	mgr := testManager(t)
	store := mgr.RecordStore()
	ctx := testContext()

	original := newBar("BHP.AU", "2024-01-02", 45.1)
	_, err := store.Upsert(ctx, []*models.Record{original})
	require.NoError(t, err)

	// Upstream correction for the same key
	corrected := newBar("BHP.AU", "2024-01-02", 45.4)
	_, err = store.Upsert(ctx, []*models.Record{corrected})
	require.NoError(t, err)

	rows, err := store.GetRange(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily,
		day("2024-01-01"), day("2024-01-05"))
	require.NoError(t, err)
	require.Len(t, rows, 1, "a corrected bar replaces, never duplicates")
	assert.Equal(t, 45.4, rows[0].Values["close"])
	assert.False(t, rows[0].CreatedAt.IsZero())
}

func TestRecordUpsertQuarantinesInvalidRows(t *testing.T) {
	mgr := testManager(t)
	store := mgr.RecordStore()
	ctx := testContext()

	bad := newBar("BHP.AU", "2024-01-03", 45.0)
	bad.Values["close"] = math.NaN()
	absurd := newBar("BHP.AU", "2024-01-04", 45.0)
	absurd.Values["close"] = 45000000 // price off by orders of magnitude

	result, err := store.Upsert(ctx, []*models.Record{
		newBar("BHP.AU", "2024-01-02", 45.1),
		bad,
		absurd,
	})
	require.NoError(t, err, "invalid rows are dropped, not fatal to the page")
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2, result.Dropped)

	count, err := store.Count(ctx, "BHP.AU", models.SeriesEOD)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordRangeQueryBounds(t *testing.T) {
	mgr := testManager(t)
	store := mgr.RecordStore()
	ctx := testContext()

	var page []*models.Record
	for d := 2; d <= 10; d++ {
		page = append(page, newBar("CBA.AU", time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC).Format("2006-01-02"), 100+float64(d)))
	}
	_, err := store.Upsert(ctx, page)
	require.NoError(t, err)

	rows, err := store.GetRange(ctx, "CBA.AU", models.SeriesEOD, models.ResolutionDaily,
		day("2024-01-04"), day("2024-01-06"))
	require.NoError(t, err)
	assert.Len(t, rows, 3, "range bounds are inclusive")
}

func TestRecordPeriodKeyedFundamentals(t *testing.T) {
	mgr := testManager(t)
	store := mgr.RecordStore()
	ctx := testContext()

	quarter := &models.Record{
		EntityID:  "BHP.AU",
		Series:    models.SeriesFundamentals,
		PeriodKey: "2024-Q1",
		Values:    map[string]float64{"eps": 1.42, "revenue": 13_500_000_000},
	}

	result, err := store.Upsert(ctx, []*models.Record{quarter})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	// Same period key upserts in place
	quarter.Values["eps"] = 1.45
	_, err = store.Upsert(ctx, []*models.Record{quarter})
	require.NoError(t, err)

	count, err := store.Count(ctx, "BHP.AU", models.SeriesFundamentals)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
