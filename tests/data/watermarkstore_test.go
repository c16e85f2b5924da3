package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/tidemark/internal/models"
)

func TestWatermarkAbsentMeansNeverSynced(t *testing.T) {
	mgr := testManager(t)
	store := mgr.WatermarkStore()
	ctx := testContext()

	mark, err := store.Get(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NoError(t, err)
	assert.Nil(t, mark)
}

func TestWatermarkAdvanceAndGet(t *testing.T) {
	mgr := testManager(t)
	store := mgr.WatermarkStore()
	ctx := testContext()

	require.NoError(t, store.Advance(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily, day("2024-03-15")))

	mark, err := store.Get(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.Equal(t, "BHP.AU", mark.EntityID)
	assert.True(t, mark.High.Equal(day("2024-03-15")))
}

func TestWatermarkIsMonotonic(t *testing.T) {
	mgr := testManager(t)
	store := mgr.WatermarkStore()
	ctx := testContext()

	require.NoError(t, store.Advance(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily, day("2024-03-15")))

	// An out-of-order completion for an earlier window must not move it back
	require.NoError(t, store.Advance(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily, day("2024-02-01")))

	mark, err := store.Get(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.True(t, mark.High.Equal(day("2024-03-15")), "watermarks never decrease")

	// Forward movement still works
	require.NoError(t, store.Advance(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily, day("2024-04-01")))
	mark, err = store.Get(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NoError(t, err)
	assert.True(t, mark.High.Equal(day("2024-04-01")))
}

func TestWatermarksAreTupleScoped(t *testing.T) {
	mgr := testManager(t)
	store := mgr.WatermarkStore()
	ctx := testContext()

	require.NoError(t, store.Advance(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily, day("2024-03-15")))
	require.NoError(t, store.Advance(ctx, "BHP.AU", models.SeriesIntraday, models.ResolutionHourly, day("2024-01-10")))

	eod, err := store.Get(ctx, "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NoError(t, err)
	intraday, err := store.Get(ctx, "BHP.AU", models.SeriesIntraday, models.ResolutionHourly)
	require.NoError(t, err)

	assert.True(t, eod.High.Equal(day("2024-03-15")))
	assert.True(t, intraday.High.Equal(day("2024-01-10")))

	other, err := store.Get(ctx, "CBA.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NoError(t, err)
	assert.Nil(t, other)
}
