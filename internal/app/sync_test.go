package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/tidemark/internal/clients/feed"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

func seedEntities(storage *memStorage, symbols ...string) {
	for _, sym := range symbols {
		storage.entities.entities[sym] = &models.Entity{Symbol: sym, Active: true}
	}
}

func TestRunSyncSyncModePersistsAndAdvances(t *testing.T) {
	client := newStubFeedClient()
	a, storage := newTestApp(client, syncTestConfig())
	storage.entities.entities["BHP.AU"] = &models.Entity{Symbol: "BHP.AU", Active: true}

	summary, err := a.RunSync(context.Background(), SyncOptions{Mode: interfaces.ModeSync})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Entities)
	assert.Greater(t, summary.Planned, 0)
	assert.Equal(t, summary.Units, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.False(t, summary.AnyFailure())

	// Watermark reached today
	mark, err := storage.watermarks.Get(context.Background(), "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NoError(t, err)
	require.NotNil(t, mark)
	today := time.Now().UTC().Truncate(24 * time.Hour)
	assert.False(t, mark.High.Before(today))

	count, _ := storage.records.Count(context.Background(), "BHP.AU", models.SeriesEOD)
	assert.Greater(t, count, 0)
}

func TestRunSyncSecondPassIsIncremental(t *testing.T) {
	client := newStubFeedClient()
	a, storage := newTestApp(client, syncTestConfig())
	seedEntities(storage, "BHP.AU")
	ctx := context.Background()

	first, err := a.RunSync(ctx, SyncOptions{Mode: interfaces.ModeSync})
	require.NoError(t, err)

	second, err := a.RunSync(ctx, SyncOptions{Mode: interfaces.ModeSync})
	require.NoError(t, err)

	assert.Less(t, second.Planned, first.Planned,
		"an up-to-date entity replans only the redundancy overlap")
	assert.LessOrEqual(t, second.Planned, 1)
}

func TestRunSyncIsolatesEntityFailures(t *testing.T) {
	client := newStubFeedClient()
	client.terminalErr["BAD.AU"] = &feed.APIError{StatusCode: 404, Message: "unknown symbol"}
	a, storage := newTestApp(client, syncTestConfig())
	seedEntities(storage, "BHP.AU", "BAD.AU", "CBA.AU")

	summary, err := a.RunSync(context.Background(), SyncOptions{Mode: interfaces.ModeSync})
	require.NoError(t, err, "a failing entity must not abort the run")

	assert.Equal(t, 3, summary.Entities)
	assert.Greater(t, summary.Failed, 0)
	assert.Greater(t, summary.Processed, 0)
	assert.True(t, summary.AnyFailure())

	// The healthy entities still advanced
	mark, _ := storage.watermarks.Get(context.Background(), "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	assert.NotNil(t, mark)
	bad, _ := storage.watermarks.Get(context.Background(), "BAD.AU", models.SeriesEOD, models.ResolutionDaily)
	assert.Nil(t, bad)
}

func TestRunSyncExplicitWindowBypassesWatermark(t *testing.T) {
	client := newStubFeedClient()
	a, storage := newTestApp(client, syncTestConfig())
	seedEntities(storage, "BHP.AU")

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	summary, err := a.RunSync(context.Background(), SyncOptions{
		Entities: []string{"BHP.AU"},
		Mode:     interfaces.ModeSync,
		From:     from,
		To:       to,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Planned, "an explicit filter is one window, no auto-windowing")

	mark, _ := storage.watermarks.Get(context.Background(), "BHP.AU", models.SeriesEOD, models.ResolutionDaily)
	require.NotNil(t, mark)
	assert.Equal(t, to, mark.High)
}

func TestRunSyncQueuedWithWorkersDrains(t *testing.T) {
	client := newStubFeedClient()
	a, storage := newTestApp(client, syncTestConfig())
	seedEntities(storage, "BHP.AU", "CBA.AU")

	a.Workers.Start()
	defer a.Workers.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	summary, err := a.RunSync(ctx, SyncOptions{Mode: interfaces.ModeQueued, Wait: true})
	require.NoError(t, err)

	assert.Equal(t, summary.Units, summary.Processed)
	assert.Zero(t, summary.Failed)

	pending, _ := storage.queue.CountPending(context.Background())
	assert.Zero(t, pending)
}

func TestRunSyncEmptyIndexFails(t *testing.T) {
	a, _ := newTestApp(newStubFeedClient(), syncTestConfig())

	_, err := a.RunSync(context.Background(), SyncOptions{Mode: interfaces.ModeSync})
	require.Error(t, err)
}

func TestCollectCatalogUpsertsEntities(t *testing.T) {
	client := newStubFeedClient()
	client.symbols = []*models.Entity{
		{Symbol: "BHP.AU", Code: "BHP", Exchange: "AU", Name: "BHP Group", Active: true},
		{Symbol: "CBA.AU", Code: "CBA", Exchange: "AU", Name: "Commonwealth Bank", Active: true},
	}
	a, storage := newTestApp(client, syncTestConfig())

	count, err := a.CollectCatalog(context.Background(), "AU")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	active, err := storage.entities.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestPurgeRemovesOnlyOldFinishedWork(t *testing.T) {
	a, storage := newTestApp(newStubFeedClient(), syncTestConfig())
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour)
	storage.queue.units["stale"] = &models.WorkUnit{ID: "stale", Status: models.UnitStatusProcessed, CompletedAt: old}
	storage.queue.order = append(storage.queue.order, "stale")
	storage.queue.units["fresh"] = &models.WorkUnit{ID: "fresh", Status: models.UnitStatusProcessed, CompletedAt: time.Now()}
	storage.queue.order = append(storage.queue.order, "fresh")
	storage.batches.batches["b1"] = &models.Batch{ID: "b1", Status: models.BatchStatusComplete, CompletedAt: old}

	units, batches, err := a.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, units)
	assert.Equal(t, 1, batches)

	_, ok := storage.queue.units["fresh"]
	assert.True(t, ok)
}
