package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
	"github.com/bobmcallan/tidemark/internal/services/dispatch"
	"github.com/bobmcallan/tidemark/internal/services/monitor"
	"github.com/bobmcallan/tidemark/internal/services/planner"
	"github.com/bobmcallan/tidemark/internal/services/supervisor"
)

// In-memory storage doubles so the full plan-dispatch-persist path can run
// without a database.

type memRecordStore struct {
	mu   sync.Mutex
	rows map[string]*models.Record
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{rows: make(map[string]*models.Record)}
}

func (m *memRecordStore) Upsert(_ context.Context, records []*models.Record) (interfaces.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.rows[rec.Key()] = rec
	}
	return interfaces.UpsertResult{Accepted: len(records)}, nil
}

func (m *memRecordStore) GetRange(_ context.Context, _, _, _ string, _, _ time.Time) ([]*models.Record, error) {
	return nil, nil
}

func (m *memRecordStore) Count(_ context.Context, _, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows), nil
}

type memWatermarkStore struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func newMemWatermarkStore() *memWatermarkStore {
	return &memWatermarkStore{marks: make(map[string]time.Time)}
}

func (m *memWatermarkStore) key(entityID, series, resolution string) string {
	return entityID + "|" + series + "|" + resolution
}

func (m *memWatermarkStore) Get(_ context.Context, entityID, series, resolution string) (*models.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	high, ok := m.marks[m.key(entityID, series, resolution)]
	if !ok {
		return nil, nil
	}
	return &models.Watermark{EntityID: entityID, Series: series, Resolution: resolution, High: high}, nil
}

func (m *memWatermarkStore) Advance(_ context.Context, entityID, series, resolution string, to time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(entityID, series, resolution)
	if current, ok := m.marks[key]; !ok || current.Before(to) {
		m.marks[key] = to
	}
	return nil
}

type memBatchStore struct {
	mu      sync.Mutex
	batches map[string]*models.Batch
	nextID  int
}

func newMemBatchStore() *memBatchStore {
	return &memBatchStore{batches: make(map[string]*models.Batch)}
}

func (m *memBatchStore) Create(_ context.Context, batch *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	batch.ID = fmt.Sprintf("batch-%d", m.nextID)
	batch.Pending = batch.Total
	batch.Status = models.BatchStatusRunning
	batch.CreatedAt = time.Now()
	m.batches[batch.ID] = batch
	return nil
}

func (m *memBatchStore) Get(_ context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch not found: %s", id)
	}
	copied := *b
	return &copied, nil
}

func (m *memBatchStore) bump(id string, failed bool) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch not found: %s", id)
	}
	b.Pending--
	if failed {
		b.Failed++
	} else {
		b.Processed++
	}
	if b.Pending <= 0 {
		if b.Failed > 0 {
			b.Status = models.BatchStatusPartialFailure
		} else {
			b.Status = models.BatchStatusComplete
		}
		b.CompletedAt = time.Now()
	}
	copied := *b
	return &copied, nil
}

func (m *memBatchStore) AddProcessed(_ context.Context, id string) (*models.Batch, error) {
	return m.bump(id, false)
}

func (m *memBatchStore) AddFailed(_ context.Context, id string) (*models.Batch, error) {
	return m.bump(id, true)
}

func (m *memBatchStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[id]; ok && b.Status == models.BatchStatusRunning {
		b.Status = models.BatchStatusCancelled
	}
	return nil
}

func (m *memBatchStore) List(_ context.Context, opts interfaces.BatchListOptions) ([]*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Batch
	for _, b := range m.batches {
		if opts.ActiveOnly && b.Finished() {
			continue
		}
		if opts.FailedOnly && b.Failed == 0 {
			continue
		}
		copied := *b
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memBatchStore) PurgeFinished(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, b := range m.batches {
		if b.Finished() && b.CompletedAt.Before(olderThan) {
			delete(m.batches, id)
			purged++
		}
	}
	return purged, nil
}

type memUnitQueue struct {
	mu     sync.Mutex
	units  map[string]*models.WorkUnit
	order  []string
	nextID int
}

func newMemUnitQueue() *memUnitQueue {
	return &memUnitQueue{units: make(map[string]*models.WorkUnit)}
}

func (m *memUnitQueue) Enqueue(_ context.Context, unit *models.WorkUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unit.ID == "" {
		m.nextID++
		unit.ID = fmt.Sprintf("unit-%d", m.nextID)
	}
	if unit.Status == "" {
		unit.Status = models.UnitStatusPending
	}
	if unit.MaxAttempts <= 0 {
		unit.MaxAttempts = 3
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now()
	}
	if _, exists := m.units[unit.ID]; !exists {
		m.order = append(m.order, unit.ID)
	}
	m.units[unit.ID] = unit
	return nil
}

func (m *memUnitQueue) Dequeue(_ context.Context) (*models.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, id := range m.order {
		unit := m.units[id]
		if unit.Status != models.UnitStatusPending {
			continue
		}
		if !unit.NextAttemptAt.IsZero() && unit.NextAttemptAt.After(now) {
			continue
		}
		unit.Status = models.UnitStatusRunning
		unit.Attempts++
		unit.StartedAt = now
		return unit, nil
	}
	return nil, nil
}

func (m *memUnitQueue) Complete(_ context.Context, unit *models.WorkUnit, unitErr error, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if unitErr != nil {
		unit.Status = models.UnitStatusFailed
		unit.Error = unitErr.Error()
	} else {
		unit.Status = models.UnitStatusProcessed
	}
	unit.DurationMS = durationMS
	unit.CompletedAt = time.Now()
	return nil
}

func (m *memUnitQueue) countByStatus(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, unit := range m.units {
		if unit.Status == status {
			count++
		}
	}
	return count
}

func (m *memUnitQueue) CountPending(_ context.Context) (int, error) {
	return m.countByStatus(models.UnitStatusPending), nil
}

func (m *memUnitQueue) CountFailed(_ context.Context) (int, error) {
	return m.countByStatus(models.UnitStatusFailed), nil
}

func (m *memUnitQueue) ListFailed(_ context.Context, limit int) ([]*models.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WorkUnit
	for _, id := range m.order {
		if unit := m.units[id]; unit.Status == models.UnitStatusFailed {
			out = append(out, unit)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memUnitQueue) ResetRunning(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, unit := range m.units {
		if unit.Status == models.UnitStatusRunning {
			unit.Status = models.UnitStatusPending
			count++
		}
	}
	return count, nil
}

func (m *memUnitQueue) CancelByBatch(_ context.Context, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, unit := range m.units {
		if unit.BatchID == batchID && unit.Status == models.UnitStatusPending {
			unit.Status = models.UnitStatusCancelled
			count++
		}
	}
	return count, nil
}

func (m *memUnitQueue) PurgeFinished(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, unit := range m.units {
		if unit.Terminal() && unit.CompletedAt.Before(olderThan) {
			delete(m.units, id)
			purged++
		}
	}
	return purged, nil
}

type memEntityStore struct {
	mu       sync.Mutex
	entities map[string]*models.Entity
}

func newMemEntityStore() *memEntityStore {
	return &memEntityStore{entities: make(map[string]*models.Entity)}
}

func (m *memEntityStore) Upsert(_ context.Context, entity *models.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entity.Symbol] = entity
	return nil
}

func (m *memEntityStore) Get(_ context.Context, symbol string) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entities[symbol], nil
}

func (m *memEntityStore) List(_ context.Context) ([]*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Entity
	for _, e := range m.entities {
		out = append(out, e)
	}
	return out, nil
}

func (m *memEntityStore) ListActive(_ context.Context) ([]*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Entity
	for _, e := range m.entities {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

type memStorage struct {
	records    *memRecordStore
	watermarks *memWatermarkStore
	batches    *memBatchStore
	queue      *memUnitQueue
	entities   *memEntityStore
}

func newMemStorage() *memStorage {
	return &memStorage{
		records:    newMemRecordStore(),
		watermarks: newMemWatermarkStore(),
		batches:    newMemBatchStore(),
		queue:      newMemUnitQueue(),
		entities:   newMemEntityStore(),
	}
}

func (m *memStorage) RecordStore() interfaces.RecordStore       { return m.records }
func (m *memStorage) WatermarkStore() interfaces.WatermarkStore { return m.watermarks }
func (m *memStorage) BatchStore() interfaces.BatchStore         { return m.batches }
func (m *memStorage) UnitQueue() interfaces.UnitQueueStore      { return m.queue }
func (m *memStorage) EntityStore() interfaces.EntityStore       { return m.entities }
func (m *memStorage) Close() error                              { return nil }

// stubFeedClient serves canned daily bars per entity, with optional failure
// injection.
type stubFeedClient struct {
	mu          sync.Mutex
	terminalErr map[string]error
	symbols     []*models.Entity
	listErr     error
	calls       int
}

func newStubFeedClient() *stubFeedClient {
	return &stubFeedClient{terminalErr: make(map[string]error)}
}

func (c *stubFeedClient) FetchWindow(_ context.Context, window models.FetchWindow) ([]*models.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	if err := c.terminalErr[window.EntityID]; err != nil {
		return nil, err
	}

	// One bar per day in the window
	var records []*models.Record
	for ts := window.From; !ts.After(window.To); ts = ts.AddDate(0, 0, 1) {
		records = append(records, &models.Record{
			EntityID:   window.EntityID,
			Series:     window.Series,
			Resolution: window.Resolution,
			Timestamp:  ts,
			Values:     map[string]float64{"close": 10, "volume": 1000},
		})
	}
	return records, nil
}

func (c *stubFeedClient) FetchPage(ctx context.Context, window models.FetchWindow, _ string) (*interfaces.Page, error) {
	records, err := c.FetchWindow(ctx, window)
	if err != nil {
		return nil, err
	}
	return &interfaces.Page{Records: records}, nil
}

func (c *stubFeedClient) ListSymbols(_ context.Context, _ string) ([]*models.Entity, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.symbols, nil
}

func syncTestConfig() *common.Config {
	cfg := common.NewDefaultConfig()
	cfg.Sync.BatchSize = 10
	cfg.Sync.WindowDays = 20
	cfg.Sync.RedundancyDays = 7
	cfg.Sync.HistoricalFloor = "2024-01-01"
	cfg.Workers.MaxConcurrent = 2
	return cfg
}

// newTestApp wires a full App over in-memory storage and a stub feed client.
func newTestApp(client interfaces.FeedClient, cfg *common.Config) (*App, *memStorage) {
	storage := newMemStorage()
	logger := common.NewSilentLogger()

	monitorService := monitor.NewService(storage, logger, nil)
	plannerService := planner.NewService(storage, logger, cfg.Sync)
	executor := dispatch.NewExecutor(client, storage, logger)
	dispatchService := dispatch.NewService(storage, monitorService, executor, logger, nil, cfg.Sync)
	workerPool := dispatch.NewWorkerPool(storage, executor, monitorService, logger, nil, cfg.Workers)
	supervisorService := supervisor.NewService(storage, workerPool, logger, cfg.Supervisor)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Storage:    storage,
		FeedClient: client,
		Planner:    plannerService,
		Monitor:    monitorService,
		Dispatch:   dispatchService,
		Workers:    workerPool,
		Supervisor: supervisorService,
	}, storage
}
