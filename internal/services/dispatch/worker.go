package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/models"
)

const (
	idleSleep        = 1 * time.Second
	defaultUnitRetry = 30 * time.Second
)

// WorkerPool runs processor goroutines that drain the unit queue. Delivery
// is at-least-once: a crash mid-unit leaves the row in running state, and
// ResetRunning on the next start returns it to pending. The idempotent
// record upsert makes the re-execution safe.
type WorkerPool struct {
	storage  interfaces.StorageManager
	executor *Executor
	monitor  interfaces.MonitorService
	logger   *common.Logger
	hub      *BatchWSHub
	config   common.WorkerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastRestart time.Time

	retryDelay func(attempts int) time.Duration
}

// NewWorkerPool creates a worker pool. hub may be nil.
func NewWorkerPool(
	storage interfaces.StorageManager,
	executor *Executor,
	monitor interfaces.MonitorService,
	logger *common.Logger,
	hub *BatchWSHub,
	config common.WorkerConfig,
) *WorkerPool {
	return &WorkerPool{
		storage:    storage,
		executor:   executor,
		monitor:    monitor,
		logger:     logger,
		hub:        hub,
		config:     config,
		retryDelay: retryDelay,
	}
}

var _ interfaces.WorkerController = (*WorkerPool)(nil)

// safeGo launches a goroutine with panic recovery and logging.
func (wp *WorkerPool) safeGo(name string, fn func()) {
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				wp.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the processor pool and WebSocket hub. Safe to call multiple
// times — stops any existing loops before starting.
func (wp *WorkerPool) Start() {
	if wp.cancel != nil {
		wp.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	wp.cancel = cancel

	// Return orphaned units from a previous crash to pending
	if count, err := wp.storage.UnitQueue().ResetRunning(ctx); err != nil {
		wp.logger.Warn().Err(err).Msg("Failed to reset orphaned running units")
	} else if count > 0 {
		wp.logger.Info().Int("count", count).Msg("Reset orphaned running units to pending")
	}

	if wp.hub != nil {
		wp.safeGo("websocket-hub", func() { wp.hub.Run(ctx) })
	}

	maxConc := wp.config.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 5
	}
	for i := 0; i < maxConc; i++ {
		name := fmt.Sprintf("processor-%d", i)
		wp.safeGo(name, func() { wp.processLoop(ctx) })
	}

	wp.mu.Lock()
	wp.lastRestart = time.Now()
	wp.mu.Unlock()

	wp.logger.Info().
		Int("max_concurrent", maxConc).
		Msg("Worker pool started")
}

// Stop cancels all loops and waits for in-flight units to finish.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
		wp.cancel = nil
	}
	if wp.hub != nil {
		wp.hub.Stop()
	}
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

// Restart stops the pool and starts it again. In-flight units run to
// completion before the pool respawns.
func (wp *WorkerPool) Restart() {
	wp.logger.Info().Msg("Worker pool restarting")
	wp.Stop()
	wp.Start()
}

// LastRestart returns the time of the most recent start or restart.
func (wp *WorkerPool) LastRestart() time.Time {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.lastRestart
}

// Hub returns the WebSocket hub for external handler registration.
func (wp *WorkerPool) Hub() *BatchWSHub {
	return wp.hub
}

// processLoop continuously dequeues and executes units.
func (wp *WorkerPool) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			unit, err := wp.dequeue(ctx)
			if err != nil {
				wp.logger.Warn().Err(err).Msg("Processor: dequeue error")
				select {
				case <-ctx.Done():
					return
				case <-time.After(idleSleep):
					continue
				}
			}
			if unit == nil {
				// Queue empty, sleep briefly
				select {
				case <-ctx.Done():
					return
				case <-time.After(idleSleep):
					continue
				}
			}

			wp.runUnit(ctx, unit)
		}
	}
}

// runUnit executes one claimed unit and settles its outcome: re-queue on a
// retryable failure with attempts remaining, otherwise complete the unit and
// record the result on its batch.
func (wp *WorkerPool) runUnit(ctx context.Context, unit *models.WorkUnit) {
	start := time.Now()
	execErr := wp.executor.Execute(ctx, unit)
	durationMS := time.Since(start).Milliseconds()

	if execErr != nil {
		wp.logger.Warn().
			Str("unit_id", unit.ID).
			Str("batch_id", unit.BatchID).
			Str("entity", unit.Window.EntityID).
			Str("series", unit.Window.Series).
			Int64("duration_ms", durationMS).
			Err(execErr).
			Msg("Unit failed")

		// Re-queue if retryable and under max attempts
		if retryable(execErr) && unit.Attempts < unit.MaxAttempts {
			wp.logger.Info().
				Str("unit_id", unit.ID).
				Int("attempt", unit.Attempts).
				Int("max", unit.MaxAttempts).
				Msg("Re-queuing failed unit")

			unit.Status = models.UnitStatusPending
			unit.Error = ""
			unit.NextAttemptAt = time.Now().Add(wp.retryDelay(unit.Attempts))
			if err := wp.storage.UnitQueue().Enqueue(ctx, unit); err != nil {
				wp.logger.Warn().Str("unit_id", unit.ID).Err(err).Msg("Failed to re-enqueue unit")
			} else {
				return // unit is re-queued, not settled
			}
		}
	} else {
		wp.logger.Debug().
			Str("unit_id", unit.ID).
			Str("batch_id", unit.BatchID).
			Int64("duration_ms", durationMS).
			Msg("Unit completed")
	}

	if err := wp.storage.UnitQueue().Complete(ctx, unit, execErr, durationMS); err != nil {
		wp.logger.Warn().Str("unit_id", unit.ID).Err(err).Msg("Failed to complete unit in queue")
	}

	if execErr != nil {
		if err := wp.monitor.RecordFailure(ctx, unit.BatchID, unit); err != nil {
			wp.logger.Warn().Str("batch_id", unit.BatchID).Err(err).Msg("Failed to record unit failure")
		}
	} else {
		if err := wp.monitor.RecordSuccess(ctx, unit.BatchID, unit); err != nil {
			wp.logger.Warn().Str("batch_id", unit.BatchID).Err(err).Msg("Failed to record unit success")
		}
	}
}

// dequeue claims the next eligible unit and broadcasts a "unit_started" event.
func (wp *WorkerPool) dequeue(ctx context.Context) (*models.WorkUnit, error) {
	unit, err := wp.storage.UnitQueue().Dequeue(ctx)
	if err != nil || unit == nil {
		return unit, err
	}

	if wp.hub != nil {
		pending, _ := wp.storage.UnitQueue().CountPending(ctx)
		wp.hub.Broadcast(models.BatchEvent{
			Type:      models.EventUnitStarted,
			Unit:      unit,
			Timestamp: time.Now(),
			Backlog:   pending,
		})
	}

	return unit, nil
}

// retryDelay doubles per prior attempt: 30s, 1m, 2m, ...
func retryDelay(attempts int) time.Duration {
	d := defaultUnitRetry
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
