// Package supervisor runs the queue health control loop. It samples backlog
// and batch health on a fixed interval and signals the worker pool to
// restart when thresholds are breached. It is an admission-control safety
// valve, not a scheduler: it never creates or cancels work units.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
)

// Supervisor states
const (
	StateHealthy            = "healthy"
	StateRestartRecommended = "restart_recommended"
	StateRestarting         = "restarting"
)

// Sample is one observation of queue health.
type Sample struct {
	State         string    `json:"state"`
	Backlog       int       `json:"backlog"`
	FailedUnits   int       `json:"failed_units"`
	ActiveBatches int       `json:"active_batches"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Service periodically samples queue health and restarts workers when the
// backlog breaches configured thresholds.
type Service struct {
	storage interfaces.StorageManager
	workers interfaces.WorkerController
	logger  *common.Logger
	config  common.SupervisorConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	last Sample

	now func() time.Time
}

// NewService creates a supervisor.
func NewService(
	storage interfaces.StorageManager,
	workers interfaces.WorkerController,
	logger *common.Logger,
	config common.SupervisorConfig,
) *Service {
	return &Service{
		storage: storage,
		workers: workers,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// Start launches the control loop. No-op when the supervisor is disabled.
func (s *Service) Start() {
	if !s.config.Enabled {
		s.logger.Info().Msg("Supervisor disabled")
		return
	}
	if s.cancel != nil {
		s.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchLoop(ctx)
	}()

	s.logger.Info().
		Str("interval", s.config.GetInterval().String()).
		Int("hard_backlog", s.config.HardBacklog).
		Int("soft_backlog", s.config.SoftBacklog).
		Bool("dry_run", s.config.DryRun).
		Msg("Supervisor started")
}

// Stop cancels the control loop and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

// LastSample returns the most recent health observation.
func (s *Service) LastSample() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// watchLoop samples on the configured interval until cancelled. An initial
// sample runs immediately.
func (s *Service) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.GetInterval())
	defer ticker.Stop()

	s.Evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(ctx)
		}
	}
}

// Evaluate takes one health sample and acts on it. Exported so a single
// status command can sample without running the loop.
func (s *Service) Evaluate(ctx context.Context) Sample {
	sample := Sample{State: StateHealthy, SampledAt: s.now()}

	backlog, err := s.storage.UnitQueue().CountPending(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Supervisor: failed to count backlog")
		return s.record(sample)
	}
	sample.Backlog = backlog

	if failed, err := s.storage.UnitQueue().CountFailed(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Supervisor: failed to count failed units")
	} else {
		sample.FailedUnits = failed
	}

	if active, err := s.storage.BatchStore().List(ctx, interfaces.BatchListOptions{ActiveOnly: true}); err != nil {
		s.logger.Warn().Err(err).Msg("Supervisor: failed to list active batches")
	} else {
		sample.ActiveBatches = len(active)
	}

	sinceRestart := s.now().Sub(s.workers.LastRestart())

	switch {
	case s.config.HardBacklog > 0 && backlog >= s.config.HardBacklog:
		sample.State = StateRestartRecommended
		s.logger.Warn().
			Int("backlog", backlog).
			Int("hard_backlog", s.config.HardBacklog).
			Msg("Supervisor: backlog over hard threshold")

	case s.config.SoftBacklog > 0 && backlog >= s.config.SoftBacklog &&
		sinceRestart >= s.config.GetRestartCooldown():
		sample.State = StateRestartRecommended
		s.logger.Warn().
			Int("backlog", backlog).
			Int("soft_backlog", s.config.SoftBacklog).
			Str("since_restart", sinceRestart.String()).
			Msg("Supervisor: backlog over soft threshold past cooldown")
	}

	if sample.State == StateRestartRecommended {
		if s.config.DryRun {
			s.logger.Info().
				Int("backlog", backlog).
				Msg("Supervisor: dry run, restart recommended but not signalled")
		} else {
			sample.State = StateRestarting
			s.record(sample)
			s.logger.Info().Int("backlog", backlog).Msg("Supervisor: restarting workers")
			s.workers.Restart()
			return s.LastSample()
		}
	} else {
		s.logger.Debug().
			Int("backlog", backlog).
			Int("failed_units", sample.FailedUnits).
			Int("active_batches", sample.ActiveBatches).
			Msg("Supervisor: queue healthy")
	}

	return s.record(sample)
}

func (s *Service) record(sample Sample) Sample {
	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
	return sample
}
