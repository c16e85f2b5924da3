// Package app wires configuration, storage, the feed client, and the
// ingestion services into one runnable unit shared by the CLI commands.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/tidemark/internal/clients/feed"
	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/services/dispatch"
	"github.com/bobmcallan/tidemark/internal/services/monitor"
	"github.com/bobmcallan/tidemark/internal/services/planner"
	"github.com/bobmcallan/tidemark/internal/services/supervisor"
	"github.com/bobmcallan/tidemark/internal/storage/surrealdb"
)

// App holds all initialized services and clients.
type App struct {
	Config     *common.Config
	Logger     *common.Logger
	Storage    interfaces.StorageManager
	FeedClient interfaces.FeedClient

	Planner    interfaces.PlannerService
	Monitor    interfaces.MonitorService
	Dispatch   *dispatch.Service
	Workers    *dispatch.WorkerPool
	Supervisor *supervisor.Service

	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Option mutates the loaded configuration before services are constructed.
// The CLI uses this to apply flag overrides on top of file and env config.
type Option func(*common.Config)

// NewApp initializes storage, the feed client, and all services.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string, opts ...Option) (*App, error) {
	startupStart := time.Now()

	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	// Load configuration - check provided path, TIDEMARK_CONFIG, then binary dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("TIDEMARK_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "tidemark.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/tidemark.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	for _, opt := range opts {
		opt(config)
	}
	if err := config.Sync.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync configuration: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	storageManager, err := surrealdb.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if config.Feed.APIKey == "" {
		logger.Warn().Msg("Feed API key not configured - sync commands will fail upstream")
	}
	feedClient := feed.NewClient(config.Feed.APIKey,
		feed.WithBaseURL(config.Feed.BaseURL),
		feed.WithLogger(logger),
		feed.WithRateLimit(config.Feed.RateLimit),
		feed.WithTimeout(config.Feed.GetTimeout()),
		feed.WithRetries(config.Feed.MaxRetries, 2*time.Second),
		feed.WithRetryAfter(config.Feed.GetRetryAfter()),
		feed.WithPageSize(config.Feed.PageSize),
	)

	hub := dispatch.NewBatchWSHub(logger)
	monitorService := monitor.NewService(storageManager, logger, hub)
	plannerService := planner.NewService(storageManager, logger, config.Sync)
	executor := dispatch.NewExecutor(feedClient, storageManager, logger)
	dispatchService := dispatch.NewService(storageManager, monitorService, executor, logger, hub, config.Sync)
	workerPool := dispatch.NewWorkerPool(storageManager, executor, monitorService, logger, hub, config.Workers)
	supervisorService := supervisor.NewService(storageManager, workerPool, logger, config.Supervisor)

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		FeedClient:  feedClient,
		Planner:     plannerService,
		Monitor:     monitorService,
		Dispatch:    dispatchService,
		Workers:     workerPool,
		Supervisor:  supervisorService,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// StartWorkers launches the worker pool and, when enabled, the supervisor.
func (a *App) StartWorkers() {
	a.Workers.Start()
	a.Supervisor.Start()
}

// Close releases all resources. Shutdown order: supervisor, workers, storage.
func (a *App) Close() {
	if a.Supervisor != nil {
		a.Supervisor.Stop()
	}
	if a.Workers != nil {
		a.Workers.Stop()
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}
