// Package app wires the scheduler's services together and owns their
// lifecycle from config load to shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/bobmcallan/qflow/internal/clients/tokendb"
	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/services/admission"
	"github.com/bobmcallan/qflow/internal/services/backend"
	"github.com/bobmcallan/qflow/internal/services/jobmanager"
	"github.com/bobmcallan/qflow/internal/services/jobqueue"
	"github.com/bobmcallan/qflow/internal/services/lifecycle"
	"github.com/bobmcallan/qflow/internal/services/msglog"
	"github.com/bobmcallan/qflow/internal/storage"
)

// App holds all application state and dependencies.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	Tokens      interfaces.TokenResolver
	Admission   interfaces.AdmissionController
	Queue       interfaces.JobQueue
	Catalog     interfaces.BackendCatalog
	Messages    interfaces.MessageLog
	Coordinator interfaces.LifecycleCoordinator
	Sweeper     *lifecycle.Sweeper
	JobManager  interfaces.JobManager
	StartupTime time.Time
}

// NewApp initializes the scheduler from config: AWS-backed storage gateways,
// the token-info client, and the dispatch core.
func NewApp(ctx context.Context, config *common.Config) (*App, error) {
	logger := common.NewLogger(config.Logging.Level)

	storageManager, err := storage.NewManager(ctx, logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	tokens := tokendb.NewClient(
		tokendb.WithBaseURL(config.TokenDB.Address),
		tokendb.WithRateLimit(config.TokenDB.RateLimit),
		tokendb.WithTimeout(config.TokenDB.GetTimeout()),
		tokendb.WithLogger(logger),
	)

	return NewAppWithDeps(ctx, config, logger, storageManager, tokens)
}

// NewAppWithDeps wires the dispatch core around externally supplied gateways.
// Tests substitute in-memory stores and a stub token service here; NewApp is
// the production path.
func NewAppWithDeps(ctx context.Context, config *common.Config, logger *common.Logger, storageManager interfaces.StorageManager, tokens interfaces.TokenResolver) (*App, error) {
	startupStart := time.Now()

	admissionCtl := admission.NewController(config.Admission, logger)
	queue := jobqueue.NewQueue(config.Queue.MaxQueueBytes, logger)
	messages := msglog.NewLog(0, 0, logger)
	catalog := backend.NewCatalog(storageManager.Params(), config.AWS.BackendCatalogParam, config.UnifyBackends, logger)

	coordinator := lifecycle.NewCoordinator(
		storageManager.Jobs(),
		admissionCtl,
		messages,
		config.Lifecycle.GetRecordTTL(),
		storageManager.Objects().ResultKey,
		logger,
	)
	sweeper := lifecycle.NewSweeper(coordinator, config.Lifecycle.GetSweepInterval(), logger)

	manager := jobmanager.NewManager(
		tokens,
		admissionCtl,
		queue,
		catalog,
		coordinator,
		messages,
		storageManager,
		config.UnifyBackends,
		logger,
	)

	// Records from a previous process are reconciled before either surface
	// starts accepting traffic.
	if err := manager.RestoreState(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore scheduler state: %w", err)
	}

	app := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		Tokens:      tokens,
		Admission:   admissionCtl,
		Queue:       queue,
		Catalog:     catalog,
		Messages:    messages,
		Coordinator: coordinator,
		Sweeper:     sweeper,
		JobManager:  manager,
		StartupTime: startupStart,
	}

	logger.Info().
		Str("environment", config.Environment).
		Bool("unify_backends", config.UnifyBackends).
		Dur("startup", time.Since(startupStart)).
		Msg("App initialized")
	return app, nil
}

// Start launches the background timeout sweeper.
func (a *App) Start() {
	if a.Sweeper != nil {
		a.Sweeper.Start()
	}
}

// Close releases all resources: the sweeper stops before storage closes so
// no transition races a closing store.
func (a *App) Close() {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
		a.Sweeper = nil
	}
	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
		a.Storage = nil
	}
	a.Logger.Info().Msg("App closed")
}
