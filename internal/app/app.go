// Package app wires the application components together
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/bundle"
	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/events"
	"github.com/isengard-ai/isengard/internal/executor"
	"github.com/isengard-ai/isengard/internal/handlers"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/plugins"
	"github.com/isengard-ai/isengard/internal/plugins/generation"
	"github.com/isengard-ai/isengard/internal/plugins/training"
	"github.com/isengard-ai/isengard/internal/scheduler"
	"github.com/isengard-ai/isengard/internal/services/artifacts"
	"github.com/isengard-ai/isengard/internal/services/jobs"
	badgerstore "github.com/isengard-ai/isengard/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB    *badgerstore.BadgerDB
	Store interfaces.JobStore
	Queue interfaces.EnvelopeQueue
	Bus   *events.Bus

	Plugins  interfaces.PluginRegistry
	Cancels  *executor.CancelRegistry
	Executor *executor.Executor
	Janitor  *scheduler.Janitor

	JobService      *jobs.Service
	ArtifactService *artifacts.Service
	BundleWriter    *bundle.Writer

	// HTTP handlers
	TrainingHandler   *handlers.TypeHandler
	GenerationHandler *handlers.TypeHandler
	JobsHandler       *handlers.JobsHandler
	APIHandler        *handlers.APIHandler
	WSHandler         *handlers.WebSocketHandler

	// Closed when the server starts draining; open SSE streams end cleanly
	shutdownCh chan struct{}
}

// New builds the full application from configuration
func New(cfg *common.Config, version string) (*App, error) {
	logger := common.InitLogger(cfg)

	a := &App{
		Config:     cfg,
		Logger:     logger,
		shutdownCh: make(chan struct{}),
	}

	db, err := badgerstore.NewBadgerDB(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a.DB = db
	a.Store = badgerstore.NewJobStorage(db, logger)

	queue, err := badgerstore.NewEnvelopeQueue(db, logger, cfg.Queue.QueueName, cfg.Queue.VisibilityTimeoutDuration(), cfg.Queue.MaxReceive)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	a.Queue = queue

	a.Bus = events.NewBus(filepath.Join(cfg.LogDir(), "jobs"), logger)

	a.Plugins = plugins.NewRegistry(cfg, logger, trainingPlugin(cfg, logger), generationPlugin(cfg, logger))
	a.Cancels = executor.NewCancelRegistry()
	a.Executor = executor.New(cfg, a.Store, a.Queue, a.Bus, a.Plugins, a.Cancels, logger)
	a.Janitor = scheduler.NewJanitor(cfg, a.Store, a.Bus, logger)

	a.JobService = jobs.NewService(cfg, a.Store, a.Queue, a.Bus, a.Plugins, a.Cancels, logger)
	a.ArtifactService = artifacts.NewService(cfg, logger)
	a.BundleWriter = bundle.NewWriter(cfg, a.Plugins.Capabilities, logger, version)

	streamHandler := handlers.NewStreamHandler(a.Bus, a.shutdownCh, logger)
	logsHandler := handlers.NewLogsHandler(cfg, a.Bus, logger)

	a.TrainingHandler = handlers.NewTrainingHandler(a.JobService, logger)
	a.GenerationHandler = handlers.NewGenerationHandler(a.JobService, logger)
	a.JobsHandler = handlers.NewJobsHandler(a.JobService, a.ArtifactService, a.BundleWriter, streamHandler, logsHandler, logger)
	a.APIHandler = handlers.NewAPIHandler(cfg, a.Store, a.Plugins, logger, version)
	a.WSHandler = handlers.NewWebSocketHandler(logger)

	return a, nil
}

// Start launches the background components: the worker loop and the janitor
func (a *App) Start() error {
	a.Executor.Start()
	if err := a.Janitor.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	// Catch jobs stranded by a crash of the previous process
	a.Janitor.Sweep()
	return nil
}

// ShutdownCh is closed when shutdown begins; long-lived streams watch it
func (a *App) ShutdownCh() <-chan struct{} {
	return a.shutdownCh
}

// BeginShutdown signals long-lived streams to end with a closing frame. It
// must run before the HTTP listener drains, otherwise open SSE connections
// hold the drain until its timeout. Safe to call more than once; Close calls
// it again.
func (a *App) BeginShutdown() {
	select {
	case <-a.shutdownCh:
	default:
		close(a.shutdownCh)
	}
}

// Close stops background components and releases storage, in reverse
// dependency order.
func (a *App) Close(ctx context.Context) error {
	a.BeginShutdown()

	a.Janitor.Stop()
	a.Executor.Stop()

	var firstErr error
	if err := a.Queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func trainingPlugin(cfg *common.Config, logger arbor.ILogger) interfaces.Plugin {
	if cfg.IsFastTest() {
		return training.NewMockTrainer(cfg, logger)
	}
	return training.NewAIToolkitTrainer(cfg, logger)
}

func generationPlugin(cfg *common.Config, logger arbor.ILogger) interfaces.Plugin {
	if cfg.IsFastTest() {
		return generation.NewMockGenerator(cfg, logger)
	}
	return generation.NewComfyUIGenerator(cfg, logger)
}
