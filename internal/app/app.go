package app

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/handlers"
	"github.com/renderbarn/renderbarn/internal/interfaces"
	"github.com/renderbarn/renderbarn/internal/services/aggregate"
	"github.com/renderbarn/renderbarn/internal/services/assemble"
	"github.com/renderbarn/renderbarn/internal/services/decompose"
	"github.com/renderbarn/renderbarn/internal/services/events"
	"github.com/renderbarn/renderbarn/internal/services/liveness"
	"github.com/renderbarn/renderbarn/internal/services/media"
	"github.com/renderbarn/renderbarn/internal/services/thumbs"
	"github.com/renderbarn/renderbarn/internal/storage/badger"
)

// App holds all manager components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	StorageManager interfaces.StorageManager
	EventService   interfaces.EventService
	MediaStore     *media.Store

	Decomposer *decompose.Decomposer
	Assembler  *assemble.Assembler
	Thumbs     *thumbs.Generator
	Aggregator *aggregate.Aggregator
	Sweeper    *liveness.Sweeper

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	ProjectHandler   *handlers.ProjectHandler
	AssetHandler     *handlers.AssetHandler
	JobHandler       *handlers.JobHandler
	AnimationHandler *handlers.AnimationHandler
	TiledJobHandler  *handlers.TiledJobHandler
	WorkerHandler    *handlers.WorkerHandler
	WSHandler        *handlers.WebSocketHandler
}

// New creates the manager application with all dependencies wired.
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Config:    config,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	storageManager, err := badger.NewManager(logger, &config.Storage.Badger)
	if err != nil {
		cancel()
		return nil, err
	}
	a.StorageManager = storageManager

	mediaStore, err := media.NewStore(config.Storage.Media.Root, logger)
	if err != nil {
		cancel()
		storageManager.Close()
		return nil, err
	}
	a.MediaStore = mediaStore

	a.EventService = events.NewService(logger)

	a.Thumbs = thumbs.NewGenerator(mediaStore, logger)
	a.Assembler = assemble.NewAssembler(mediaStore, logger)
	a.Decomposer = decompose.NewDecomposer(storageManager.JobStorage(), storageManager.FrameStorage(), logger)
	a.Aggregator = aggregate.NewAggregator(storageManager, a.EventService, a.Assembler, mediaStore, a.Thumbs, logger)
	a.Sweeper = liveness.NewSweeper(
		storageManager.WorkerStorage(),
		config.Manager.LivenessSchedule,
		config.Manager.WorkerStaleDuration(),
		logger,
	)

	// Handlers
	a.APIHandler = handlers.NewAPIHandler()
	a.ProjectHandler = handlers.NewProjectHandler(storageManager, mediaStore, logger)
	a.AssetHandler = handlers.NewAssetHandler(storageManager, mediaStore, logger)
	a.JobHandler = handlers.NewJobHandler(storageManager, a.EventService, mediaStore, a.Thumbs, logger)
	a.AnimationHandler = handlers.NewAnimationHandler(storageManager, a.EventService, a.Decomposer, mediaStore, logger)
	a.TiledJobHandler = handlers.NewTiledJobHandler(storageManager, a.EventService, a.Decomposer, mediaStore, logger)
	a.WorkerHandler = handlers.NewWorkerHandler(storageManager, a.EventService, logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, logger)

	// The aggregator must see job events before anything else mutates
	// parents, so it subscribes before the server starts serving.
	if err := a.Aggregator.Start(); err != nil {
		cancel()
		storageManager.Close()
		return nil, err
	}
	if err := a.Sweeper.Start(); err != nil {
		cancel()
		storageManager.Close()
		return nil, err
	}

	logger.Info().Msg("Application initialized")
	return a, nil
}

// Close shuts the application down in reverse dependency order.
func (a *App) Close() error {
	a.cancelCtx()

	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event service close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage close failed")
			return err
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
