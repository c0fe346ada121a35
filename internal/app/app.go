package app

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/testgen/internal/common"
	"github.com/ternarybob/testgen/internal/handlers"
	"github.com/ternarybob/testgen/internal/interfaces"
	"github.com/ternarybob/testgen/internal/services/events"
	"github.com/ternarybob/testgen/internal/services/generation"
	"github.com/ternarybob/testgen/internal/services/scheduler"
	"github.com/ternarybob/testgen/internal/storage/badger"
)

// App wires configuration, storage, services and handlers together
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB           *badger.BadgerDB
	EventService interfaces.EventService
	Generation   *generation.Service
	Janitor      *scheduler.Janitor

	APIHandler        *handlers.APIHandler
	GenerationHandler *handlers.GenerationHandler
	StreamHandler     *handlers.StreamHandler
}

// New builds the application dependency graph
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	genStorage := badger.NewGenerationStorage(db, logger)
	eventService := events.NewService(logger)

	genService := generation.NewService(
		genStorage,
		eventService,
		generation.NewTemplateGenerator(),
		logger,
		generation.WithStageDelay(common.Duration(config.Generation.StageDelay, 0)),
		generation.WithMaxInFlight(config.Generation.MaxInFlight),
		generation.WithOutputDir(config.Generation.OutputDir),
	)

	janitor := scheduler.NewJanitor(genStorage, &config.Retention, logger)
	if config.Retention.Enabled {
		if err := janitor.Start(config.Retention.Schedule); err != nil {
			db.Close()
			return nil, err
		}
	}

	a := &App{
		Config:            config,
		Logger:            logger,
		DB:                db,
		EventService:      eventService,
		Generation:        genService,
		Janitor:           janitor,
		APIHandler:        handlers.NewAPIHandler(logger),
		GenerationHandler: handlers.NewGenerationHandler(genService, logger),
		StreamHandler:     handlers.NewStreamHandler(eventService, &config.Stream, logger),
	}

	return a, nil
}

// Close releases application resources in reverse dependency order
func (a *App) Close() error {
	a.Janitor.Stop()
	a.Generation.Shutdown()
	a.StreamHandler.CloseAll()

	// Give cancelled jobs a moment to persist their terminal state
	time.Sleep(100 * time.Millisecond)

	a.EventService.Close()
	if err := a.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
