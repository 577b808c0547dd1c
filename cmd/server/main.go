// Package main is the entry point of the application
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tecu23/chess-relay/internal/auth"
	"github.com/tecu23/chess-relay/pkg/cache"
	"github.com/tecu23/chess-relay/pkg/config"
	"github.com/tecu23/chess-relay/pkg/engine"
	"github.com/tecu23/chess-relay/pkg/events"
	"github.com/tecu23/chess-relay/pkg/manager"
	"github.com/tecu23/chess-relay/pkg/metrics"
	"github.com/tecu23/chess-relay/pkg/repository"
	"github.com/tecu23/chess-relay/pkg/server"
	"github.com/tecu23/chess-relay/pkg/service"
)

const connectTimeout = 10 * time.Second

// App encapsulates global dependencies
type application struct {
	Config    *config.Config
	Logger    *zap.Logger
	APIKeys   *auth.APIKeyAuth
	Tokens    *auth.TokenAuth
	Publisher *events.Publisher
	Metrics   *metrics.Metrics

	Repo     repository.Repository
	Games    *service.GameService
	Users    *service.UserService
	Recorder *service.Recorder

	Redis  *redis.Client
	Mirror *cache.Mirror

	Manager *manager.Manager
	Engines *engine.Table
	Hub     *server.Hub

	Upgrader websocket.Upgrader
	Server   *http.Server

	StartTime time.Time
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.String("port", "", "server port (overrides PORT)")
	flag.Parse()

	cfg, err := config.Load(".")
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	if *debug {
		cfg.Debug = true
	}
	if *port != "" {
		cfg.Port = *port
	}

	// Initialize logger
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	app, err := newApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}

	go app.Hub.Run()

	if err := app.serve(); err != nil {
		logger.Fatal("error serving", zap.Error(err))
	}
}

// newApplication wires every component from cfg
func newApplication(cfg *config.Config, logger *zap.Logger) (*application, error) {
	app := &application{
		Config:    cfg,
		Logger:    logger,
		APIKeys:   auth.NewAPIKeyAuth(cfg.MetricsAPIKeys),
		Tokens:    auth.NewTokenAuth(cfg.JWTSecret, cfg.TokenTTL),
		Publisher: events.NewPublisher(),
		Metrics:   metrics.New(cfg.MetricsNamespace),
		StartTime: time.Now(),
	}
	app.Metrics.Observe(app.Publisher)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	// Initialize repository
	if cfg.DatabaseURL != "" {
		repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		app.Repo = repo
	} else {
		logger.Warn("DATABASE_URL not set, game records are kept in memory")
		app.Repo = repository.NewInMemoryRepository(logger)
	}

	app.Games = service.NewGameService(app.Repo, app.Publisher, logger)
	app.Users = service.NewUserService(app.Repo, app.Games, app.Tokens, logger)
	app.Recorder = service.NewRecorder(app.Games, app.Publisher, logger)

	opts := server.Options{
		Directory: app.Games,
		Metrics:   app.Metrics,
		IdleTTL:   cfg.SessionIdleTTL,
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("connecting to redis: %w", err), app.Repo.Close())
		}
		store := cache.NewSnapshotStore(rdb, cfg.SnapshotTTL)
		app.Redis = rdb
		app.Mirror = cache.NewMirror(store, app.Publisher, logger)
		opts.Snapshots = store
	}

	// Initialize engine table; processes start on demand
	app.Engines = engine.NewTable(engine.UCIFactory(cfg.EnginePath, logger), cfg.MaxEngines, cfg.EngineStartTimeout, logger)
	opts.Engines = app.Engines

	// Initialize session registry and hub
	app.Manager = manager.New(logger)
	app.Hub = server.NewHub(app.Manager, app.Publisher, opts, logger)

	app.Upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     app.checkOrigin,
	}

	return app, nil
}

func initLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	return logger
}

// Shutdown cleans up resources. The hub goes first so no new work reaches
// the engines or the writers.
func (app *application) Shutdown() error {
	var err error

	if app.Hub != nil {
		app.Hub.Shutdown()
	}
	if app.Engines != nil {
		err = multierr.Append(err, app.Engines.Shutdown())
	}
	if app.Manager != nil {
		app.Manager.Shutdown()
	}

	// flush pending writes before closing the stores
	if app.Recorder != nil {
		app.Recorder.Close()
	}
	if app.Mirror != nil {
		app.Mirror.Close()
	}
	if app.Redis != nil {
		err = multierr.Append(err, app.Redis.Close())
	}
	if app.Repo != nil {
		err = multierr.Append(err, app.Repo.Close())
	}

	if err != nil {
		app.Logger.Error("Error shutting down components", zap.Error(err))
		return err
	}

	app.Logger.Info("All components shut down successfully")
	return nil
}
