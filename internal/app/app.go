// Package app provides the main application lifecycle management for the
// audit orchestrator service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/north-cloud/audit-orchestrator/internal/api"
	"github.com/north-cloud/audit-orchestrator/internal/bus"
	"github.com/north-cloud/audit-orchestrator/internal/cluster"
	"github.com/north-cloud/audit-orchestrator/internal/config"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/metrics"
	"github.com/north-cloud/audit-orchestrator/internal/orchestrator"
	"github.com/north-cloud/audit-orchestrator/internal/store"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second

	pingTimeout = 5 * time.Second
)

// App represents the orchestrator application with all its dependencies
type App struct {
	config      *config.Config
	logger      logger.Logger
	db          *sqlx.DB
	redisClient *redis.Client
	metrics     *metrics.Metrics
	engine      *orchestrator.Engine
	consumer    *bus.Consumer
	membership  *cluster.Membership
	httpServer  *http.Server
	version     string
}

// Options contains configuration for creating a new App
type Options struct {
	ConfigPath string
	Version    string
}

// New creates a new App instance with all dependencies initialized
func New(opts Options) (*App, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	appLogger = appLogger.With(
		logger.String("service", cfg.Service.Name),
		logger.String("version", opts.Version),
	)

	db, err := store.NewPostgresConnection(store.Config{
		Host:     cfg.Database.Host,
		Port:     strconv.Itoa(cfg.Database.Port),
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
		db.Close()
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to Redis: %w", pingErr)
	}

	m := metrics.New()

	var membership *cluster.Membership
	if cfg.Cluster.Enabled {
		membership = cluster.NewMembership(redisClient, cfg.Cluster.HeartbeatInterval, m.LivePeers, appLogger)
	}

	records := store.NewAuditRecordRepository(db.DB)
	lookups := store.NewLookupRepository(db.DB)
	publisher := bus.NewPublisher(redisClient, appLogger)

	engine := orchestrator.NewEngine(records, lookups, publisher, membership, m, appLogger)
	consumer := bus.NewConsumer(redisClient, "", engine, m, appLogger)

	router := api.NewRouter(engine, records, db, redisClient, cfg, m, appLogger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		config:      cfg,
		logger:      appLogger,
		db:          db,
		redisClient: redisClient,
		metrics:     m,
		engine:      engine,
		consumer:    consumer,
		membership:  membership,
		httpServer:  httpServer,
		version:     opts.Version,
	}, nil
}

// Run starts the application and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.membership.Start(runCtx); err != nil {
		return fmt.Errorf("start cluster membership: %w", err)
	}

	a.engine.Start(runCtx)

	if err := a.consumer.Start(runCtx); err != nil {
		return fmt.Errorf("start event consumer: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening",
			logger.String("address", a.config.Server.Address),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	return a.waitForShutdown(cancel, serverErr)
}

// waitForShutdown handles graceful shutdown
func (a *App) waitForShutdown(cancel context.CancelFunc, serverErr chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var shutdownErr error

	select {
	case sig := <-sigChan:
		a.logger.Info("Shutting down gracefully",
			logger.String("signal", sig.String()),
		)
	case err := <-serverErr:
		a.logger.Error("Server error", logger.Error(err))
		shutdownErr = err
	}

	// Stop intake first so no new events start mid-shutdown, then drain
	// sessions, then announce departure to the cluster.
	a.consumer.Stop()
	a.engine.Stop()
	a.membership.Stop()
	cancel()
	a.shutdownHTTPServer()

	a.logger.Info("Service stopped")
	return shutdownErr
}

// shutdownHTTPServer gracefully shuts down the HTTP server
func (a *App) shutdownHTTPServer() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("Server shutdown error", logger.Error(err))
	} else {
		a.logger.Info("HTTP server stopped")
	}
}

// Close cleans up resources
func (a *App) Close() error {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", logger.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", logger.Error(err))
		}
	}
	return a.logger.Sync()
}

// Logger returns the application logger
func (a *App) Logger() logger.Logger {
	return a.logger
}
