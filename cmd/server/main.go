package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	config "github.com/avatarctic/idempo/configs"
	"github.com/avatarctic/idempo/internal/application/services"
	"github.com/avatarctic/idempo/internal/core/ports"
	"github.com/avatarctic/idempo/internal/infrastructure/db"
	"github.com/avatarctic/idempo/internal/infrastructure/health"
	"github.com/avatarctic/idempo/internal/infrastructure/httpserver"
	customMiddleware "github.com/avatarctic/idempo/internal/infrastructure/httpserver/middleware"
	"github.com/avatarctic/idempo/internal/infrastructure/memory"
	"github.com/avatarctic/idempo/internal/infrastructure/redis"
	"github.com/avatarctic/idempo/internal/infrastructure/relational"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logger := newLogger(&cfg.Log)
	logger.WithField("backend", cfg.Idempotency.Backend).Info("Starting idempotency gateway...")

	backend, checkers, cleanup, err := buildBackend(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize idempotency backend: ", err)
	}
	defer cleanup()

	serverConfig := &httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		TLSCertFile:  cfg.Server.TLSCertFile,
		TLSKeyFile:   cfg.Server.TLSKeyFile,
	}

	server := httpserver.NewServer(serverConfig, logger, httpserver.ServerDeps{
		Backend:        backend,
		BackendName:    cfg.Idempotency.Backend,
		HealthCheckers: checkers,
		IdempotencyOptions: []customMiddleware.IdempotencyOption{
			customMiddleware.WithPersistFor(cfg.Idempotency.PersistFor),
		},
		MetricsRegisterer: prometheus.DefaultRegisterer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Server started on %s:%s", cfg.Server.Host, cfg.Server.Port)
		return server.Start()
	})
	g.Go(func() error {
		return services.NewPruneService(backend, cfg.Idempotency.PruneInterval, logger).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server exited with error: ", err)
		cleanup()
		os.Exit(1)
	}

	logger.Info("Server exited")
}

func newLogger(cfg *config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(level)
	}
	return logger
}

// buildBackend opens the storage selected by IDEMPO_BACKEND and returns the
// health checkers for it plus a cleanup func closing its connections.
func buildBackend(cfg *config.Config, logger *logrus.Logger) (ports.IdempotencyBackend, []ports.HealthChecker, func(), error) {
	switch cfg.Idempotency.Backend {
	case config.BackendMemory:
		return memory.NewBackend(), nil, func() {}, nil

	case config.BackendRedis:
		redisClient, err := redis.NewRedisClient(&cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("Connected to Redis successfully")
		backend := redis.NewBackend(redisClient, &redis.BackendConfig{
			KeyPrefix: cfg.Idempotency.RedisPrefix,
			LockTTL:   cfg.Idempotency.LockTTL,
		}, logger)
		cleanup := func() { _ = redisClient.Close() }
		return backend, []ports.HealthChecker{health.NewRedisHealthChecker(redisClient)}, cleanup, nil

	case config.BackendSQL:
		database, err := db.NewDatabaseWithConfig(&cfg.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		logger.WithField("driver", database.DriverName()).Info("Connected to database successfully")
		if err := database.Migrate(cfg.Database.MigrationsPath); err != nil {
			_ = database.Close()
			return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		backend, err := relational.NewBackend(database, logger, relational.WithPruneBatchSize(cfg.Idempotency.PruneBatchSize))
		if err != nil {
			_ = database.Close()
			return nil, nil, nil, err
		}
		cleanup := func() { _ = database.Close() }
		return backend, []ports.HealthChecker{health.NewDBHealthChecker(database)}, cleanup, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown idempotency backend %q", cfg.Idempotency.Backend)
}
