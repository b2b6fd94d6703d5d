package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pranaflow/prana/internal/integration"
	"github.com/pranaflow/prana/internal/integration/builtin"
	"github.com/pranaflow/prana/internal/platform/config"
	"github.com/pranaflow/prana/internal/platform/database"
	"github.com/pranaflow/prana/internal/platform/errortracker"
	"github.com/pranaflow/prana/internal/platform/health"
	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/platform/messaging/kafka"
	"github.com/pranaflow/prana/internal/platform/metrics"
	"github.com/pranaflow/prana/internal/platform/middleware"
	"github.com/pranaflow/prana/internal/platform/telemetry"
	"github.com/pranaflow/prana/internal/runner"
	"github.com/pranaflow/prana/internal/runner/realtime"
	"github.com/pranaflow/prana/internal/storage"
	"github.com/pranaflow/prana/internal/storage/memory"
	"github.com/pranaflow/prana/internal/storage/mongo"
	"github.com/pranaflow/prana/internal/storage/postgres"
)

const serviceName = "runner"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logger)
	log.Info("starting runner",
		"environment", cfg.Service.Environment,
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
	)

	tracing, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("telemetry init failed", "error", err)
	}
	defer tracing.Close()

	store, storeCleanup, err := openStorage(cfg, log)
	if err != nil {
		log.Fatal("storage init failed", "error", err)
	}
	defer storeCleanup()

	queue, err := openQueue(cfg)
	if err != nil {
		log.Fatal("queue init failed", "error", err)
	}

	registry := integration.NewRegistry()
	if err := builtin.RegisterAll(registry, builtin.Options{
		BaseURL:          cfg.Engine.BaseURL,
		MaxInProcessWait: cfg.Engine.MaxInProcessWait,
		WebhookExpiry:    cfg.Engine.WebhookExpiry,
	}); err != nil {
		log.Fatal("integration catalog init failed", "error", err)
	}

	m := metrics.New("prana")

	var publisher runner.EventPublisher
	if cfg.Kafka.Enabled {
		kp, err := kafka.NewPublisher(kafka.Config{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Kafka.TopicPrefix,
		}, log)
		if err != nil {
			log.Fatal("kafka init failed", "error", err)
		}
		defer kp.Close()
		publisher = kp
	}

	hub := realtime.NewHub(log)
	go hub.Run()
	defer hub.Close()

	r, err := runner.New(runner.Options{
		Store:             store,
		Queue:             queue,
		Registry:          registry,
		Log:               log,
		Tracker:           errortracker.FromConfig(cfg.ErrorTracker, log),
		Metrics:           m,
		Events:            publisher,
		Hub:               hub,
		Tracing:           tracing,
		Env:               environMap(),
		MaxExecutionDepth: cfg.Engine.MaxExecutionDepth,
	})
	if err != nil {
		log.Fatal("runner init failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx, 4)
	if err := r.RestoreSuspended(ctx); err != nil {
		log.Warn("restore of suspended executions failed", "error", err)
	}

	scheduler := runner.NewTriggerScheduler(r, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Warn("trigger scheduler start failed", "error", err)
	}

	healthz := health.NewHandler(serviceName, cfg.Version)
	healthz.AddCheck("storage", store.HealthCheck)
	healthz.AddCheck("queue", func(ctx context.Context) error {
		_, err := queue.Len(ctx)
		return err
	})

	server := runner.NewServer(runner.ServerOptions{
		Runner:    r,
		Scheduler: scheduler,
		Hub:       hub,
		Metrics:   m,
		Health:    healthz,
		Auth:      middleware.NewAuth(cfg.Auth.JWTSecret),
		Log:       log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		log.Info("http server listening", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	scheduler.Stop()
	cancel()
	r.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
}

func openStorage(cfg *config.Config, log logger.Logger) (storage.Adapter, func(), error) {
	switch cfg.Storage.Driver {
	case "memory", "":
		return memory.New(), func() {}, nil

	case "postgres":
		db, err := database.New(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(db)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil

	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, err := mongo.New(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := store.Close(closeCtx); err != nil {
				log.Warn("mongo close failed", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openQueue(cfg *config.Config) (runner.TaskQueue, error) {
	switch cfg.Queue.Driver {
	case "memory", "":
		return runner.NewMemoryQueue(), nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		return runner.NewRedisQueue(client, cfg.Queue.Name)

	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// environMap exposes the process environment to $env expression lookups.
func environMap() map[string]interface{} {
	env := make(map[string]interface{})
	for _, entry := range os.Environ() {
		if key, value, ok := strings.Cut(entry, "="); ok {
			env[key] = value
		}
	}
	return env
}
