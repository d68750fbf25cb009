// Package main is the entry point for the wipsie task worker.
// It wires the broker, task registry, dispatcher, status reporters and
// HTTP API from a single YAML configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"wipsie-worker/internal/api"
	"wipsie-worker/internal/banner"
	kafkabridge "wipsie-worker/internal/bridge/kafka"
	"wipsie-worker/internal/config"
	"wipsie-worker/internal/dispatcher"
	"wipsie-worker/internal/lease"
	"wipsie-worker/internal/producer"
	"wipsie-worker/internal/queue"
	memoryqueue "wipsie-worker/internal/queue/memory"
	sqsqueue "wipsie-worker/internal/queue/sqs"
	"wipsie-worker/internal/router"
	"wipsie-worker/internal/status"
	kafkastatus "wipsie-worker/internal/status/kafka"
	"wipsie-worker/internal/store"
	memorystor "wipsie-worker/internal/store/memory"
	postgresstor "wipsie-worker/internal/store/postgres"
	redisstor "wipsie-worker/internal/store/redis"
	"wipsie-worker/internal/task"
	"wipsie-worker/internal/task/handlers"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger := initLogger(&cfg.Logger)
	banner.Print(os.Stdout, string(cfg.Broker.Mode), string(cfg.Storage.Mode))

	logger.Info("configuration loaded",
		"path", *configPath,
		"broker_mode", cfg.Broker.Mode,
		"storage_mode", cfg.Storage.Mode,
		"queues", len(cfg.Queues),
	)

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, cleanup, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := deps.dispatcher.Run(ctx); err != nil {
			logger.Error("dispatcher error", "error", err)
			cancel()
		}
	}()

	if deps.bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := deps.bridge.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka bridge error", "error", err)
				cancel()
			}
		}()
	}

	if deps.server != nil {
		go func() {
			if err := deps.server.Start(); err != nil {
				logger.Error("server error", "error", err)
				cancel()
			}
		}()
	}

	if deps.dedupSweep != nil {
		go deps.dedupSweep(ctx)
	}

	logger.Info("wipsie worker started",
		"queues", deps.dispatcher.Queues(),
		"task_types", deps.registry.Types(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if deps.server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		if err := deps.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		shutdownCancel()
	}

	// The dispatcher drains in-flight tasks within worker.shutdown_grace.
	wg.Wait()

	logger.Info("wipsie worker stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	dispatcher *dispatcher.Dispatcher
	registry   *task.Registry
	server     *api.Server
	bridge     *kafkabridge.Consumer
	dedupSweep func(context.Context)
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		client       queue.Client
		results      store.ResultRepository
		dedup        store.DedupStore
		deps         = &dependencies{}
		cleanupFuncs []func()
	)

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}
	fail := func(err error) (*dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Broker
	switch cfg.Broker.Mode {
	case config.BrokerModeSQS:
		logger.Info("initializing SQS broker", "region", cfg.Broker.Region, "endpoint", cfg.Broker.Endpoint)
		sqsClient, err := sqsqueue.New(ctx, &cfg.Broker, cfg.Queues, logger)
		if err != nil {
			return fail(err)
		}
		client = sqsClient
	default:
		logger.Info("initializing in-memory broker")
		memBroker, err := memoryqueue.NewFromConfig(cfg.Queues, logger)
		if err != nil {
			return fail(err)
		}
		client = memBroker
	}
	cleanupFuncs = append(cleanupFuncs, func() { _ = client.Close() })

	// Storage
	if cfg.Storage.UseMemory() {
		logger.Info("initializing in-memory storage")

		results = memorystor.NewResultRepository()

		memDedup := memorystor.NewDedupStore()
		dedup = memDedup
		deps.dedupSweep = func(ctx context.Context) {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := memDedup.Cleanup(); n > 0 {
						logger.Debug("expired dedup keys removed", "count", n)
					}
				}
			}
		}
	} else {
		logger.Info("initializing production storage (Redis, PostgreSQL)")

		db, err := postgresstor.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return fail(err)
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		if err := db.RunMigrations(ctx); err != nil {
			return fail(err)
		}
		logger.Info("database migrations completed")

		results = postgresstor.NewResultRepository(db)

		redisStore, err := redisstor.NewDedupStore(&cfg.Redis)
		if err != nil {
			return fail(err)
		}
		dedup = redisStore
	}
	cleanupFuncs = append(cleanupFuncs, func() { _ = dedup.Close() })

	// Routing and publishing
	r, err := router.FromConfig(cfg.Routing)
	if err != nil {
		return fail(err)
	}
	producerService := producer.NewService(client, r, cfg.Worker.Source, logger)

	// Task handlers
	registry := task.NewRegistry(logger)
	if err := handlers.New(logger, handlers.DefaultNotifier(logger, producerService)).Register(registry); err != nil {
		return fail(err)
	}
	registry.Freeze()
	deps.registry = registry

	// Status side channel
	reporters := status.Multi{
		status.NewLogReporter(logger),
		status.NewStoreReporter(results),
	}

	if cfg.Kafka.Enabled {
		logger.Info("initializing kafka status reporter and task bridge",
			"brokers", cfg.Kafka.Brokers,
			"result_topic", cfg.Kafka.ResultTopic,
			"request_topic", cfg.Kafka.RequestTopic,
		)

		kafkaReporter := kafkastatus.NewReporter(&cfg.Kafka)
		reporters = append(reporters, kafkaReporter)
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaReporter.Close() })

		deps.bridge = kafkabridge.NewConsumer(&cfg.Kafka, producerService, logger)
		cleanupFuncs = append(cleanupFuncs, func() { _ = deps.bridge.Close() })
	}

	tracker := lease.NewTracker(client, logger)
	deps.dispatcher = dispatcher.New(cfg, client, registry, tracker, reporters, dedup, logger)

	if cfg.Server.IsEnabled() {
		deps.server = api.NewServer(api.ServerDeps{
			Config:        &cfg.Server,
			Logger:        logger,
			Client:        client,
			TaskHandler:   api.NewTaskHandler(producerService, registry, logger),
			QueueHandler:  api.NewQueueHandler(client, logger),
			ResultHandler: api.NewResultHandler(results, logger),
			LeaseHandler:  api.NewLeaseHandler(tracker),
		})
	}

	return deps, cleanup, nil
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
