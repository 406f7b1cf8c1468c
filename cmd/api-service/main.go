package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/jobqueue/internal/api/handler"
	"github.com/cuongbtq/jobqueue/internal/api/router"
	"github.com/cuongbtq/jobqueue/internal/config"
	"github.com/cuongbtq/jobqueue/internal/jobs"
	"github.com/cuongbtq/jobqueue/internal/queue/notify"
	"github.com/cuongbtq/jobqueue/internal/queue/producer"
	"github.com/cuongbtq/jobqueue/internal/queue/retry"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/cuongbtq/jobqueue/internal/worker"
	"github.com/cuongbtq/jobqueue/shared/logger"
	"github.com/cuongbtq/jobqueue/shared/postgresql"
	"github.com/cuongbtq/jobqueue/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		ServiceName: "job-api-service",
	}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		pgStore := storage.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare schema: %w", err)
		}
		deps.Store = pgStore
		deps.DBClient = dbClient
		appLogger.Info("Database connection established")
	default:
		deps.Store = storage.NewMemoryStore()
	}

	var notifiers notify.Multi

	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		notifiers = append(notifiers, notify.NewAMQPNotifier(rabbitClient))
		appLogger.Info("RabbitMQ connection established")
	}

	// An embedded worker shares the store and is woken in process
	var embedded *worker.Worker
	if cfg.Worker.Embedded {
		embedded, err = newEmbeddedWorker(cfg, deps.Store, appLogger.Logger)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, notify.NewLocalNotifier(embedded))
	}

	producerOpts := []producer.Option{producer.WithNotifier(notifiers)}
	if len(cfg.Queues) > 0 {
		names := make([]string, len(cfg.Queues))
		for i, q := range cfg.Queues {
			names[i] = q.Name
		}
		producerOpts = append(producerOpts, producer.WithKnownQueues(names...))
	}
	deps.Producer = producer.New(deps.Store, appLogger.Logger, producerOpts...)

	// Initialize router
	r := initRouter(cfg, deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 2)

	if embedded != nil {
		go func() {
			if err := embedded.Start(ctx); err != nil {
				errChan <- fmt.Errorf("embedded worker: %w", err)
			}
		}()
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Bool("monitor", cfg.MonitorMounted()),
		slog.Bool("embedded_worker", embedded != nil),
	)

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case runErr = <-errChan:
		appLogger.Error("Service error", slog.Any("error", runErr))
		stop()
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		runErr = errors.Join(runErr, err)
	}

	if embedded != nil {
		workerCtx, workerCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer workerCancel()
		if err := embedded.Stop(workerCtx); err != nil {
			appLogger.Warn("Embedded worker shutdown timeout exceeded", slog.Any("error", err))
		}
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// newEmbeddedWorker builds a worker with the built-in handlers
func newEmbeddedWorker(cfg *config.Config, store storage.Store, logger *slog.Logger) (*worker.Worker, error) {
	registry := worker.NewRegistry()
	if err := jobs.NewHandlers(logger).Register(registry); err != nil {
		return nil, err
	}

	queues := make([]worker.QueueConfig, len(cfg.Queues))
	for i, q := range cfg.Queues {
		queues[i] = worker.QueueConfig{
			Name:        q.Name,
			Concurrency: q.Concurrency,
			Timeout:     q.Timeout,
			RateLimit:   q.RateLimit,
			RateBurst:   q.RateBurst,
		}
	}

	return worker.NewWorker(&worker.Config{
		Logger:            logger.With(slog.String("component", "embedded-worker")),
		Store:             store,
		Registry:          registry,
		WorkerID:          cfg.Worker.ID,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Queues:            queues,
		PollInterval:      cfg.Scheduler.PollInterval,
		ReapInterval:      cfg.Scheduler.ReapInterval,
		StaleAfter:        cfg.Scheduler.StaleAfter,
		RetentionSchedule: cfg.Retention.Schedule,
		CompletedTTL:      cfg.Retention.CompletedTTL,
		Retry: retry.Policy{
			MaxDelay: cfg.Retry.MaxDelay,
			Jitter:   cfg.Retry.Jitter,
		},
	}), nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ connects a publish-only client to the wake-signal exchange
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		RoutingKey:        cfg.RoutingKey,
		PublishOnly:       true,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == config.EnvironmentProduction {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Config{
		MonitorEnabled:  cfg.MonitorMounted(),
		MonitorBasePath: cfg.Monitor.BasePath,
		MonitorToken:    cfg.Monitor.Token,
	})
}
