package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/retry"
	"github.com/cuongbtq/jobqueue/internal/queue/scheduler"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// QueueConfig holds the per-queue limits a worker applies
type QueueConfig struct {
	Name        string
	Concurrency int
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Store    storage.Store
	Registry *Registry

	// Wakes is optional. Without it the scheduler relies on polling and
	// in-process Wake calls.
	Wakes         WakeSource
	PrefetchCount int

	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Queues            []QueueConfig

	PollInterval      time.Duration
	ReapInterval      time.Duration
	StaleAfter        time.Duration
	RetentionSchedule string
	CompletedTTL      time.Duration
	Retry             retry.Policy
}

// Worker owns a scheduler and the pool it feeds
type Worker struct {
	logger        *slog.Logger
	registry      *Registry
	wakes         WakeSource
	prefetchCount int
	workerID      string
	pool          *Pool
	scheduler     *scheduler.Scheduler
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}
	logger := cfg.Logger.With(slog.String("worker_id", workerID))

	timeouts := make(map[string]time.Duration)
	var queues []scheduler.QueueConfig
	seen := make(map[string]bool)
	for _, q := range cfg.Queues {
		seen[q.Name] = true
		if q.Timeout > 0 {
			timeouts[q.Name] = q.Timeout
		}
		queues = append(queues, scheduler.QueueConfig{
			Name:        q.Name,
			Concurrency: q.Concurrency,
			RateLimit:   q.RateLimit,
			RateBurst:   q.RateBurst,
		})
	}
	// Registered queues without explicit limits are still polled
	for _, name := range cfg.Registry.Queues() {
		if !seen[name] {
			queues = append(queues, scheduler.QueueConfig{Name: name})
		}
	}

	pool := NewPool(cfg.Store, cfg.Registry, PoolConfig{
		WorkerID:          workerID,
		Concurrency:       cfg.Concurrency,
		JobTimeout:        cfg.JobTimeout,
		QueueTimeouts:     timeouts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Retry:             cfg.Retry,
	}, logger)

	sched := scheduler.New(cfg.Store, pool, scheduler.Config{
		WorkerID:          workerID,
		Queues:            queues,
		PollInterval:      cfg.PollInterval,
		ReapInterval:      cfg.ReapInterval,
		StaleAfter:        cfg.StaleAfter,
		RetentionSchedule: cfg.RetentionSchedule,
		CompletedTTL:      cfg.CompletedTTL,
		Retry:             cfg.Retry,
	}, logger)

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 10
	}

	return &Worker{
		logger:        logger,
		registry:      cfg.Registry,
		wakes:         cfg.Wakes,
		prefetchCount: prefetch,
		workerID:      workerID,
		pool:          pool,
		scheduler:     sched,
	}
}

// ID returns the worker id recorded on claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// Wake asks the scheduler for an immediate pass
func (w *Worker) Wake() {
	w.scheduler.Wake()
}

// Start runs the scheduler and the wake consumer until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.registry.Seal()

	w.logger.Info("Starting worker",
		slog.Any("handlers", w.registry.Queues()),
	)

	g, gctx := errgroup.WithContext(ctx)

	if w.wakes != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return fmt.Errorf("failed to setup consumer: %w", err)
		}
		g.Go(func() error {
			return w.listen(gctx, deliveries)
		})
	}

	g.Go(func() error {
		return w.scheduler.Run(gctx)
	})

	return g.Wait()
}

// Stop waits for in-flight jobs until ctx expires
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	if err := w.pool.Stop(ctx); err != nil {
		return err
	}
	w.logger.Info("Worker stopped")
	return nil
}
