// Package scheduler moves due jobs to queued and hands claimable jobs to the
// worker pool.
//
// A pass runs on every poll tick and on every wake signal, so a delayed or
// retrying job starts at most one poll interval after its runAt.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/retry"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// ReasonWorkerLost is recorded on jobs whose worker stopped heartbeating
const ReasonWorkerLost = "worker lost"

// Dispatcher runs claimed jobs
type Dispatcher interface {
	// Slots reports how many more jobs can start right now
	Slots() int

	// Dispatch starts a claimed job
	Dispatch(job *domain.Job)
}

// QueueConfig holds per-queue scheduling limits
type QueueConfig struct {
	Name string

	// Concurrency caps active jobs of this queue across all workers.
	// Zero means no cap beyond the pool size.
	Concurrency int

	// RateLimit is the sustained claims per second. Zero disables it.
	RateLimit float64
	RateBurst int
}

// Config holds scheduler settings
type Config struct {
	WorkerID     string
	Queues       []QueueConfig
	PollInterval time.Duration

	// ReapInterval and StaleAfter drive the stale job reaper.
	// The reaper is off when either is zero.
	ReapInterval time.Duration
	StaleAfter   time.Duration

	// RetentionSchedule is a cron expression for pruning completed jobs older
	// than CompletedTTL. Pruning is off when CompletedTTL is zero.
	RetentionSchedule string
	CompletedTTL      time.Duration

	Retry retry.Policy
}

// Default settings
const (
	DefaultPollInterval      = time.Second
	DefaultRetentionSchedule = "@every 1h"
)

type queueState struct {
	config  QueueConfig
	limiter *rate.Limiter
}

// Scheduler promotes due jobs and claims work for a Dispatcher
type Scheduler struct {
	store      storage.Store
	dispatcher Dispatcher
	config     Config
	queues     []*queueState
	wake       chan struct{}
	clock      func() time.Time
	logger     *slog.Logger
	mu         sync.Mutex
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a Scheduler
func New(store storage.Store, dispatcher Dispatcher, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = DefaultRetentionSchedule
	}

	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		wake:       make(chan struct{}, 1),
		clock:      func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
	for _, qc := range cfg.Queues {
		qs := &queueState{config: qc}
		if qc.RateLimit > 0 {
			burst := qc.RateBurst
			if burst <= 0 {
				burst = 1
			}
			qs.limiter = rate.NewLimiter(rate.Limit(qc.RateLimit), burst)
		}
		s.queues = append(s.queues, qs)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wake requests an immediate pass. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives passes, the reaper and retention until ctx is canceled
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		slog.String("worker_id", s.config.WorkerID),
		slog.Int("queues", len(s.queues)),
		slog.Duration("poll_interval", s.config.PollInterval),
	)

	retention, err := s.startRetention(ctx)
	if err != nil {
		return err
	}
	if retention != nil {
		defer func() { <-retention.Stop().Done() }()
	}

	var wg sync.WaitGroup
	if s.config.ReapInterval > 0 && s.config.StaleAfter > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reapLoop(ctx)
		}()
	}
	defer wg.Wait()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduling pass failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// Tick runs one pass: promote due jobs, then claim round-robin across queues
// while the dispatcher has free slots. Returns the number of jobs dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	promoted, err := s.store.PromoteDue(ctx, now)
	if err != nil {
		return 0, err
	}
	if promoted > 0 {
		s.logger.Debug("Promoted due jobs", slog.Int("count", promoted))
	}

	dispatched := 0
	exhausted := make(map[string]bool, len(s.queues))
	for s.dispatcher.Slots() > 0 && len(exhausted) < len(s.queues) {
		progress := false
		for _, qs := range s.queues {
			if exhausted[qs.config.Name] || s.dispatcher.Slots() <= 0 {
				continue
			}

			job, err := s.claim(ctx, qs, now)
			if err != nil {
				return dispatched, err
			}
			if job == nil {
				exhausted[qs.config.Name] = true
				continue
			}

			s.dispatcher.Dispatch(job)
			dispatched++
			progress = true
		}
		if !progress {
			break
		}
	}

	return dispatched, nil
}

func (s *Scheduler) claim(ctx context.Context, qs *queueState, now time.Time) (*domain.Job, error) {
	var reservation *rate.Reservation
	if qs.limiter != nil {
		reservation = qs.limiter.ReserveN(now, 1)
		if !reservation.OK() || reservation.DelayFrom(now) > 0 {
			reservation.CancelAt(now)
			return nil, nil
		}
	}

	job, err := s.store.ClaimNext(ctx, qs.config.Name, qs.config.Concurrency, s.config.WorkerID)
	if errors.Is(err, domain.ErrClaimConflict) {
		err = nil
	}
	if job == nil && reservation != nil {
		reservation.CancelAt(now)
	}
	if err != nil {
		return nil, err
	}

	if job != nil {
		s.logger.Debug("Job claimed",
			slog.String("job_id", job.ID),
			slog.String("queue", job.QueueName),
			slog.Int("attempt", job.Attempts),
		)
	}
	return job, nil
}

func (s *Scheduler) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reap(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Stale job reaping failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Reap fails active jobs whose heartbeat is older than StaleAfter so they go
// through the normal retry path
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	now := s.clock()
	stale, err := s.store.ReapStale(ctx, now.Add(-s.config.StaleAfter))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range stale {
		job := &stale[i]
		retryAt := s.config.Retry.NextRunAt(job.Attempts, job.Backoff, now)

		state, err := s.store.MarkFailed(ctx, job.ID, ReasonWorkerLost, retryAt)
		if err != nil {
			// The worker finished it after all
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return reaped, err
		}
		reaped++

		if state == domain.StateFailed {
			s.logger.Error("Job failed permanently",
				slog.String("job_id", job.ID),
				slog.String("queue", job.QueueName),
				slog.String("error", domain.ErrAttemptsExhausted.Error()),
				slog.String("history", strings.Join(append(job.ErrorHistory, ReasonWorkerLost), " | ")),
			)
		} else {
			s.logger.Warn("Reaped stale job",
				slog.String("job_id", job.ID),
				slog.String("queue", job.QueueName),
				slog.String("previous_worker", job.WorkerID),
				slog.Time("retry_at", retryAt),
			)
		}
	}

	if reaped > 0 {
		s.Wake()
	}
	return reaped, nil
}

// Prune deletes completed jobs older than CompletedTTL
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	if s.config.CompletedTTL <= 0 {
		return 0, nil
	}

	pruned, err := s.store.PruneCompleted(ctx, s.clock().Add(-s.config.CompletedTTL))
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.logger.Info("Pruned completed jobs",
			slog.Int("count", pruned),
			slog.Duration("ttl", s.config.CompletedTTL),
		)
	}
	return pruned, nil
}

func (s *Scheduler) startRetention(ctx context.Context) (*cron.Cron, error) {
	if s.config.CompletedTTL <= 0 {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.config.RetentionSchedule, func() {
		if _, err := s.Prune(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Retention pruning failed",
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()

	s.logger.Info("Retention scheduled",
		slog.String("schedule", s.config.RetentionSchedule),
		slog.Duration("completed_ttl", s.config.CompletedTTL),
	)
	return c, nil
}
