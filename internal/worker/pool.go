package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/retry"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
)

// PoolConfig holds worker pool settings
type PoolConfig struct {
	WorkerID    string
	Concurrency int

	// JobTimeout applies when neither the job nor its queue sets one.
	// Zero means no limit.
	JobTimeout    time.Duration
	QueueTimeouts map[string]time.Duration

	HeartbeatInterval time.Duration
	Retry             retry.Policy
}

// Default pool settings
const (
	DefaultConcurrency       = 5
	DefaultHeartbeatInterval = 10 * time.Second
)

// Pool runs claimed jobs on a fixed number of slots
type Pool struct {
	store    storage.Store
	registry *Registry
	config   PoolConfig
	slots    chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	clock    func() time.Time
	logger   *slog.Logger

	stopOnce sync.Once
	stopping chan struct{}
}

// NewPool creates a Pool
func NewPool(store storage.Store, registry *Registry, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:    store,
		registry: registry,
		config:   cfg,
		slots:    make(chan struct{}, cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logger,
		stopping: make(chan struct{}),
	}
}

// Slots reports how many jobs can start without waiting
func (p *Pool) Slots() int {
	select {
	case <-p.stopping:
		return 0
	default:
	}
	return cap(p.slots) - len(p.slots)
}

// Dispatch runs a claimed job in its own goroutine. It only blocks when every
// slot is busy.
func (p *Pool) Dispatch(job *domain.Job) {
	p.slots <- struct{}{}
	p.wg.Add(1)

	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		p.process(job)
	}()
}

// Stop waits for in-flight jobs. When ctx expires first, running handlers are
// abandoned and their jobs are recorded as failed.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopping) })

	p.logger.Info("Stopping worker pool",
		slog.String("worker_id", p.config.WorkerID),
		slog.Int("in_flight", len(p.slots)),
	)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("Worker pool stopped before in-flight jobs finished")
		return ctx.Err()
	}
}

// timeoutFor picks the job timeout, then the queue timeout, then the default
func (p *Pool) timeoutFor(job *domain.Job) time.Duration {
	if d := job.Timeout(); d > 0 {
		return d
	}
	if d := p.config.QueueTimeouts[job.QueueName]; d > 0 {
		return d
	}
	return p.config.JobTimeout
}
