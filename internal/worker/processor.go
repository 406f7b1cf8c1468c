package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
)

// errShutdown is recorded when the pool abandons a job on shutdown
var errShutdown = errors.New("worker shutdown")

// storeTimeout bounds outcome writes, which must outlive a canceled pool
const storeTimeout = 10 * time.Second

// process runs one claimed job with heartbeat and records the outcome
func (p *Pool) process(job *domain.Job) {
	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("queue", job.QueueName),
		slog.Int("attempt", job.Attempts),
	)
	logger.Info("Processing job")

	heartbeatCtx, stopHeartbeat := context.WithCancel(p.ctx)
	go p.sendJobHeartbeat(heartbeatCtx, job.ID)

	started := p.clock()
	err := p.execute(p.ctx, job)
	stopHeartbeat()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), storeTimeout)
	defer cancel()

	if err == nil {
		if markErr := p.store.MarkCompleted(ctx, job.ID); markErr != nil {
			logger.Error("Failed to mark job completed",
				slog.String("error", markErr.Error()),
			)
			return
		}
		logger.Info("Job completed",
			slog.Duration("duration", p.clock().Sub(started)),
		)
		return
	}

	p.recordFailure(ctx, logger, job, err)
}

// execute calls the queue handler under the job's time budget. A handler
// that outlives its budget is abandoned, not killed.
func (p *Pool) execute(ctx context.Context, job *domain.Job) error {
	handler, ok := p.registry.Lookup(job.QueueName)
	if !ok {
		return domain.ErrNoHandler
	}

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if timeout := p.timeoutFor(job); timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- domain.NewHandlerError(fmt.Errorf("panic: %v", r))
			}
		}()
		done <- domain.NewHandlerError(handler(jobCtx, job.Payload, job.Attempts))
	}()

	select {
	case err := <-done:
		return err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return domain.ErrTimeout
		}
		return errShutdown
	}
}

func (p *Pool) recordFailure(ctx context.Context, logger *slog.Logger, job *domain.Job, cause error) {
	reason := cause.Error()
	retryAt := p.config.Retry.NextRunAt(job.Attempts, job.Backoff, p.clock())

	state, err := p.store.MarkFailed(ctx, job.ID, reason, retryAt)
	if err != nil {
		logger.Error("Failed to record job failure",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}

	if state == domain.StateFailed {
		history := append(append([]string(nil), job.ErrorHistory...), reason)
		logger.Error("Job failed permanently",
			slog.String("error", domain.ErrAttemptsExhausted.Error()),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.String("history", strings.Join(history, " | ")),
		)
		return
	}

	logger.Warn("Job failed, will retry",
		slog.String("reason", reason),
		slog.Time("retry_at", retryAt),
	)
}

// sendJobHeartbeat refreshes the job's heartbeat until ctx is canceled
func (p *Pool) sendJobHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, jobID, p.config.WorkerID); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
