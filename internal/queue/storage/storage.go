package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
)

// Store is the durable record of job state. Every transition is a conditional
// update on the job's prior state, so concurrent callers in one or many
// processes never apply conflicting transitions.
type Store interface {
	// Enqueue inserts a new job and returns its id
	Enqueue(ctx context.Context, job *domain.Job) (string, error)

	// ClaimNext moves the best queued, due job of queueName to active and
	// returns it. It returns nil, nil when nothing is claimable, including
	// when capacity jobs of that queue are already active (capacity <= 0
	// means no cap) or when a concurrent caller won the race.
	ClaimNext(ctx context.Context, queueName string, capacity int, workerID string) (*domain.Job, error)

	// MarkCompleted moves an active job to completed
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed records a failed attempt of an active job. The job moves to
	// retrying with RunAt = max(retryAt, RunAt) while attempts remain, else
	// to failed. The resulting state is returned.
	MarkFailed(ctx context.Context, id, reason string, retryAt time.Time) (domain.State, error)

	// Get returns a job by id
	Get(ctx context.Context, id string) (*domain.Job, error)

	// List returns one page of jobs matching the filter and the total match count
	List(ctx context.Context, filter Filter) ([]domain.Job, int, error)

	// Remove deletes a job that is not active
	Remove(ctx context.Context, id string) error

	// PromoteDue moves delayed and retrying jobs whose RunAt has passed to queued
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// RetryNow re-queues a failed or dead job with RunAt = now and a fresh
	// attempt budget
	RetryNow(ctx context.Context, id string) error

	// Kill moves a job that is not active or already dead to dead
	Kill(ctx context.Context, id string) error

	// Heartbeat refreshes the heartbeat of an active job owned by workerID
	Heartbeat(ctx context.Context, id, workerID string) error

	// ReapStale returns active jobs whose heartbeat is older than olderThan
	ReapStale(ctx context.Context, olderThan time.Time) ([]domain.Job, error)

	// PruneCompleted deletes completed jobs finished before olderThan
	PruneCompleted(ctx context.Context, olderThan time.Time) (int, error)

	// Stats returns job counts per queue and state
	Stats(ctx context.Context) ([]QueueStats, error)
}

// Filter selects jobs for List
type Filter struct {
	QueueName     string
	States        []domain.State
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int // 1-based
	PageSize      int
}

// Normalize applies paging defaults and bounds
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset returns the number of rows to skip
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Paging bounds for List
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// QueueStats counts jobs of one queue by state
type QueueStats struct {
	QueueName string               `json:"queue"`
	Counts    map[domain.State]int `json:"counts"`
}

// Clock returns the current time
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
