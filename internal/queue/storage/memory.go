package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps jobs in process memory. A single mutex serializes every
// transition, which gives the same conditional-update guarantees as the
// Postgres store within one process. Used by tests and the dev profile.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	clock Clock
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for timestamps and due checks
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:  make(map[string]*domain.Job),
		clock: systemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Enqueue(_ context.Context, job *domain.Job) (string, error) {
	if job == nil {
		return "", errors.New("job cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := job.Clone()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if _, exists := s.jobs[cp.ID]; exists {
		return "", fmt.Errorf("job with ID %s already exists", cp.ID)
	}

	now := s.clock()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.jobs[cp.ID] = cp

	return cp.ID, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, queueName string, capacity int, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	active := 0
	var best *domain.Job

	for _, j := range s.jobs {
		if j.QueueName != queueName {
			continue
		}
		if j.State == domain.StateActive {
			active++
			continue
		}
		if j.State != domain.StateQueued || j.RunAt.After(now) {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}

	if best == nil || (capacity > 0 && active >= capacity) {
		return nil, nil
	}

	best.State = domain.StateActive
	best.Attempts++
	best.WorkerID = workerID
	started := now
	best.StartedAt = &started
	heartbeat := now
	best.HeartbeatAt = &heartbeat
	best.UpdatedAt = now

	return best.Clone(), nil
}

// claimsBefore orders claim candidates: priority DESC, createdAt ASC, id ASC
func claimsBefore(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != domain.StateActive {
		return domain.TransitionError(id, j.State, "complete")
	}

	now := s.clock()
	j.State = domain.StateCompleted
	j.LastError = ""
	j.WorkerID = ""
	j.HeartbeatAt = nil
	completed := now
	j.CompletedAt = &completed
	j.UpdatedAt = now

	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, reason string, retryAt time.Time) (domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if j.State != domain.StateActive {
		return j.State, domain.TransitionError(id, j.State, "fail")
	}

	now := s.clock()
	j.LastError = reason
	j.ErrorHistory = append(j.ErrorHistory, reason)
	j.WorkerID = ""
	j.HeartbeatAt = nil
	j.UpdatedAt = now

	if j.Attempts >= j.MaxAttempts {
		j.State = domain.StateFailed
		completed := now
		j.CompletedAt = &completed
		return j.State, nil
	}

	j.State = domain.StateRetrying
	if retryAt.After(j.RunAt) {
		j.RunAt = retryAt
	}
	return j.State, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.Job, int, error) {
	filter = filter.Normalize()

	s.mu.Lock()
	matched := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !matches(j, filter) {
			continue
		}
		matched = append(matched, *j.Clone())
	}
	s.mu.Unlock()

	// Newest first, id as tie-break for stable pages
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return []domain.Job{}, total, nil
	}
	end := min(start+filter.PageSize, total)

	return matched[start:end], total, nil
}

func matches(j *domain.Job, f Filter) bool {
	if f.QueueName != "" && j.QueueName != f.QueueName {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
		return false
	}
	if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !j.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State == domain.StateActive {
		return domain.TransitionError(id, j.State, "remove")
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	for _, j := range s.jobs {
		if j.State != domain.StateDelayed && j.State != domain.StateRetrying {
			continue
		}
		if j.RunAt.After(now) {
			continue
		}
		j.State = domain.StateQueued
		j.UpdatedAt = s.clock()
		promoted++
	}
	return promoted, nil
}

func (s *MemoryStore) RetryNow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != domain.StateFailed && j.State != domain.StateDead {
		return domain.TransitionError(id, j.State, "retry")
	}

	now := s.clock()
	j.State = domain.StateQueued
	j.Attempts = 0
	j.RunAt = now
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Kill(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State == domain.StateActive || j.State == domain.StateDead {
		return domain.TransitionError(id, j.State, "kill")
	}

	j.State = domain.StateDead
	j.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != domain.StateActive || j.WorkerID != workerID {
		return domain.TransitionError(id, j.State, "heartbeat")
	}

	now := s.clock()
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReapStale(_ context.Context, olderThan time.Time) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []domain.Job
	for _, j := range s.jobs {
		if j.State != domain.StateActive || j.HeartbeatAt == nil {
			continue
		}
		if j.HeartbeatAt.Before(olderThan) {
			stale = append(stale, *j.Clone())
		}
	}
	return stale, nil
}

func (s *MemoryStore) PruneCompleted(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, j := range s.jobs {
		if j.State != domain.StateCompleted || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Stats(_ context.Context) ([]QueueStats, error) {
	s.mu.Lock()
	byQueue := make(map[string]map[domain.State]int)
	for _, j := range s.jobs {
		counts, ok := byQueue[j.QueueName]
		if !ok {
			counts = make(map[domain.State]int)
			byQueue[j.QueueName] = counts
		}
		counts[j.State]++
	}
	s.mu.Unlock()

	stats := make([]QueueStats, 0, len(byQueue))
	for name, counts := range byQueue {
		stats = append(stats, QueueStats{QueueName: name, Counts: counts})
	}
	sort.Slice(stats, func(a, b int) bool { return stats[a].QueueName < stats[b].QueueName })
	return stats, nil
}
