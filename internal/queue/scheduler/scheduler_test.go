package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	slots int
	jobs  []*domain.Job
}

func (d *fakeDispatcher) Slots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slots
}

func (d *fakeDispatcher) Dispatch(job *domain.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots--
	d.jobs = append(d.jobs, job)
}

func (d *fakeDispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots++
}

func (d *fakeDispatcher) dispatched() []*domain.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.Job(nil), d.jobs...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock      *clock
	store      *storage.MemoryStore
	dispatcher *fakeDispatcher
	scheduler  *Scheduler
}

func newFixture(slots int, cfg Config) *fixture {
	c := &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore(storage.WithClock(c.Now))
	d := &fakeDispatcher{slots: slots}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-test"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		clock:      c,
		store:      store,
		dispatcher: d,
		scheduler:  New(store, d, cfg, logger, WithClock(c.Now)),
	}
}

func (f *fixture) enqueue(t *testing.T, queue string, priority int, delay time.Duration) string {
	t.Helper()
	now := f.clock.Now()
	state := domain.StateQueued
	if delay > 0 {
		state = domain.StateDelayed
	}
	id, err := f.store.Enqueue(context.Background(), &domain.Job{
		QueueName:   queue,
		Priority:    priority,
		State:       state,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Type: domain.BackoffFixed, BaseMs: 1000},
		RunAt:       now.Add(delay),
		CreatedAt:   now,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	return id
}

func (f *fixture) finish(t *testing.T, job *domain.Job) {
	t.Helper()
	require.NoError(t, f.store.MarkCompleted(context.Background(), job.ID))
	f.dispatcher.release()
}

func TestScheduler_PriorityOrderWithSingleSlot(t *testing.T) {
	f := newFixture(1, Config{Queues: []QueueConfig{{Name: "reports"}}})
	ctx := context.Background()

	for _, p := range []int{1, 5, 3} {
		f.enqueue(t, "reports", p, 0)
	}

	var order []int
	for i := 0; i < 3; i++ {
		n, err := f.scheduler.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		jobs := f.dispatcher.dispatched()
		last := jobs[len(jobs)-1]
		order = append(order, last.Priority)
		f.finish(t, last)
	}

	assert.Equal(t, []int{5, 3, 1}, order)
}

func TestScheduler_QueueConcurrencyCap(t *testing.T) {
	f := newFixture(10, Config{Queues: []QueueConfig{{Name: "billing-sync", Concurrency: 2}}})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.enqueue(t, "billing-sync", 0, 0)
	}

	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "cap reached while both jobs are active")

	f.finish(t, f.dispatcher.dispatched()[0])

	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduler_RoundRobinAcrossQueues(t *testing.T) {
	f := newFixture(4, Config{Queues: []QueueConfig{{Name: "reports"}, {Name: "analytics-rollup"}}})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.enqueue(t, "reports", 0, 0)
	}
	for i := 0; i < 2; i++ {
		f.enqueue(t, "analytics-rollup", 0, 0)
	}

	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	counts := map[string]int{}
	for _, j := range f.dispatcher.dispatched() {
		counts[j.QueueName]++
	}
	assert.Equal(t, 2, counts["reports"])
	assert.Equal(t, 2, counts["analytics-rollup"])
}

func TestScheduler_DelayedJobBecomesEligible(t *testing.T) {
	f := newFixture(1, Config{Queues: []QueueConfig{{Name: "reports"}}})
	ctx := context.Background()

	id := f.enqueue(t, "reports", 0, 5*time.Second)

	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(5 * time.Second)
	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, id, f.dispatcher.dispatched()[0].ID)
}

func TestScheduler_RetryNowEligibleNextPass(t *testing.T) {
	f := newFixture(1, Config{Queues: []QueueConfig{{Name: "reports"}}})
	ctx := context.Background()

	id := f.enqueue(t, "reports", 0, 0)
	_, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.store.MarkFailed(ctx, id, "boom", f.clock.Now())
		require.NoError(t, err)
		f.dispatcher.release()
		_, err = f.scheduler.Tick(ctx)
		require.NoError(t, err)
	}

	job, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, job.State)

	require.NoError(t, f.store.RetryNow(ctx, id))
	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduler_RateLimit(t *testing.T) {
	f := newFixture(10, Config{Queues: []QueueConfig{{Name: "review-sync", RateLimit: 1, RateBurst: 1}}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.enqueue(t, "review-sync", 0, 0)
	}

	n, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Second)
	n, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduler_ReapStaleJobs(t *testing.T) {
	f := newFixture(2, Config{
		Queues:       []QueueConfig{{Name: "reports"}},
		ReapInterval: time.Second,
		StaleAfter:   30 * time.Second,
	})
	ctx := context.Background()

	id := f.enqueue(t, "reports", 0, 0)
	_, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)

	n, err := f.scheduler.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Minute)
	n, err = f.scheduler.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRetrying, job.State)
	assert.Equal(t, ReasonWorkerLost, job.LastError)
	assert.Equal(t, f.clock.Now().Add(time.Second), job.RunAt)
}

func TestScheduler_Prune(t *testing.T) {
	f := newFixture(1, Config{
		Queues:       []QueueConfig{{Name: "reports"}},
		CompletedTTL: time.Hour,
	})
	ctx := context.Background()

	id := f.enqueue(t, "reports", 0, 0)
	_, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	f.finish(t, f.dispatcher.dispatched()[0])

	n, err := f.scheduler.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.scheduler.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScheduler_WakeNeverBlocks(t *testing.T) {
	f := newFixture(1, Config{})
	for i := 0; i < 10; i++ {
		f.scheduler.Wake()
	}
}

func TestScheduler_RunDispatchesOnWake(t *testing.T) {
	store := storage.NewMemoryStore()
	d := &fakeDispatcher{slots: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(store, d, Config{
		WorkerID:     "worker-run",
		Queues:       []QueueConfig{{Name: "reports"}},
		PollInterval: time.Hour,
		CompletedTTL: time.Hour,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	now := time.Now().UTC()
	_, err := store.Enqueue(context.Background(), &domain.Job{
		QueueName:   "reports",
		State:       domain.StateQueued,
		MaxAttempts: 1,
		RunAt:       now,
		CreatedAt:   now,
	})
	require.NoError(t, err)
	s.Wake()

	assert.Eventually(t, func() bool {
		return len(d.dispatched()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
