//go:build integration

package storage

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("JOBQUEUE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBQUEUE_POSTGRES_DSN not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewPostgresStore(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, store.EnsureSchema(context.Background()))

	_, err = db.Exec(`TRUNCATE queue_jobs`)
	require.NoError(t, err)

	return store
}

func pgJob(queue string, priority int) *domain.Job {
	now := time.Now().UTC().Add(-time.Second)
	return &domain.Job{
		QueueName:   queue,
		Payload:     []byte(`{"report":"monthly"}`),
		Priority:    priority,
		State:       domain.StateQueued,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Type: domain.BackoffFixed, BaseMs: 1000},
		RunAt:       now,
	}
}

func TestPostgresStore_ConcurrentClaimSingleOwner(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, pgJob("reports", 0))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.ClaimNext(ctx, "reports", 0, "worker")
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				winners = append(winners, job.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, id, winners[0])
}

func TestPostgresStore_ClaimOrderAndCapacity(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	for _, p := range []int{1, 5, 3} {
		_, err := store.Enqueue(ctx, pgJob("reports", p))
		require.NoError(t, err)
	}

	first, err := store.ClaimNext(ctx, "reports", 1, "worker")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 5, first.Priority)

	blocked, err := store.ClaimNext(ctx, "reports", 1, "worker")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, store.MarkCompleted(ctx, first.ID))

	second, err := store.ClaimNext(ctx, "reports", 1, "worker")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 3, second.Priority)
}

func TestPostgresStore_FailureCycle(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, pgJob("billing", 0))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := store.ClaimNext(ctx, "billing", 0, "worker")
		require.NoError(t, err)
		require.NotNil(t, job)

		state, err := store.MarkFailed(ctx, id, "boom", time.Now().UTC().Add(-time.Millisecond))
		require.NoError(t, err)
		if attempt < 3 {
			require.Equal(t, domain.StateRetrying, state)
			_, err = store.PromoteDue(ctx, time.Now().UTC())
			require.NoError(t, err)
		} else {
			require.Equal(t, domain.StateFailed, state)
		}
	}

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	assert.Len(t, job.ErrorHistory, 3)

	assert.ErrorIs(t, store.MarkCompleted(ctx, id), domain.ErrConflict)

	require.NoError(t, store.RetryNow(ctx, id))
	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, job.State)
	assert.Zero(t, job.Attempts)
}

func TestPostgresStore_ListAndStats(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, pgJob("analytics", 0))
		require.NoError(t, err)
	}
	killed, err := store.Enqueue(ctx, pgJob("analytics", 0))
	require.NoError(t, err)
	require.NoError(t, store.Kill(ctx, killed))

	jobs, total, err := store.List(ctx, Filter{QueueName: "analytics", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, jobs, 2)

	jobs, total, err = store.List(ctx, Filter{States: []domain.State{domain.StateDead}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, killed, jobs[0].ID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Counts[domain.StateQueued])
	assert.Equal(t, 1, stats[0].Counts[domain.StateDead])

	_, err = store.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
