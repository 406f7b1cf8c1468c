package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/notify"
	"github.com/cuongbtq/jobqueue/internal/queue/producer"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeued = a.requeued || requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeWakeSource struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (s *fakeWakeSource) Qos(prefetchCount int) error {
	s.prefetch = prefetchCount
	return nil
}

func (s *fakeWakeSource) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

func TestWorker_RetriesUntilFailed(t *testing.T) {
	store := storage.NewMemoryStore()
	registry := NewRegistry()

	var (
		mu    sync.Mutex
		calls []time.Time
	)
	require.NoError(t, registry.Register("reports", func(ctx context.Context, payload []byte, attempt int) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return errors.New("pdf renderer crashed")
	}))

	w := NewWorker(&Config{
		Logger:       discardLogger(),
		Store:        store,
		Registry:     registry,
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
	})

	local := notify.NewLocalNotifier(w)
	p := producer.New(store, discardLogger(), producer.WithNotifier(local))

	const base = 50 * time.Millisecond
	id, err := p.Enqueue(context.Background(), "reports", []byte(`{}`), domain.Options{
		MaxAttempts: 3,
		Backoff:     &domain.Backoff{Type: domain.BackoffFixed, BaseMs: base.Milliseconds()},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	job := waitForState(t, store, id, domain.StateFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Len(t, job.ErrorHistory, 3)

	mu.Lock()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), base)
	}
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, w.Stop(context.Background()))
}

func TestWorker_WakeSignals(t *testing.T) {
	store := storage.NewMemoryStore()
	registry := NewRegistry()
	processed := make(chan struct{}, 1)
	require.NoError(t, registry.Register("review-sync", func(ctx context.Context, payload []byte, attempt int) error {
		processed <- struct{}{}
		return nil
	}))

	source := &fakeWakeSource{deliveries: make(chan amqp.Delivery, 4)}
	w := NewWorker(&Config{
		Logger:        discardLogger(),
		Store:         store,
		Registry:      registry,
		Wakes:         source,
		PrefetchCount: 3,
		PollInterval:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Let the first pass run against an empty store
	time.Sleep(20 * time.Millisecond)

	p := producer.New(store, discardLogger())
	id, err := p.Enqueue(context.Background(), "review-sync", nil, domain.Options{})
	require.NoError(t, err)
	require.NoError(t, uuid.Validate(id))

	bad := &fakeAcknowledger{}
	source.deliveries <- amqp.Delivery{Acknowledger: bad, Body: []byte(`{"job_id":"not-a-uuid"}`)}
	good := &fakeAcknowledger{}
	body, err := notify.Signal{JobID: id, Queue: "review-sync"}.Encode()
	require.NoError(t, err)
	source.deliveries <- amqp.Delivery{Acknowledger: good, Body: body}

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("wake signal did not trigger a scheduling pass")
	}

	assert.Eventually(t, func() bool {
		good.mu.Lock()
		defer good.mu.Unlock()
		return good.acks == 1
	}, time.Second, 5*time.Millisecond)

	bad.mu.Lock()
	assert.Equal(t, 1, bad.nacks)
	assert.False(t, bad.requeued)
	bad.mu.Unlock()

	assert.Equal(t, 3, source.prefetch)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, w.Stop(context.Background()))
}

func TestWorker_RegistrySealedOnStart(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("reports", noop))

	w := NewWorker(&Config{
		Logger:   discardLogger(),
		Store:    storage.NewMemoryStore(),
		Registry: registry,
		WorkerID: "worker-fixed",
	})
	assert.Equal(t, "worker-fixed", w.ID())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Start(ctx))

	assert.ErrorIs(t, registry.Register("late", noop), ErrRegistrySealed)
}
