// Package producer admits new jobs into the store.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/notify"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Producer validates enqueue requests, persists jobs and wakes schedulers
type Producer struct {
	store    storage.Store
	notifier notify.Notifier
	validate *validator.Validate
	queues   map[string]struct{}
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Producer
type Option func(*Producer)

// WithNotifier sets the wake signal sink
func WithNotifier(n notify.Notifier) Option {
	return func(p *Producer) {
		p.notifier = n
	}
}

// WithKnownQueues restricts enqueue to the given queue names
func WithKnownQueues(names ...string) Option {
	return func(p *Producer) {
		if len(names) == 0 {
			return
		}
		p.queues = make(map[string]struct{}, len(names))
		for _, name := range names {
			p.queues[name] = struct{}{}
		}
	}
}

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(p *Producer) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New creates a Producer
func New(store storage.Store, logger *slog.Logger, opts ...Option) *Producer {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	p := &Producer{
		store:    store,
		validate: v,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue creates a job and returns its id. Invalid input yields a
// *domain.ValidationError and nothing is stored. Every call creates a new job.
func (p *Producer) Enqueue(ctx context.Context, queueName string, payload []byte, opts domain.Options) (string, error) {
	queueName = strings.TrimSpace(queueName)
	if err := p.check(queueName, opts); err != nil {
		return "", err
	}

	now := p.clock()
	job := &domain.Job{
		ID:          uuid.New().String(),
		QueueName:   queueName,
		Payload:     payload,
		Priority:    opts.Priority,
		State:       domain.StateQueued,
		MaxAttempts: opts.MaxAttempts,
		Backoff: domain.Backoff{
			Type:   domain.BackoffFixed,
			BaseMs: domain.DefaultBackoffBaseMs,
		},
		TimeoutMs: opts.TimeoutMs,
		RunAt:     now,
		CreatedAt: now,
	}
	if job.Payload == nil {
		job.Payload = []byte{}
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = domain.DefaultMaxAttempts
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
		if job.Backoff.Type == "" {
			job.Backoff.Type = domain.BackoffFixed
		}
	}
	if opts.DelayMs > 0 {
		job.State = domain.StateDelayed
		job.RunAt = now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
	}

	id, err := p.store.Enqueue(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to store job: %w", err)
	}

	p.logger.Info("Job enqueued",
		slog.String("job_id", id),
		slog.String("queue", queueName),
		slog.String("state", string(job.State)),
		slog.Int("priority", job.Priority),
	)

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, notify.Signal{JobID: id, Queue: queueName}); err != nil {
			p.logger.Warn("Failed to publish wake signal",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	return id, nil
}

func (p *Producer) check(queueName string, opts domain.Options) error {
	var problems []string

	if err := p.validate.Var(queueName, "required,max=128"); err != nil {
		problems = append(problems, describe(err, "queue")...)
	} else if p.queues != nil {
		if _, ok := p.queues[queueName]; !ok {
			problems = append(problems, fmt.Sprintf("queue %q is not registered", queueName))
		}
	}

	if err := p.validate.Struct(opts); err != nil {
		problems = append(problems, describe(err, "")...)
	}

	if len(problems) > 0 {
		return domain.NewValidationError(problems...)
	}
	return nil
}

// describe turns validator errors into readable problems
func describe(err error, field string) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := field
		if name == "" {
			// Drop the root struct name from the namespace
			_, name, _ = strings.Cut(fe.Namespace(), ".")
		}

		switch fe.Tag() {
		case "required":
			problems = append(problems, name+" is required")
		case "max":
			problems = append(problems, fmt.Sprintf("%s must be at most %s characters", name, fe.Param()))
		case "gte":
			problems = append(problems, fmt.Sprintf("%s must be >= %s", name, fe.Param()))
		case "lte":
			problems = append(problems, fmt.Sprintf("%s must be <= %s", name, fe.Param()))
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s must be one of [%s]", name, fe.Param()))
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	return problems
}
