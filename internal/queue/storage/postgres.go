package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema/*.sql
var schemaFS embed.FS

var _ Store = (*PostgresStore)(nil)

const jobColumns = `
	id, queue_name, payload, priority, state, attempts, max_attempts,
	backoff_type, backoff_base_ms, timeout_ms, run_at, last_error,
	error_history, worker_id, heartbeat_at, started_at, completed_at,
	created_at, updated_at`

// jobRow mirrors the queue_jobs table
type jobRow struct {
	ID            string         `db:"id"`
	QueueName     string         `db:"queue_name"`
	Payload       []byte         `db:"payload"`
	Priority      int            `db:"priority"`
	State         string         `db:"state"`
	Attempts      int            `db:"attempts"`
	MaxAttempts   int            `db:"max_attempts"`
	BackoffType   string         `db:"backoff_type"`
	BackoffBaseMs int64          `db:"backoff_base_ms"`
	TimeoutMs     int64          `db:"timeout_ms"`
	RunAt         time.Time      `db:"run_at"`
	LastError     string         `db:"last_error"`
	ErrorHistory  pq.StringArray `db:"error_history"`
	WorkerID      string         `db:"worker_id"`
	HeartbeatAt   sql.NullTime   `db:"heartbeat_at"`
	StartedAt     sql.NullTime   `db:"started_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *jobRow) toJob() *domain.Job {
	job := &domain.Job{
		ID:          r.ID,
		QueueName:   r.QueueName,
		Payload:     r.Payload,
		Priority:    r.Priority,
		State:       domain.State(r.State),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Backoff: domain.Backoff{
			Type:   domain.BackoffType(r.BackoffType),
			BaseMs: r.BackoffBaseMs,
		},
		TimeoutMs: r.TimeoutMs,
		RunAt:     r.RunAt.UTC(),
		LastError: r.LastError,
		WorkerID:  r.WorkerID,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if len(r.ErrorHistory) > 0 {
		job.ErrorHistory = []string(r.ErrorHistory)
	}
	job.HeartbeatAt = nullTime(r.HeartbeatAt)
	job.StartedAt = nullTime(r.StartedAt)
	job.CompletedAt = nullTime(r.CompletedAt)
	return job
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// PostgresStore persists jobs in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema applies the embedded schema files in name order
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	for _, entry := range entries {
		ddl, err := schemaFS.ReadFile("schema/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", entry.Name(), err)
		}
		s.logger.Info("Schema applied", slog.String("file", entry.Name()))
	}

	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if job == nil {
		return "", errors.New("job cannot be nil")
	}

	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO queue_jobs (
			id, queue_name, payload, priority, state, attempts, max_attempts,
			backoff_type, backoff_base_ms, timeout_ms, run_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		id,
		job.QueueName,
		job.Payload,
		job.Priority,
		string(job.State),
		job.Attempts,
		job.MaxAttempts,
		string(job.Backoff.Type),
		job.Backoff.BaseMs,
		job.TimeoutMs,
		job.RunAt,
		createdAt,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return id, nil
}

// ClaimNext claims under a per-queue advisory lock so the active count check
// and the claim are serialized across processes. The UPDATE still re-checks
// the prior state.
func (s *PostgresStore) ClaimNext(ctx context.Context, queueName string, capacity int, workerID string) (*domain.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, queueName); err != nil {
		return nil, fmt.Errorf("failed to lock queue: %w", err)
	}

	if capacity > 0 {
		var active int
		err := tx.GetContext(ctx, &active,
			`SELECT COUNT(*) FROM queue_jobs WHERE queue_name = $1 AND state = $2`,
			queueName, string(domain.StateActive),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to count active jobs: %w", err)
		}
		if active >= capacity {
			return nil, nil
		}
	}

	query := `
		UPDATE queue_jobs
		SET state = $1,
		    attempts = attempts + 1,
		    worker_id = $2,
		    started_at = NOW(),
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue_name = $3
			  AND state = $4
			  AND run_at <= NOW()
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		  AND state = $4
		RETURNING ` + jobColumns

	var row jobRow
	err = tx.GetContext(ctx, &row, query,
		string(domain.StateActive), workerID, queueName, string(domain.StateQueued))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.ID),
		slog.String("queue", queueName),
		slog.String("worker_id", workerID),
	)

	return row.toJob(), nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}

	query := `
		UPDATE queue_jobs
		SET state = $1,
		    last_error = '',
		    worker_id = '',
		    heartbeat_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2 AND state = $3
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.StateCompleted), id, string(domain.StateActive))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return s.checkTransition(ctx, result, id, "complete")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, retryAt time.Time) (domain.State, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", domain.ErrNotFound
	}

	query := `
		UPDATE queue_jobs
		SET state = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
		    run_at = CASE WHEN attempts >= max_attempts THEN run_at ELSE GREATEST(run_at, $3) END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
		    last_error = $4::text,
		    error_history = array_append(error_history, $4::text),
		    worker_id = '',
		    heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id = $5 AND state = $6
		RETURNING state
	`

	var state string
	err := s.db.GetContext(ctx, &state, query,
		string(domain.StateFailed),
		string(domain.StateRetrying),
		retryAt,
		reason,
		id,
		string(domain.StateActive),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			actual, lookupErr := s.stateOf(ctx, id)
			if lookupErr != nil {
				return "", lookupErr
			}
			return actual, domain.TransitionError(id, actual, "fail")
		}
		return "", fmt.Errorf("failed to record job failure: %w", err)
	}

	return domain.State(state), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob(), nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]domain.Job, int, error) {
	filter = filter.Normalize()

	where := " WHERE 1=1"
	args := []interface{}{}
	argIdx := 1

	if filter.QueueName != "" {
		where += fmt.Sprintf(" AND queue_name = $%d", argIdx)
		args = append(args, filter.QueueName)
		argIdx++
	}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		where += fmt.Sprintf(" AND state = ANY($%d)", argIdx)
		args = append(args, pq.Array(states))
		argIdx++
	}

	if filter.CreatedAfter != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.CreatedAfter)
		argIdx++
	}

	if filter.CreatedBefore != nil {
		where += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *filter.CreatedBefore)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM queue_jobs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM queue_jobs` + where +
		" ORDER BY created_at DESC, id DESC" +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.PageSize, filter.Offset())

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, len(rows))
	for i := range rows {
		jobs[i] = *rows[i].toJob()
	}

	return jobs, total, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE id = $1 AND state <> $2`,
		id, string(domain.StateActive),
	)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}

	return s.checkTransition(ctx, result, id, "remove")
}

func (s *PostgresStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET state = $1, updated_at = NOW()
		WHERE state IN ($2, $3) AND run_at <= $4
	`, string(domain.StateQueued), string(domain.StateDelayed), string(domain.StateRetrying), now)
	if err != nil {
		return 0, fmt.Errorf("failed to promote due jobs: %w", err)
	}

	promoted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(promoted), nil
}

func (s *PostgresStore) RetryNow(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET state = $1,
		    attempts = 0,
		    run_at = NOW(),
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND state IN ($3, $4)
	`, string(domain.StateQueued), id, string(domain.StateFailed), string(domain.StateDead))
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	return s.checkTransition(ctx, result, id, "retry")
}

func (s *PostgresStore) Kill(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state NOT IN ($3, $1)
	`, string(domain.StateDead), id, string(domain.StateActive))
	if err != nil {
		return fmt.Errorf("failed to kill job: %w", err)
	}

	return s.checkTransition(ctx, result, id, "kill")
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id, workerID string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE queue_jobs
		SET heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND state = $2 AND worker_id = $3
	`, id, string(domain.StateActive), workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	return s.checkTransition(ctx, result, id, "heartbeat")
}

func (s *PostgresStore) ReapStale(ctx context.Context, olderThan time.Time) ([]domain.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE state = $1 AND heartbeat_at < $2`,
		string(domain.StateActive), olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	jobs := make([]domain.Job, len(rows))
	for i := range rows {
		jobs[i] = *rows[i].toJob()
	}
	return jobs, nil
}

func (s *PostgresStore) PruneCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE state = $1 AND completed_at < $2`,
		string(domain.StateCompleted), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune completed jobs: %w", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(pruned), nil
}

func (s *PostgresStore) Stats(ctx context.Context) ([]QueueStats, error) {
	var rows []struct {
		QueueName string `db:"queue_name"`
		State     string `db:"state"`
		Count     int    `db:"count"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT queue_name, state, COUNT(*) AS count
		FROM queue_jobs
		GROUP BY queue_name, state
		ORDER BY queue_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}

	var stats []QueueStats
	for _, r := range rows {
		if len(stats) == 0 || stats[len(stats)-1].QueueName != r.QueueName {
			stats = append(stats, QueueStats{QueueName: r.QueueName, Counts: make(map[domain.State]int)})
		}
		stats[len(stats)-1].Counts[domain.State(r.State)] = r.Count
	}
	return stats, nil
}

// checkTransition turns a zero-row conditional update into NotFound or Conflict
func (s *PostgresStore) checkTransition(ctx context.Context, result sql.Result, id, op string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	actual, err := s.stateOf(ctx, id)
	if err != nil {
		return err
	}

	s.logger.Warn("Job transition rejected",
		slog.String("job_id", id),
		slog.String("op", op),
		slog.String("state", string(actual)),
	)
	return domain.TransitionError(id, actual, op)
}

func (s *PostgresStore) stateOf(ctx context.Context, id string) (domain.State, error) {
	var state string
	err := s.db.GetContext(ctx, &state, `SELECT state FROM queue_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("failed to get job state: %w", err)
	}
	return domain.State(strings.TrimSpace(state)), nil
}
