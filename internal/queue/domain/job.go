package domain

import (
	"slices"
	"time"
)

// Backoff describes how long to wait between attempts
type Backoff struct {
	Type   BackoffType `json:"type" validate:"omitempty,oneof=fixed exponential"`
	BaseMs int64       `json:"base_ms" validate:"gte=0,lte=31536000000"`
}

// Base returns the base delay as a duration
func (b Backoff) Base() time.Duration {
	return time.Duration(b.BaseMs) * time.Millisecond
}

// Job is one unit of deferred work
type Job struct {
	ID           string     `json:"id"`
	QueueName    string     `json:"queue"`
	Payload      []byte     `json:"payload"`
	Priority     int        `json:"priority"`
	State        State      `json:"state"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Backoff      Backoff    `json:"backoff"`
	TimeoutMs    int64      `json:"timeout_ms,omitempty"`
	RunAt        time.Time  `json:"run_at"`
	LastError    string     `json:"last_error,omitempty"`
	ErrorHistory []string   `json:"error_history,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Timeout returns the job's own timeout, zero when unset
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy so callers can mutate it freely
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	cp.ErrorHistory = slices.Clone(j.ErrorHistory)
	cp.HeartbeatAt = copyTime(j.HeartbeatAt)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Options are the enqueue options a producer accepts. Millisecond fields are
// capped at MaxDurationMs so they convert to a time.Duration without overflow.
type Options struct {
	Priority    int      `json:"priority"`
	DelayMs     int64    `json:"delay_ms" validate:"gte=0,lte=31536000000"`
	MaxAttempts int      `json:"max_attempts" validate:"gte=0,lte=100"`
	Backoff     *Backoff `json:"backoff,omitempty"`
	TimeoutMs   int64    `json:"timeout_ms" validate:"gte=0,lte=31536000000"`
}
