package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
)

type BackoffDTO struct {
	Type   string `json:"type"`
	BaseMs int64  `json:"base_ms"`
}

type CreateJobRequest struct {
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	DelayMs     int64           `json:"delay_ms"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     *BackoffDTO     `json:"backoff"`
	TimeoutMs   int64           `json:"timeout_ms"`
}

// Options converts the request into enqueue options
func (r *CreateJobRequest) Options() domain.Options {
	opts := domain.Options{
		Priority:    r.Priority,
		DelayMs:     r.DelayMs,
		MaxAttempts: r.MaxAttempts,
		TimeoutMs:   r.TimeoutMs,
	}
	if r.Backoff != nil {
		opts.Backoff = &domain.Backoff{
			Type:   domain.BackoffType(r.Backoff.Type),
			BaseMs: r.Backoff.BaseMs,
		}
	}
	return opts
}

type CreateJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type ListJobsRequest struct {
	Queue    string `form:"queue"`
	State    string `form:"state"` // comma separated
	From     string `form:"from"`  // RFC3339, inclusive
	To       string `form:"to"`    // RFC3339, exclusive
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

type ListJobsResponse struct {
	Jobs     []JobDTO `json:"jobs"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Total    int      `json:"total"`
}

type JobDTO struct {
	JobID        string          `json:"job_id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	State        string          `json:"state"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      BackoffDTO      `json:"backoff"`
	TimeoutMs    int64           `json:"timeout_ms,omitempty"`
	RunAt        string          `json:"run_at"`
	LastError    string          `json:"last_error,omitempty"`
	ErrorHistory []string        `json:"error_history,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	HeartbeatAt  string          `json:"heartbeat_at,omitempty"`
	StartedAt    string          `json:"started_at,omitempty"`
	CompletedAt  string          `json:"completed_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// NewJobDTO renders a job for the monitor. Payloads that are not JSON are
// returned as a JSON string.
func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:        job.ID,
		Queue:        job.QueueName,
		Payload:      renderPayload(job.Payload),
		Priority:     job.Priority,
		State:        string(job.State),
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Backoff:      BackoffDTO{Type: string(job.Backoff.Type), BaseMs: job.Backoff.BaseMs},
		TimeoutMs:    job.TimeoutMs,
		RunAt:        job.RunAt.Format(time.RFC3339Nano),
		LastError:    job.LastError,
		ErrorHistory: job.ErrorHistory,
		WorkerID:     job.WorkerID,
		HeartbeatAt:  formatTime(job.HeartbeatAt),
		StartedAt:    formatTime(job.StartedAt),
		CompletedAt:  formatTime(job.CompletedAt),
		CreatedAt:    job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func renderPayload(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

type QueueStatsDTO struct {
	Queue  string         `json:"queue"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

type StatsResponse struct {
	Queues []QueueStatsDTO `json:"queues"`
}

// NewStatsResponse fills every state, zero included, so clients see a
// stable shape
func NewStatsResponse(stats []storage.QueueStats) StatsResponse {
	resp := StatsResponse{Queues: make([]QueueStatsDTO, 0, len(stats))}
	for _, qs := range stats {
		item := QueueStatsDTO{Queue: qs.QueueName, Counts: make(map[string]int, len(domain.AllStates))}
		for _, st := range domain.AllStates {
			n := qs.Counts[st]
			item.Counts[string(st)] = n
			item.Total += n
		}
		resp.Queues = append(resp.Queues, item)
	}
	return resp
}
