package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ListJobs handles GET /jobs
// Lists jobs filtered by queue, state and creation time, newest first
func (h *MonitorHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	filter, err := buildFilter(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter = filter.Normalize()

	jobs, total, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, "list jobs", err)
		return
	}

	items := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		items[i] = dto.NewJobDTO(&jobs[i])
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:     items,
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Total:    total,
	})
}

func buildFilter(req *dto.ListJobsRequest) (storage.Filter, error) {
	filter := storage.Filter{
		QueueName: strings.TrimSpace(req.Queue),
		Page:      req.Page,
		PageSize:  req.PageSize,
	}

	if req.State != "" {
		for _, raw := range strings.Split(req.State, ",") {
			state := domain.State(strings.TrimSpace(raw))
			if state == "" {
				continue
			}
			if !state.Valid() {
				return filter, fmt.Errorf("unknown state %q", state)
			}
			filter.States = append(filter.States, state)
		}
	}

	if req.From != "" {
		from, err := time.Parse(time.RFC3339, req.From)
		if err != nil {
			return filter, errors.New("from must be an RFC3339 timestamp")
		}
		filter.CreatedAfter = &from
	}
	if req.To != "" {
		to, err := time.Parse(time.RFC3339, req.To)
		if err != nil {
			return filter, errors.New("to must be an RFC3339 timestamp")
		}
		filter.CreatedBefore = &to
	}
	if filter.CreatedAfter != nil && filter.CreatedBefore != nil && !filter.CreatedAfter.Before(*filter.CreatedBefore) {
		return filter, errors.New("from must be before to")
	}

	return filter, nil
}

// GetJob handles GET /jobs/:job_id
func (h *MonitorHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// RetryJob handles POST /jobs/:job_id/retry
// Re-queues a failed or dead job to run now with a fresh attempt budget
func (h *MonitorHandler) RetryJob(c *gin.Context) {
	h.transition(c, "retry job", h.store.RetryNow)
}

// KillJob handles POST /jobs/:job_id/kill
// Moves a job that is not running to dead
func (h *MonitorHandler) KillJob(c *gin.Context) {
	h.transition(c, "kill job", h.store.Kill)
}

func (h *MonitorHandler) transition(c *gin.Context, op string, apply func(ctx context.Context, id string) error) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := apply(c.Request.Context(), jobID); err != nil {
		respondError(c, h.logger, op, err)
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, op, err)
		return
	}

	h.logger.Info("Operator action applied",
		slog.String("action", op),
		slog.String("job_id", jobID),
		slog.String("state", string(job.State)),
	)
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// DeleteJob handles DELETE /jobs/:job_id
// Permanently removes a job that is not running
func (h *MonitorHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.store.Remove(c.Request.Context(), jobID); err != nil {
		respondError(c, h.logger, "delete job", err)
		return
	}

	h.logger.Info("Job removed", slog.String("job_id", jobID))
	c.Status(http.StatusNoContent)
}

// Stats handles GET /stats
func (h *MonitorHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "load stats", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewStatsResponse(stats))
}

// jobID reads the job_id path parameter. Ids that are not UUIDs cannot
// name a stored job, so they get the same 404 as unknown ones.
func (h *MonitorHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Debug("Malformed job_id", slog.String("job_id", jobID))
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return "", false
	}
	return jobID, true
}
