package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/gin-gonic/gin"
)

// CreateJob handles POST /api/v1/jobs
// Admits a job onto a named queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	opts := req.Options()
	jobID, err := h.producer.Enqueue(c.Request.Context(), req.Queue, []byte(req.Payload), opts)
	if err != nil {
		respondError(c, h.logger, "create job", err)
		return
	}

	state := domain.StateQueued
	if opts.DelayMs > 0 {
		state = domain.StateDelayed
	}

	h.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.String("queue", req.Queue),
		slog.String("state", string(state)),
	)

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID: jobID,
		State: string(state),
	})
}
