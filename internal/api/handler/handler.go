package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobqueue/internal/queue/domain"
	"github.com/cuongbtq/jobqueue/internal/queue/storage"
	"github.com/gin-gonic/gin"
)

// Enqueuer admits new jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload []byte, opts domain.Options) (string, error)
}

// HealthChecker reports backing store health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       storage.Store
	Producer    Enqueuer
	DBClient    HealthChecker // nil when running on the memory store
	ServiceName string
}

// JobHandler handles producer requests
type JobHandler struct {
	logger   *slog.Logger
	producer Enqueuer
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		producer: deps.Producer,
	}
}

// MonitorHandler handles the operator endpoints
type MonitorHandler struct {
	logger *slog.Logger
	store  storage.Store
}

// NewMonitorHandler creates a new MonitorHandler instance
func NewMonitorHandler(deps *Dependencies) *MonitorHandler {
	return &MonitorHandler{
		logger: deps.Logger,
		store:  deps.Store,
	}
}

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	service := deps.ServiceName
	if service == "" {
		service = "job-api-service"
	}
	return func(c *gin.Context) {
		if deps.DBClient != nil {
			if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Error("Health check failed", slog.String("error", err.Error()))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":   "unhealthy",
					"service":  service,
					"database": "down",
				})
				return
			}
		}

		body := gin.H{
			"status":  "healthy",
			"service": service,
		}
		if deps.DBClient != nil {
			body["database"] = "up"
		}
		c.JSON(http.StatusOK, body)
	}
}

// respondError maps queue errors onto HTTP statuses
func respondError(c *gin.Context, logger *slog.Logger, op string, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    domain.ErrValidation.Error(),
			"problems": verr.Problems,
		})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrNotFound.Error()})
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error("Failed to "+op, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op})
	}
}
