package router

import (
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobqueue/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// DefaultMonitorBasePath is where the monitor is mounted when no path is configured
const DefaultMonitorBasePath = "/queue-monitor"

// Config controls which route groups are mounted
type Config struct {
	// MonitorEnabled mounts the operator endpoints. Callers decide this from
	// the environment; the router does not second-guess it.
	MonitorEnabled  bool
	MonitorBasePath string
	MonitorToken    string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, cfg Config) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	r.GET("/health", handler.Health(deps))

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/jobs - Enqueue a job
		v1.POST("/jobs", jobHandler.CreateJob)
	}

	if cfg.MonitorEnabled {
		mountMonitor(r, deps, cfg)
	}

	return r
}

func mountMonitor(r *gin.Engine, deps *handler.Dependencies, cfg Config) {
	basePath := "/" + strings.Trim(cfg.MonitorBasePath, "/")
	if basePath == "/" {
		basePath = DefaultMonitorBasePath
	}

	monitorHandler := handler.NewMonitorHandler(deps)

	monitor := r.Group(basePath)
	if cfg.MonitorToken != "" {
		monitor.Use(BearerTokenMiddleware(cfg.MonitorToken))
	}
	{
		monitor.GET("/stats", monitorHandler.Stats)

		jobs := monitor.Group("/jobs")
		jobs.GET("", monitorHandler.ListJobs)
		jobs.GET("/:job_id", monitorHandler.GetJob)
		jobs.POST("/:job_id/retry", monitorHandler.RetryJob)
		jobs.POST("/:job_id/kill", monitorHandler.KillJob)
		jobs.DELETE("/:job_id", monitorHandler.DeleteJob)
	}

	deps.Logger.Info("Queue monitor mounted",
		slog.String("base_path", basePath),
		slog.Bool("token_required", cfg.MonitorToken != ""),
	)
}
