package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/railzwaylabs/dirsync/internal/api/middleware"
	"github.com/railzwaylabs/dirsync/internal/config"
	"github.com/railzwaylabs/dirsync/internal/deadletter"
	"github.com/railzwaylabs/dirsync/internal/engine"
	"github.com/railzwaylabs/dirsync/internal/remediation"
	"github.com/railzwaylabs/dirsync/internal/scheduler"
)

type Router struct {
	engine      *gin.Engine
	server      *http.Server
	cfg         *config.Config
	remediation *remediation.Service
	operations  *engine.Engine
	deadLetter  *deadletter.Manager
	scheduler   *scheduler.Scheduler
	logger      *zap.Logger
}

func NewRouter(
	cfg *config.Config,
	remediationSvc *remediation.Service,
	operations *engine.Engine,
	deadLetter *deadletter.Manager,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *Router {
	// Disable GIN default logger
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger.Named("http")))

	api := &Router{
		engine:      r,
		cfg:         cfg,
		remediation: remediationSvc,
		operations:  operations,
		deadLetter:  deadLetter,
		scheduler:   sched,
		logger:      logger.Named("api"),
	}

	api.RegisterRoutes()
	return api
}

func (r *Router) RegisterRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.engine.Group("/v1")

	connectors := v1.Group("/connectors/:connector_id")
	{
		connectors.GET("/discrepancies", r.ListDiscrepancies)
		connectors.POST("/discrepancies/bulk-remediate", r.BulkRemediate)
		connectors.POST("/discrepancies/:id/remediate", r.RemediateDiscrepancy)
		connectors.POST("/discrepancies/:id/ignore", r.IgnoreDiscrepancy)

		connectors.GET("/schedule", r.GetSchedule)
		connectors.PUT("/schedule", r.PutSchedule)
		connectors.DELETE("/schedule", r.DeleteSchedule)
		connectors.POST("/schedule/enable", r.EnableSchedule)
		connectors.POST("/schedule/disable", r.DisableSchedule)

		connectors.POST("/runs", r.TriggerRun)
		connectors.GET("/runs", r.ListRuns)
		connectors.GET("/runs/:id", r.GetRun)
	}

	operations := v1.Group("/operations/:id")
	{
		operations.GET("", r.GetOperation)
		operations.GET("/attempts", r.ListOperationAttempts)
		operations.GET("/logs", r.ListOperationLogs)
		operations.POST("/retry", r.RetryOperation)
		operations.POST("/cancel", r.CancelOperation)
		operations.POST("/resolve", r.ResolveOperation)
		operations.POST("/confirm", r.ConfirmOperation)
	}

	v1.GET("/dead-letter", r.ListDeadLetter)
	v1.POST("/dead-letter/:id/retry", r.RetryDeadLetter)
}

// Handler exposes the routes for in-process serving and tests.
func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
