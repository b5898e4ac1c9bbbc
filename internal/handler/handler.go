package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/blob"
	"doc-intake-go/internal/config"
	"doc-intake-go/internal/database"
	"doc-intake-go/internal/listener"
	"doc-intake-go/internal/queue"
	"doc-intake-go/internal/reconcile"
	"doc-intake-go/internal/repository"
	"doc-intake-go/internal/scheduler"
)

// ListenerStatuses reports the state of the mailbox listeners
type ListenerStatuses interface {
	Statuses() []listener.Status
}

// Reconciler runs an on-demand reconciliation pass
type Reconciler interface {
	ReconcileAccount(ctx context.Context, acct config.AccountConfig, windowDays int) (reconcile.Report, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	config     *config.Config
	repo       *repository.DocumentRepository
	blobs      blob.Store
	queue      queue.Queue
	scheduler  *scheduler.Scheduler
	listeners  ListenerStatuses
	reconciler Reconciler
	gatherer   prometheus.Gatherer
}

// Deps groups the collaborators of the handlers
type Deps struct {
	Config     *config.Config
	Repo       *repository.DocumentRepository
	Blobs      blob.Store
	Queue      queue.Queue
	Scheduler  *scheduler.Scheduler
	Listeners  ListenerStatuses
	Reconciler Reconciler
	Gatherer   prometheus.Gatherer
}

// NewHandlers creates new HTTP handlers
func NewHandlers(d Deps) *Handlers {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		config:     d.Config,
		repo:       d.Repo,
		blobs:      d.Blobs,
		queue:      d.Queue,
		scheduler:  d.Scheduler,
		listeners:  d.Listeners,
		reconciler: d.Reconciler,
		gatherer:   d.Gatherer,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/documents", h.ListDocuments)
		api.GET("/documents/stats", h.DocumentStats)
		api.GET("/documents/:id", h.GetDocument)
		api.GET("/documents/:id/attachment", h.DownloadAttachment)
		api.POST("/documents/:id/reprocess", h.ReprocessDocument)

		api.GET("/products", h.ListProducts)
		api.POST("/products", h.CreateProduct)

		api.GET("/listeners", h.GetListeners)
		api.POST("/accounts/:account/reconcile", h.ReconcileAccount)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/scheduler/run-once", h.RunOnce)
		api.GET("/scheduler/status", h.GetSchedulerStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Details:   make(map[string]string),
	}

	if err := database.Ping(h.repo.DB().WithContext(c.Request.Context())); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler != nil {
		if h.scheduler.IsRunning() {
			response.Details["scheduler"] = "running"
			response.Details["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
		} else {
			response.Details["scheduler"] = "stopped"
		}
	}

	if h.listeners != nil {
		for _, s := range h.listeners.Statuses() {
			response.Details["listener."+s.Account] = string(s.State)
		}
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func abortWithError(c *gin.Context, code int, kind, message string) {
	c.JSON(code, ErrorResponse{
		Error:   kind,
		Message: message,
		Code:    code,
	})
}
