package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StartScheduler starts the retry sweeper
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(); err != nil {
		logrus.Errorf("Failed to start scheduler: %v", err)
		abortWithError(c, http.StatusInternalServerError, "scheduler_error", "Failed to start scheduler")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the retry sweeper
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
		abortWithError(c, http.StatusInternalServerError, "scheduler_error", "Failed to stop scheduler")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce runs a single sweep and returns its report
func (h *Handlers) RunOnce(c *gin.Context) {
	report, err := h.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		logrus.Errorf("Sweep failed: %v", err)
		abortWithError(c, http.StatusInternalServerError, "scheduler_error", "Failed to run sweep")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Sweep completed successfully",
		"report":  report,
	})
}

// GetSchedulerStatus returns the current scheduler status
func (h *Handlers) GetSchedulerStatus(c *gin.Context) {
	status := "stopped"
	if h.scheduler.IsRunning() {
		status = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"next_run":    h.scheduler.GetNextRun(),
		"last_run":    h.scheduler.GetLastRun(),
		"last_report": h.scheduler.LastReport(),
	})
}
