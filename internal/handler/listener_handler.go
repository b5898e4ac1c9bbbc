package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/listener"
)

// maxReconcileDays bounds the window of a scan requested over HTTP, which
// runs inside the request.
const maxReconcileDays = 31

// GetListeners returns the state of every mailbox listener
func (h *Handlers) GetListeners(c *gin.Context) {
	statuses := []listener.Status{}
	if h.listeners != nil {
		statuses = h.listeners.Statuses()
	}
	c.JSON(http.StatusOK, gin.H{"listeners": statuses})
}

// ReconcileAccount runs a reconciliation scan for one account and returns its report
func (h *Handlers) ReconcileAccount(c *gin.Context) {
	accountID := c.Param("account")
	acct, ok := h.config.Account(accountID)
	if !ok {
		abortWithError(c, http.StatusNotFound, "not_found", "Unknown account "+accountID)
		return
	}

	windowDays := h.config.Mailbox.ReconcileWindowDays
	if raw := c.Query("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 || days > maxReconcileDays {
			abortWithError(c, http.StatusBadRequest, "validation_error",
				fmt.Sprintf("days must be an integer between 1 and %d", maxReconcileDays))
			return
		}
		windowDays = days
	}

	report, err := h.reconciler.ReconcileAccount(c.Request.Context(), acct, windowDays)
	if err != nil {
		logrus.WithField("account", accountID).Errorf("Reconciliation failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "reconcile_error",
			"message": err.Error(),
			"code":    http.StatusBadGateway,
			"report":  report,
		})
		return
	}

	c.JSON(http.StatusOK, report)
}
