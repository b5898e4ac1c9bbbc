package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"doc-intake-go/internal/handler"
)

// SetupRouter configures the Gin router with routes and middleware
func SetupRouter(h *handler.Handlers, mode string) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(accessLog())
	h.SetupRoutes(r)
	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Scrapes and health checks would drown the log.
		path := c.Request.URL.Path
		if path == "/metrics" || path == "/healthz" {
			return
		}

		entry := logrus.WithFields(logrus.Fields{
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		})
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			entry = entry.WithField("error", msg)
		}
		if c.Writer.Status() >= 500 {
			entry.Warn("HTTP request")
			return
		}
		entry.Debug("HTTP request")
	}
}
