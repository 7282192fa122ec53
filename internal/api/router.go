package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"content_sync/internal/domain"
	"content_sync/internal/service"
)

const maxWebhookBody = 1 << 20

type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) error
}

type StatusSource interface {
	Status() domain.SyncStatus
}

type ProgressSource interface {
	Subscribe() (<-chan domain.RunMetrics, func())
}

// Deps are the components served over HTTP. Scheduler and Gatherer are
// optional.
type Deps struct {
	Webhooks  WebhookReceiver
	Sync      StatusSource
	Progress  ProgressSource
	Scheduler interface{ Running() bool }
	Gatherer  prometheus.Gatherer
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Deps, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	logger = logger.With("component", "api")

	router := gin.New()
	router.Use(recoveryMiddleware(logger))
	router.Use(loggingMiddleware(logger))

	router.GET("/health", healthCheck)
	router.GET("/status", statusHandler(deps))
	router.POST("/webhooks/hashnode", webhookHandler(deps.Webhooks, logger))
	router.GET("/ws/progress", progressHandler(deps.Progress, logger))

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "content-sync",
	})
}

func statusHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := deps.Sync.Status()
		if deps.Scheduler != nil {
			status.Running = deps.Scheduler.Running()
		}
		c.JSON(http.StatusOK, status)
	}
}

// webhookHandler verifies and applies a platform notification. Failures
// that were queued for retry are acknowledged with 202 so the platform does
// not redeliver.
func webhookHandler(receiver WebhookReceiver, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		err = receiver.HandleWebhook(c.Request.Context(), body, c.GetHeader(service.SignatureHeader))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "processed"})
		case errors.Is(err, domain.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		case errors.Is(err, service.ErrRetryQueued):
			c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		case errors.Is(err, domain.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logger.Error("webhook processing failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
	}
}

func recoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

func loggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		logger.Log(c.Request.Context(), level, "request completed",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
