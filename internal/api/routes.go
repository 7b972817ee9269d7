package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/database"
	"github.com/xiangteng007/signalfuse/internal/models"
	"github.com/xiangteng007/signalfuse/internal/queue"
	"github.com/xiangteng007/signalfuse/internal/services"
)

type HealthResponse struct {
	Status    string                           `json:"status"`
	Timestamp time.Time                        `json:"timestamp"`
	Version   string                           `json:"version"`
	Services  Services                         `json:"services"`
	Queues    map[queue.Class]map[string]int64 `json:"queues,omitempty"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	DB        *database.PostgresDB
	Redis     *database.RedisClient
	Events    *database.EventRepository
	Collector *services.CollectorService
	Fusion    *services.FusionEngine
	Alerts    *services.AlertEngine
	Queue     *queue.Manager
	Registry  *prometheus.Registry
	Logger    *logrus.Logger
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", healthCheck(deps))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		events := v1.Group("/events")
		{
			events.GET("", listEvents(deps))
			events.GET("/:id", getEvent(deps))
		}

		// Job trigger endpoints: they run the pipeline stage inline and
		// return the run summary. Queue-driven runs use the same services.
		jobs := v1.Group("/jobs")
		{
			jobs.POST("/collect/:source", triggerCollect(deps))
			jobs.POST("/fuse", triggerFuse(deps))
			jobs.POST("/dispatch/:eventId", triggerDispatch(deps))
		}
	}
}

func healthCheck(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   "1.0.0",
			Services:  Services{Database: "ok", Redis: "ok"},
		}

		if deps.DB != nil {
			if err := deps.DB.HealthCheck(c.Request.Context()); err != nil {
				response.Services.Database = "error"
				response.Status = "degraded"
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.HealthCheck(c.Request.Context()); err != nil {
				response.Services.Redis = "error"
				response.Status = "degraded"
			}
		}
		if deps.Queue != nil {
			response.Queues = deps.Queue.Depths(c.Request.Context())
		}

		status := http.StatusOK
		if response.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, response)
	}
}

func listEvents(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := database.EventFilter{
			SubjectKey:   c.Query("subject"),
			ExcludeAlert: c.Query("include_alerts") != "true",
		}
		if v := c.Query("min_severity"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 10 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "min_severity must be 1-10"})
				return
			}
			filter.MinSeverity = n
		}
		if v := c.Query("since"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			filter.Since = ts
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			filter.Limit = n
		}

		events, err := deps.Events.List(c.Request.Context(), filter)
		if err != nil {
			deps.Logger.WithError(err).Error("Failed to list events")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
			return
		}
		if events == nil {
			events = []models.FusedEvent{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
	}
}

func getEvent(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		event, err := deps.Events.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			deps.Logger.WithError(err).Error("Failed to load event")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load event"})
			return
		}
		if event == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		c.JSON(http.StatusOK, event)
	}
}

func triggerCollect(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		source := models.SignalSource(c.Param("source"))
		summary, err := deps.Collector.Collect(c.Request.Context(), source)
		if err != nil {
			respondJobError(c, deps.Logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func triggerFuse(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := deps.Fusion.RunOnce(c.Request.Context())
		if err != nil {
			respondJobError(c, deps.Logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func triggerDispatch(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := deps.Alerts.DispatchEvent(c.Request.Context(), c.Param("eventId"))
		if err != nil {
			respondJobError(c, deps.Logger, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// respondJobError maps permanent job failures to 4xx and retryable ones to
// 5xx so external callers see the same classification the queue applies.
func respondJobError(c *gin.Context, logger *logrus.Logger, err error) {
	if errors.Is(err, services.ErrBadJobPayload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.WithError(err).Error("Job run failed")
	if services.IsRetryable(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
}
