// Package api exposes the HTTP interface: health probes, usage
// publication and queries, device lookups and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/metrics"
	"github.com/c360studio/sembus/storage"
)

// readyTimeout bounds all readiness checks of one probe.
const readyTimeout = 2 * time.Second

// UsagePublisher publishes usage on behalf of HTTP clients.
type UsagePublisher interface {
	PublishUsage(ctx context.Context, in event.UsageInput) bool
	PublishUsageAsync(ctx context.Context, in event.UsageInput) bool
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Deps are the components served by the router. Nil components disable
// their routes.
type Deps struct {
	Publisher UsagePublisher
	Ledger    storage.UsageLedger
	Registry  storage.DeviceRegistry
	Metrics   *metrics.Metrics
	// Checks are run by /ready, keyed by dependency name.
	Checks map[string]Check
	// Stats returns component counters for /v1/stats.
	Stats  func() map[string]any
	Logger *slog.Logger
}

// NewRouter wires the endpoints.
//
//	GET  /health              liveness
//	GET  /ready               readiness of every Check
//	POST /v1/usage            publish a UsageInput (?async=true queues it)
//	GET  /v1/usage/:user_id   usage totals
//	GET  /v1/devices/:id      device and linked media files
//	GET  /v1/stats            consumer counters
//	GET  /metrics             Prometheus exposition
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{deps: deps, logger: logger}

	r := gin.New()
	r.Use(recovery(logger), requestLogger(logger))

	r.GET("/health", h.health)
	r.GET("/ready", h.ready)

	v1 := r.Group("/v1")
	if deps.Publisher != nil {
		v1.POST("/usage", h.publishUsage)
	}
	if deps.Ledger != nil {
		v1.GET("/usage/:user_id", h.usageTotals)
	}
	if deps.Registry != nil {
		v1.GET("/devices/:device_id", h.device)
	}
	if deps.Stats != nil {
		v1.GET("/stats", h.stats)
	}
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	return r
}

type handler struct {
	deps   Deps
	logger *slog.Logger
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := gin.H{}
	for _, name := range names {
		if err := h.deps.Checks[name](ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// publishUsage answers 202 when the event was published (or queued with
// ?async=true) and 503 when it was not.
func (h *handler) publishUsage(c *gin.Context) {
	var in event.UsageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	var ok bool
	if c.Query("async") == "true" {
		ok = h.deps.Publisher.PublishUsageAsync(c.Request.Context(), in)
	} else {
		ok = h.deps.Publisher.PublishUsage(c.Request.Context(), in)
	}

	status := http.StatusAccepted
	if !ok {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"published": ok})
}

func (h *handler) usageTotals(c *gin.Context) {
	userID := c.Param("user_id")
	totals, err := h.deps.Ledger.UsageTotals(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Usage totals query failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "totals": totals})
}

func (h *handler) device(c *gin.Context) {
	deviceID := c.Param("device_id")
	ctx := c.Request.Context()

	d, err := h.deps.Registry.GetDevice(ctx, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}
	if err != nil {
		h.logger.Error("Device lookup failed", "device_id", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device query failed"})
		return
	}

	files, err := h.deps.Registry.ListMediaByDevice(ctx, deviceID)
	if err != nil {
		h.logger.Error("Media lookup failed", "device_id", deviceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "media query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": d, "media_files": files})
}

func (h *handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Stats())
}
