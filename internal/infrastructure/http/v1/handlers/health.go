// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"txcoord/internal/infrastructure/storage/postgres"
)

// Probe is what the health endpoints need from the connection pool.
type Probe interface {
	Ping(ctx context.Context) error
	Stats() postgres.PoolStats
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	probe   Probe
	version string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(probe Probe, version string) *HealthHandler {
	return &HealthHandler{probe: probe, version: version}
}

// Live handles liveness probe (is the process alive?).
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready handles readiness probe (can transactions acquire a connection?).
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.probe.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"checks": map[string]string{
				"database": "unhealthy: " + err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": map[string]string{
			"database": "healthy",
		},
	})
}

// Info returns application information.
// GET /health/info
func (h *HealthHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":      "txcoord",
		"version":  h.version,
		"database": h.probe.Stats(),
	})
}
