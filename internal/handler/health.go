package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"streamrelay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now()}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// relayStatus is the body of the status endpoint.
type relayStatus struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	MaxRedirects   int    `json:"max_redirects"`
	MetricsEnabled bool   `json:"metrics_enabled"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, relayStatus{
		Status:         "ok",
		Version:        string(h.version),
		UptimeSeconds:  int64(time.Since(h.started).Seconds()),
		MaxRedirects:   h.cfg.Upstream.MaxRedirects,
		MetricsEnabled: h.cfg.Metrics.Enabled,
	})
}
