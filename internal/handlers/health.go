package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HWMO-Fire-Map/MapDemo/internal/middleware"
)

const (
	// APIVersion is the current version of the API
	APIVersion = "1.0.0"
	// HealthCheckTimeout is the timeout for each dependency health check
	HealthCheckTimeout = 2 * time.Second
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyCheck names a dependency checked by the readiness endpoint.
type DependencyCheck struct {
	Name   string
	Pinger Pinger
}

// HealthHandler handles health check and readiness endpoints.
type HealthHandler struct {
	checks    []DependencyCheck
	startTime time.Time
	env       string
	datasets  func(ctx context.Context) ([]string, error)
}

// NewHealthHandler creates a new HealthHandler instance.
// datasets may be nil, in which case /api/v1/info omits the dataset count.
func NewHealthHandler(env string, datasets func(ctx context.Context) ([]string, error), checks ...DependencyCheck) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		startTime: time.Now(),
		env:       env,
		datasets:  datasets,
	}
}

// HealthResponse represents the basic health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Checks map[string]string `json:"checks"`
	Status string            `json:"status"`
}

// InfoResponse represents the API information response.
type InfoResponse struct {
	Datasets    *int   `json:"datasets,omitempty"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
	Uptime      string `json:"uptime"`
}

// Health handles GET /health endpoint.
// This is a basic liveness check that always returns 200 OK.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "healthy",
	})
}

// Ready handles GET /health/ready endpoint.
// Returns 200 OK when every dependency answers, 503 Service Unavailable otherwise.
func (h *HealthHandler) Ready(c *gin.Context) {
	resp := ReadyResponse{
		Checks: make(map[string]string, len(h.checks)),
		Status: "ready",
	}

	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), HealthCheckTimeout)
		err := check.Pinger.Ping(ctx)
		cancel()

		if err != nil {
			if log := middleware.GetLogger(c); log != nil {
				log.Error("Dependency health check failed", err, map[string]interface{}{
					"dependency": check.Name,
					"timeout":    HealthCheckTimeout.String(),
				})
			}
			resp.Checks[check.Name] = "disconnected"
			resp.Status = "not_ready"
			continue
		}
		resp.Checks[check.Name] = "connected"
	}

	status := http.StatusOK
	if resp.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Info handles GET /api/v1/info endpoint.
// Returns API metadata including version, environment, and uptime.
func (h *HealthHandler) Info(c *gin.Context) {
	resp := InfoResponse{
		Version:     APIVersion,
		Environment: h.env,
		Uptime:      formatUptime(time.Since(h.startTime)),
	}

	if h.datasets != nil {
		if names, err := h.datasets(c.Request.Context()); err == nil {
			n := len(names)
			resp.Datasets = &n
		}
	}

	c.JSON(http.StatusOK, resp)
}

// formatUptime formats a duration into a human-readable string.
func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}
