package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Checks    map[string]HealthCheck `json:"checks"`
}

type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) error

type HealthHandler struct {
	service string
	checks  map[string]Checker
	timeout time.Duration
}

// NewHealthHandler reports on service using the named dependency checks.
func NewHealthHandler(service string, checks map[string]Checker) *HealthHandler {
	if checks == nil {
		checks = map[string]Checker{}
	}
	return &HealthHandler{service: service, checks: checks, timeout: 2 * time.Second}
}

// run executes every check and reports whether all passed.
func (h *HealthHandler) run(ctx context.Context) (map[string]HealthCheck, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]HealthCheck, len(names))
	healthy := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = HealthCheck{Status: "unhealthy", Message: err.Error()}
			healthy = false
			continue
		}
		results[name] = HealthCheck{Status: "healthy"}
	}
	return results, healthy
}

// HealthCheckHandler returns the health status of the service
func (h *HealthHandler) HealthCheckHandler(c echo.Context) error {
	checks, healthy := h.run(c.Request().Context())
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.service,
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if !healthy {
		response.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, response)
}

// ReadinessHandler checks if the service is ready to accept traffic
func (h *HealthHandler) ReadinessHandler(c echo.Context) error {
	if _, healthy := h.run(c.Request().Context()); !healthy {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"ready":   false,
			"message": "Dependencies not ready",
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"ready": true,
	})
}

// LivenessHandler checks if the service is alive
func (h *HealthHandler) LivenessHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"alive": true,
	})
}
