package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker is implemented by every dependency the process needs to serve.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) Health(ctx context.Context) error { return f(ctx) }

// HealthHandler serves liveness, readiness and the detailed dependency report.
type HealthHandler struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		checkers: make(map[string]HealthChecker),
	}
}

// AddChecker registers checker under name, replacing any previous one.
func (h *HealthHandler) AddChecker(name string, checker HealthChecker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
}

// ComponentStatus represents a component's health status
type ComponentStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// check runs every checker concurrently under one timeout.
func (h *HealthHandler) check(ctx context.Context) (map[string]ComponentStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	h.mu.RLock()
	checkers := make(map[string]HealthChecker, len(h.checkers))
	for name, c := range h.checkers {
		checkers[name] = c
	}
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		healthy = true
		out     = make(map[string]ComponentStatus, len(checkers))
		g       errgroup.Group
	)
	for name, checker := range checkers {
		g.Go(func() error {
			started := time.Now()
			err := checker.Health(ctx)
			cs := ComponentStatus{Status: "healthy", LatencyMS: time.Since(started).Milliseconds()}
			if err != nil {
				cs.Status = "unhealthy"
				cs.Message = err.Error()
			}

			mu.Lock()
			out[name] = cs
			if err != nil {
				healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out, healthy
}

// Health handles health check requests
// @Summary Health check
// @Description Check the health of the service and its dependencies
// @Tags health
// @Produce json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	components, healthy := h.check(r.Context())

	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
	code := http.StatusOK
	if !healthy {
		status.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	JSON(w, code, status)
}

// Liveness handles liveness probe requests
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health/live [get]
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// Readiness reports not ready while any dependency check fails, naming the
// failing components.
// @Summary Readiness probe
// @Tags health
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /health/ready [get]
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	components, healthy := h.check(r.Context())
	if healthy {
		JSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}

	failing := make(map[string]string)
	for name, cs := range components {
		if cs.Status != "healthy" {
			failing[name] = cs.Message
		}
	}
	JSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":     "not ready",
		"components": failing,
	})
}
