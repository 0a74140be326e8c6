// Package health aggregates component health checks and serves them over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Check statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Checker interface defines a component that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// HealthChecker manages health checks for the service. A failing critical
// check makes the service unhealthy; a failing optional check only degrades it.
type HealthChecker struct {
	config   Config
	logger   zerolog.Logger
	started  time.Time
	mu       sync.RWMutex
	checks   map[string]registeredCheck
	statuses map[string]*CheckStatus
}

type registeredCheck struct {
	checker  Checker
	critical bool
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	CheckTimeout   time.Duration
}

// CheckStatus represents the status of a single health check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Critical  bool      `json:"critical"`
	Error     string    `json:"error,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// HealthResponse represents the full health response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Service   string                  `json:"service"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckStatus `json:"checks,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
}

// NewChecker creates a new health checker.
func NewChecker(config Config, logger zerolog.Logger) *HealthChecker {
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 5 * time.Second
	}

	return &HealthChecker{
		config:   config,
		logger:   logger.With().Str("component", "health").Logger(),
		started:  time.Now(),
		checks:   make(map[string]registeredCheck),
		statuses: make(map[string]*CheckStatus),
	}
}

// AddCheck registers a critical health check.
func (h *HealthChecker) AddCheck(name string, checker Checker) {
	h.add(name, checker, true)
}

// AddOptionalCheck registers a check whose failure only degrades the service.
func (h *HealthChecker) AddOptionalCheck(name string, checker Checker) {
	h.add(name, checker, false)
}

func (h *HealthChecker) add(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{checker: checker, critical: critical}
	h.statuses[name] = &CheckStatus{
		Name:     name,
		Status:   StatusUnknown,
		Critical: critical,
	}
}

// RemoveCheck removes a health check.
func (h *HealthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
	delete(h.statuses, name)
}

// Check performs all health checks concurrently and returns the overall status.
func (h *HealthChecker) Check(ctx context.Context) *HealthResponse {
	h.mu.RLock()
	checks := make(map[string]registeredCheck, len(h.checks))
	for name, rc := range h.checks {
		checks[name] = rc
	}
	h.mu.RUnlock()

	response := &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Checks:    make(map[string]*CheckStatus),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, rc := range checks {
		wg.Add(1)
		go func(name string, rc registeredCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
			defer cancel()

			status := &CheckStatus{
				Name:      name,
				Status:    StatusHealthy,
				Critical:  rc.critical,
				LastCheck: time.Now(),
			}
			if err := rc.checker.HealthCheck(checkCtx); err != nil {
				status.Status = StatusUnhealthy
				status.Error = err.Error()
			}

			mu.Lock()
			response.Checks[name] = status
			if status.Status != StatusHealthy {
				if rc.critical {
					response.Status = StatusUnhealthy
				} else if response.Status == StatusHealthy {
					response.Status = StatusDegraded
				}
			}
			mu.Unlock()
		}(name, rc)
	}

	wg.Wait()

	// Update stored statuses and log transitions
	h.mu.Lock()
	for name, status := range response.Checks {
		if prev, ok := h.statuses[name]; ok && prev.Status != status.Status {
			h.logger.Info().
				Str("check", name).
				Str("from", prev.Status).
				Str("to", status.Status).
				Str("error", status.Error).
				Msg("Health check status changed")
		}
		h.statuses[name] = status
	}
	h.mu.Unlock()

	return response
}

// HealthHandler handles HTTP health check requests. Degraded services still
// answer 200.
func (h *HealthChecker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// LivenessHandler handles Kubernetes liveness probe.
// Returns 200 if the service is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    StatusHealthy,
		Service:   h.config.ServiceName,
		Version:   h.config.ServiceVersion,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler handles Kubernetes readiness probe.
// Returns 200 only if every check, optional ones included, is healthy.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Check(r.Context())

	statusCode := http.StatusOK
	if response.Status != StatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// GetStatus returns the current cached status of a check.
func (h *HealthChecker) GetStatus(name string) *CheckStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// IsHealthy returns true if no critical check fails.
func (h *HealthChecker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Status != StatusUnhealthy
}
