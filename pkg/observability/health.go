package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrDegraded marks a probe result that works but is impaired
var ErrDegraded = errors.New("degraded")

// Probe checks one dependency. A failing required probe makes the console
// unready; a failing optional probe only degrades it.
type Probe struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// DatabaseProbe is required: nothing in the console works without Postgres
func DatabaseProbe(db *sql.DB) Probe {
	return Probe{
		Name:     "database",
		Required: true,
		Check: func(ctx context.Context) error {
			var one int
			if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
				return err
			}
			if stats := db.Stats(); stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
				return fmt.Errorf("%w: connection pool exhausted", ErrDegraded)
			}
			return nil
		},
	}
}

// RedisProbe is optional: Redis backs the shared cache tier and rate limits
func RedisProbe(client *redis.Client) Probe {
	return Probe{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// HealthChecker serves liveness and readiness probes
type HealthChecker struct {
	version string
	probes  []Probe
	info    map[string]func() string
}

// NewHealthChecker creates a checker over probes
func NewHealthChecker(version string, probes ...Probe) *HealthChecker {
	return &HealthChecker{
		version: version,
		probes:  probes,
		info:    make(map[string]func() string),
	}
}

// WithInfo reports the current value of fn under key in every status
func (h *HealthChecker) WithInfo(key string, fn func() string) *HealthChecker {
	h.info[key] = fn
	return h
}

// HealthStatus is the readiness response body
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Info         map[string]string           `json:"info,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is one probe's result
type DependencyStatus struct {
	Status    string `json:"status"`
	Required  bool   `json:"required"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Liveness reports healthy while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness runs every probe and answers 503 when a required one fails
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// Check runs every probe
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	}

	if len(h.info) > 0 {
		status.Info = make(map[string]string, len(h.info))
		for key, fn := range h.info {
			status.Info[key] = fn()
		}
	}

	if len(h.probes) > 0 {
		status.Dependencies = make(map[string]DependencyStatus, len(h.probes))
	}
	for _, probe := range h.probes {
		dep := runProbe(ctx, probe)
		status.Dependencies[probe.Name] = dep
		status.Status = worst(status.Status, dep, probe.Required)
	}

	return status
}

func runProbe(ctx context.Context, probe Probe) DependencyStatus {
	start := time.Now()
	err := probe.Check(ctx)
	dep := DependencyStatus{
		Status:    StatusHealthy,
		Required:  probe.Required,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded):
		dep.Status = StatusDegraded
		dep.Message = err.Error()
	default:
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// worst folds one dependency into the overall status
func worst(overall string, dep DependencyStatus, required bool) string {
	switch {
	case overall == StatusUnhealthy:
		return overall
	case dep.Status == StatusUnhealthy && required:
		return StatusUnhealthy
	case dep.Status != StatusHealthy:
		return StatusDegraded
	default:
		return overall
	}
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// RegisterRoutes registers health check endpoints
func (h *HealthChecker) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", h.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", h.Readiness).Methods(http.MethodGet)
}
