// Package health aggregates component health for the daemon's health
// endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// Health state strings.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health of one component or of the whole process.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// Healthy builds a healthy status for component.
func Healthy(component string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Timestamp: time.Now(),
	}
}

// Degraded builds a degraded status with a sanitized message.
func Degraded(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateDegraded,
		Message:   sanitize(message),
		Timestamp: time.Now(),
	}
}

// Unhealthy builds an unhealthy status with a sanitized message.
func Unhealthy(component, message string) Status {
	return Status{
		Component: component,
		Status:    StateUnhealthy,
		Message:   sanitize(message),
		Timestamp: time.Now(),
	}
}

// Reporter supplies the current health of one component.
type Reporter interface {
	Health() Status
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func() Status

// Health implements Reporter.
func (f ReporterFunc) Health() Status { return f() }

// Monitor aggregates registered reporters into one process status.
type Monitor struct {
	mu        sync.Mutex
	reporters []Reporter
}

// NewMonitor builds an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Register adds a reporter. Reporters are polled on every snapshot.
func (m *Monitor) Register(reporter Reporter) {
	m.mu.Lock()
	m.reporters = append(m.reporters, reporter)
	m.mu.Unlock()
}

// Snapshot polls every reporter and rolls the results up: unhealthy if
// any component is unhealthy, degraded if any is degraded, healthy
// otherwise.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	reporters := make([]Reporter, len(m.reporters))
	copy(reporters, m.reporters)
	m.mu.Unlock()

	overall := Healthy("switch")
	for _, reporter := range reporters {
		sub := reporter.Health()
		overall.SubStatuses = append(overall.SubStatuses, sub)

		switch sub.Status {
		case StateUnhealthy:
			overall.Healthy = false
			overall.Status = StateUnhealthy
		case StateDegraded:
			if overall.Status != StateUnhealthy {
				overall.Healthy = false
				overall.Status = StateDegraded
			}
		}
	}
	return overall
}

// Handler serves the aggregated status as JSON, 503 when unhealthy.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snapshot := m.Snapshot()

		w.Header().Set("Content-Type", "application/json")
		if snapshot.Status == StateUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}

// Connector endpoints and auth material must not leak through health
// messages.
var (
	urlPattern        = regexp.MustCompile(`(?:https?|wss?|nats)://\S+`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|credential)\S*[:=]\S+`)
)

func sanitize(message string) string {
	message = urlPattern.ReplaceAllString(message, "[URL]")
	return credentialPattern.ReplaceAllString(message, "[REDACTED]")
}
