// Package health answers liveness, readiness and detailed health probes.
// Losing the coordination store only degrades the gateway: requests are
// still limited from the local fallback store, so the instance stays ready.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/maltehedderich/weather-gateway/internal/circuitbreaker"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so the worst check decides the report
var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// Check is the outcome of one dependency check
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the body of every health endpoint
type Report struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Checker performs one check. It must return quickly.
type Checker func() Check

// Manager holds the registered checks
type Manager struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

// NewManager creates a manager without checks
func NewManager() *Manager {
	return &Manager{checks: make(map[string]Checker)}
}

// Register adds or replaces the check called name
func (m *Manager) Register(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = checker
}

// Evaluate runs every check and reports the worst status
func (m *Manager) Evaluate() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]Check, len(m.checks)),
	}
	for name, checker := range m.checks {
		start := time.Now()
		check := checker()
		metrics.RecordHealthCheck(name, string(check.Status), time.Since(start))

		report.Checks[name] = check
		if severity[check.Status] > severity[report.Status] {
			report.Status = check.Status
		}
	}
	return report
}

// LivenessHandler answers 200 whenever the process can serve HTTP
func (m *Manager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, Report{Status: StatusHealthy, Timestamp: time.Now().UTC()})
	}
}

// ReadinessHandler answers 503 only when a check is unhealthy
func (m *Manager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := m.Evaluate()
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// HealthHandler always answers 200 with the full report
func (m *Manager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, m.Evaluate())
	}
}

func writeReport(w http.ResponseWriter, code int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// Coordination is the view of the coordination store connection the
// checker needs. *ratelimit.Supervisor satisfies it.
type Coordination interface {
	Ready() bool
}

// CoordinationChecker is healthy while the coordination store is Ready
// and degraded otherwise; state names the supervisor state for the detail.
func CoordinationChecker(c Coordination, state func() string) Checker {
	return func() Check {
		check := Check{Name: "coordination", Status: StatusHealthy}
		if !c.Ready() {
			check.Status = StatusDegraded
			check.Detail = "coordination store " + state() + ", serving from local fallback"
		}
		return check
	}
}

// BreakerChecker is degraded while cb rejects calls
func BreakerChecker(cb *circuitbreaker.CircuitBreaker) Checker {
	return func() Check {
		stats := cb.GetStats()
		check := Check{Name: stats.Name, Status: StatusHealthy}
		if stats.State != circuitbreaker.StateClosed {
			check.Status = StatusDegraded
			check.Detail = "circuit breaker " + stats.State.String() + " since " + stats.LastStateChange.UTC().Format(time.RFC3339)
		}
		return check
	}
}
