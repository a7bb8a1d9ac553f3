// Package health runs the readiness checks of the monitoring engine.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// DefaultCheckTimeout bounds a single check when the caller sets none.
const DefaultCheckTimeout = 3 * time.Second

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Check represents a single health check.
type Check struct {
	Name    string
	CheckFn CheckFunc
	// Critical checks make the service unhealthy; others only degrade it.
	Critical bool
}

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Message string  `json:"message,omitempty"`
	Latency float64 `json:"latency_ms"`
}

// Response is the body of the readiness endpoint.
type Response struct {
	Status    Status        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Checker manages health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  []Check
	version string
	timeout time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{version: version, timeout: DefaultCheckTimeout}
}

// SetTimeout changes the per-check timeout.
func (c *Checker) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// AddCheck adds a health check.
func (c *Checker) AddCheck(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, Check{Name: name, CheckFn: fn, Critical: critical})
}

// Check runs all checks concurrently.
func (c *Checker) Check(ctx context.Context) Response {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	timeout := c.timeout
	c.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = run(ctx, check, timeout)
		}(i, check)
	}
	wg.Wait()

	overall := StatusHealthy
	for i, r := range results {
		if r.Status == StatusHealthy {
			continue
		}
		if checks[i].Critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	return Response{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
		Checks:    results,
	}
}

func run(ctx context.Context, check Check, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := check.CheckFn(ctx)
	result := CheckResult{
		Name:    check.Name,
		Status:  StatusHealthy,
		Latency: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}

// LivenessHandler reports that the process is up.
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler runs the checks and answers 503 when a critical one fails.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Pinger is implemented by the database clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck checks a connection with Ping.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

// TaskLister reports running tasks. *scheduler.Handle implements it.
type TaskLister interface {
	Running() []string
}

// SchedulerCheck fails when any of the expected tasks is not running.
func SchedulerCheck(tasks TaskLister, expected []string) CheckFunc {
	return func(context.Context) error {
		running := make(map[string]bool)
		for _, name := range tasks.Running() {
			running[name] = true
		}
		var missing []string
		for _, name := range expected {
			if !running[name] {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("tasks not running: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}

// LoadedCheck fails until loaded reports true. It backs caches that are
// filled asynchronously, such as the depot index.
func LoadedCheck(what string, loaded func() bool) CheckFunc {
	return func(context.Context) error {
		if !loaded() {
			return fmt.Errorf("%s not loaded", what)
		}
		return nil
	}
}
