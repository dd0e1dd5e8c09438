package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"mercator-hq/meridian/pkg/registry"
)

// CheckFunc reports whether one gateway component is ready. A nil error
// means ready.
type CheckFunc func(ctx context.Context) error

// Readiness status values.
const (
	StatusOK        = "ok"
	StatusReady     = "ready"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ms,omitempty"`
}

// ReadinessStatus is the aggregated answer for /health and /ready.
type ReadinessStatus struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Readiness aggregates named component checks.
type Readiness struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewReadiness creates a Readiness whose checks each get timeout to answer.
// Zero means 5 seconds.
func NewReadiness(timeout time.Duration) *Readiness {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Readiness{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
}

// RegisterCheck adds or replaces the check called name.
func (r *Readiness) RegisterCheck(name string, check CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// UnregisterCheck removes the check called name.
func (r *Readiness) UnregisterCheck(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, name)
}

// CheckLiveness reports that the process is up.
func (r *Readiness) CheckLiveness(context.Context) ReadinessStatus {
	return ReadinessStatus{Status: StatusOK, Timestamp: time.Now()}
}

// CheckReadiness runs every registered check concurrently. Any failing check
// makes the overall status degraded.
func (r *Readiness) CheckReadiness(ctx context.Context) ReadinessStatus {
	r.mu.RLock()
	checks := make(map[string]CheckFunc, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.run(ctx, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := StatusReady
	for _, res := range results {
		if res.Status != StatusOK {
			status = StatusDegraded
		}
	}
	return ReadinessStatus{Status: status, Checks: results, Timestamp: time.Now()}
}

func (r *Readiness) run(ctx context.Context, check CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error(), Duration: time.Since(start)}
		}
		return CheckResult{Status: StatusOK, Duration: time.Since(start)}
	case <-ctx.Done():
		return CheckResult{Status: StatusUnhealthy, Message: "check timed out", Duration: time.Since(start)}
	}
}

// LivenessHandler serves /health.
func (r *Readiness) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !readOnly(w, req) {
			return
		}
		writeJSON(w, req, http.StatusOK, r.CheckLiveness(req.Context()))
	}
}

// ReadinessHandler serves /ready: 200 when ready, 503 otherwise.
func (r *Readiness) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !readOnly(w, req) {
			return
		}
		status := r.CheckReadiness(req.Context())
		code := http.StatusOK
		if status.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, req, code, status)
	}
}

// ServicesCheck fails when any registered service has no healthy instance.
// A gateway with no services is not ready either.
func ServicesCheck(reg *registry.Registry) CheckFunc {
	return func(context.Context) error {
		services := reg.Services()
		if len(services) == 0 {
			return errors.New("no services registered")
		}
		var down []string
		for _, svc := range services {
			healthy, err := reg.HealthyInstances(svc.ID)
			if err != nil || len(healthy) == 0 {
				down = append(down, svc.ID)
			}
		}
		if len(down) > 0 {
			sort.Strings(down)
			return fmt.Errorf("no healthy instance: %s", strings.Join(down, ", "))
		}
		return nil
	}
}

func readOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(v)
	}
}
