package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Check probes one dependency.
type Check struct {
	Name string
	// Critical checks turn the overall status unhealthy; others only degrade it.
	Critical bool
	Fn       func(ctx context.Context) error
}

// CheckResult is one probe outcome.
type CheckResult struct {
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthReport is the body of /health/detailed.
type HealthReport struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	PolicyVersion string                 `json:"policy_version"`
	Uptime        string                 `json:"uptime"`
	Checks        map[string]CheckResult `json:"checks"`
}

// Health runs dependency probes concurrently with a shared deadline.
type Health struct {
	checks  []Check
	version string
	started time.Time
	timeout time.Duration
}

// NewHealth creates a Health for the given checks.
func NewHealth(version string, timeout time.Duration, checks ...Check) *Health {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Health{checks: checks, version: version, started: time.Now(), timeout: timeout}
}

// Run probes every check.
func (h *Health) Run(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rep := HealthReport{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  make(map[string]CheckResult, len(h.checks)),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Fn(ctx)
			res := CheckResult{Status: "ok", LatencyMs: float64(time.Since(start).Microseconds()) / 1000}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Status, res.Error = "failing", err.Error()
				switch {
				case c.Critical:
					rep.Status = "unhealthy"
				case rep.Status == "healthy":
					rep.Status = "degraded"
				}
			}
			rep.Checks[c.Name] = res
		}()
	}
	wg.Wait()
	return rep
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) healthDetailed(w http.ResponseWriter, r *http.Request) {
	rep := h.health.Run(r.Context())
	rep.PolicyVersion = h.snapshots.Current().Version
	code := http.StatusOK
	if rep.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}
