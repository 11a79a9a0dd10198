// Package health aggregates component checks for the daemon's /health
// endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Check performs one health check. A nil error with an empty message is
// healthy.
type Check func(ctx context.Context) error

type component struct {
	name     string
	critical bool
	check    Check
}

// Checker runs registered checks on demand.
type Checker struct {
	mu         sync.RWMutex
	components []component
	startTime  time.Time
	timeout    time.Duration
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{startTime: time.Now(), timeout: DefaultTimeout}
}

// Register adds a check. A failing critical check makes the overall
// status unhealthy; a failing non-critical one only degrades it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component{name: name, critical: critical, check: check})
}

// Report is the /health response body.
type Report struct {
	Status     Status                 `json:"status"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
}

// Run executes every check concurrently.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	comps := append([]component(nil), c.components...)
	c.mu.RUnlock()

	results := make([]CheckResult, len(comps))
	var wg sync.WaitGroup
	for i, comp := range comps {
		wg.Add(1)
		go func(i int, comp component) {
			defer wg.Done()
			results[i] = c.runOne(ctx, comp)
		}(i, comp)
	}
	wg.Wait()

	report := Report{
		Status:     StatusHealthy,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Components: make(map[string]CheckResult, len(comps)),
	}
	for i, comp := range comps {
		r := results[i]
		report.Components[comp.name] = r
		if r.Status == StatusHealthy {
			continue
		}
		if comp.critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, comp component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- comp.check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		r.Status = StatusUnhealthy
		if !comp.critical {
			r.Status = StatusDegraded
		}
		r.Error = err.Error()
	}
	return r
}

// Names lists registered components in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for _, comp := range c.components {
		names = append(names, comp.name)
	}
	sort.Strings(names)
	return names
}

// Handler serves the report as JSON; unhealthy answers 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	})
}
