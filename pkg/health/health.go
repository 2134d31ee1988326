// Package health aggregates named checks into a single report. Checks run
// in parallel under per-check timeouts; the aggregate never outlives the
// caller's deadline, so one wedged check cannot stall the report.
package health

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"context"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

// Status is one check's verdict.
type Status string

const (
	StatusOK       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusFail     Status = "FAIL"
)

// worse ranks statuses for aggregation.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusOK: 0, StatusDegraded: 1, StatusFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// CheckFunc probes one dependency. It must honour ctx.
type CheckFunc func(ctx context.Context) (Status, string)

// Result is one check's contribution to a report.
type Result struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// Report aggregates all checks. Status is the worst individual status.
type Report struct {
	Status  Status        `json:"status"`
	Results []Result      `json:"results"`
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed"`
}

type registration struct {
	fn      CheckFunc
	timeout time.Duration
}

// Registry holds named checks.
type Registry struct {
	bus    *async.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]registration
}

// NewRegistry creates an empty registry. bus and logger may be nil.
func NewRegistry(bus *async.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{bus: bus, logger: logger, checks: make(map[string]registration)}
}

// Register adds a named check. timeout bounds this check alone; zero means
// the aggregate deadline applies. Duplicate names conflict.
func (r *Registry) Register(name string, timeout time.Duration, fn CheckFunc) error {
	if name == "" || fn == nil {
		return fault.New(fault.KindInvalidParams, "health", "register", "check name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; exists {
		return fault.New(fault.KindInvalidOperation, "health", "register",
			fmt.Sprintf("check %q already registered", name)).WithResource(name)
	}
	r.checks[name] = registration{fn: fn, timeout: timeout}
	return nil
}

// Unregister removes a check; unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.checks, name)
	r.mu.Unlock()
}

// RunAll executes every check in parallel and returns the aggregate
// report. Checks still running when ctx expires are reported FAIL with a
// timeout message; RunAll itself returns no later than the deadline.
func (r *Registry) RunAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := make(map[string]registration, len(r.checks))
	for name, reg := range r.checks {
		checks[name] = reg
	}
	r.mu.RUnlock()

	start := time.Now()
	var mu sync.Mutex
	results := make(map[string]Result, len(checks))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for name, reg := range checks {
		name, reg := name, reg
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runOne(ctx, name, reg)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	report := Report{Status: StatusOK, At: start, Elapsed: time.Since(start)}
	mu.Lock()
	for name := range checks {
		res, ok := results[name]
		if !ok {
			res = Result{Name: name, Status: StatusFail, Latency: time.Since(start),
				Message: "check did not finish before the deadline"}
		}
		report.Results = append(report.Results, res)
		report.Status = worse(report.Status, res.Status)
	}
	mu.Unlock()
	sort.Slice(report.Results, func(i, j int) bool { return report.Results[i].Name < report.Results[j].Name })

	if r.bus != nil {
		r.bus.Publish(async.TopicHealthReport, "health", report)
	}
	return report
}

func runOne(ctx context.Context, name string, reg registration) (res Result) {
	checkCtx := ctx
	if reg.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, reg.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = Result{Name: name, Status: StatusFail, Latency: time.Since(start),
				Message: fmt.Sprintf("check panicked: %v", p)}
		}
	}()

	status, msg := reg.fn(checkCtx)
	return Result{Name: name, Status: status, Latency: time.Since(start), Message: msg}
}
