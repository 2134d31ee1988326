package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/querypilot/querypilot/pkg/fault"
)

// Executor bounds concurrency with a weighted semaphore and tracks
// per-operation statistics. Submissions beyond the bound suspend until a
// slot frees or the caller's context is done.
type Executor struct {
	sem   *semaphore.Weighted
	limit int64

	mu      sync.Mutex
	stats   map[string]*OpStats
	current int
	maxSeen int

	metrics *executorMetrics
}

// OpStats are the per-operation counters exposed by Stats.
type OpStats struct {
	Calls         int64
	Failures      int64
	TotalDuration time.Duration
}

// SuccessRate returns the fraction of calls that returned nil.
func (s OpStats) SuccessRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Calls-s.Failures) / float64(s.Calls)
}

// MeanDuration returns the average run time across all calls.
func (s OpStats) MeanDuration() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}

// NewExecutor creates an executor allowing up to limit concurrent
// operations. reg may be nil.
func NewExecutor(limit int, reg prometheus.Registerer) *Executor {
	if limit < 1 {
		limit = 1
	}
	return &Executor{
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   int64(limit),
		stats:   make(map[string]*OpStats),
		metrics: newExecutorMetrics(reg),
	}
}

// Run executes fn under the concurrency bound, blocking for a slot.
// The slot is held for the duration of fn.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fault.Wrap(fault.KindCancelled, "async.executor", "acquire", err)
	}
	defer e.sem.Release(1)

	e.enter()
	start := time.Now()
	err := runRecovered(ctx, fn)
	e.exit(op, time.Since(start), err)
	return err
}

// Go runs fn asynchronously under the bound. Acquisition still happens in
// the caller's context so backpressure applies at submission time; done (if
// non-nil) receives the result exactly once.
func (e *Executor) Go(ctx context.Context, op string, fn func(ctx context.Context) error, done chan<- error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fault.Wrap(fault.KindCancelled, "async.executor", "acquire", err)
	}
	go func() {
		defer e.sem.Release(1)
		e.enter()
		start := time.Now()
		err := runRecovered(ctx, fn)
		e.exit(op, time.Since(start), err)
		if done != nil {
			done <- err
		}
	}()
	return nil
}

// runRecovered converts a panic inside fn into an INVARIANT_VIOLATED error
// so one bad operation cannot take the process down.
func runRecovered(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.KindInvariantViolated, "async.executor", "run",
				fmt.Sprintf("operation panicked: %v", r))
		}
	}()
	return fn(ctx)
}

func (e *Executor) enter() {
	e.mu.Lock()
	e.current++
	if e.current > e.maxSeen {
		e.maxSeen = e.current
	}
	e.mu.Unlock()
	e.metrics.inFlight.Inc()
}

func (e *Executor) exit(op string, d time.Duration, err error) {
	e.mu.Lock()
	e.current--
	st, ok := e.stats[op]
	if !ok {
		st = &OpStats{}
		e.stats[op] = st
	}
	st.Calls++
	st.TotalDuration += d
	if err != nil {
		st.Failures++
	}
	e.mu.Unlock()

	e.metrics.inFlight.Dec()
	e.metrics.calls.WithLabelValues(op).Inc()
	e.metrics.duration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		e.metrics.failures.WithLabelValues(op).Inc()
	}
}

// Stats returns a copy of the per-operation counters.
func (e *Executor) Stats() map[string]OpStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]OpStats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

// MaxConcurrentObserved returns the highest concurrency reached so far.
func (e *Executor) MaxConcurrentObserved() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxSeen
}
