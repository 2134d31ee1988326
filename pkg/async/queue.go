// Package async provides the coordination primitives every other subsystem
// builds on: the priority task queue, retry policy, bounded executor,
// timed batcher, and the in-process event bus.
package async

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/querypilot/querypilot/pkg/fault"
)

// Priority orders queue items. Higher values are delivered first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

// String returns the canonical lowercase name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// BackpressurePolicy controls Put behavior when the queue is at capacity.
type BackpressurePolicy int

const (
	// RejectNew fails the Put immediately with QUEUE_FULL.
	RejectNew BackpressurePolicy = iota
	// DropOldest evicts the oldest lowest-priority item to make room.
	DropOldest
	// BlockBounded suspends the Put until space frees or ctx is done.
	BlockBounded
)

// QueueConfig configures a PriorityQueue.
type QueueConfig struct {
	Capacity int // total items across all levels; 0 means unbounded
	Policy   BackpressurePolicy
}

type queueItem struct {
	value    any
	enqueued time.Time
}

// waiter is a parked Get call. Put hands the item directly to the oldest
// waiter, which gives FIFO fairness among blocked consumers.
type waiter struct {
	ch chan any
}

// PriorityQueue is a four-level priority queue with configurable
// backpressure. Critical items always precede lower levels; delivery is
// FIFO within a level. Safe for concurrent use.
type PriorityQueue struct {
	cfg QueueConfig

	mu      sync.Mutex
	levels  [numPriorities][]queueItem
	size    int
	waiters []*waiter
	space   chan struct{} // signaled when an item is removed (BlockBounded)
	closed  bool

	metrics *queueMetrics
}

// NewPriorityQueue creates a queue. reg may be nil to skip metrics
// registration.
func NewPriorityQueue(cfg QueueConfig, reg prometheus.Registerer) *PriorityQueue {
	return &PriorityQueue{
		cfg:     cfg,
		space:   make(chan struct{}, 1),
		metrics: newQueueMetrics(reg),
	}
}

// Put enqueues an item at the given priority. Behavior at capacity follows
// the configured backpressure policy. Returns QUEUE_FULL under RejectNew,
// or the ctx error under BlockBounded when the caller gives up.
func (q *PriorityQueue) Put(ctx context.Context, item any, pri Priority) error {
	if pri < PriorityLow || pri > PriorityCritical {
		return fault.New(fault.KindInvalidParams, "async.queue", "put", "priority out of range")
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return fault.New(fault.KindInvalidOperation, "async.queue", "put", "queue closed")
		}

		// Direct handoff to the oldest parked consumer.
		if len(q.waiters) > 0 {
			w := q.waiters[0]
			q.waiters = q.waiters[1:]
			q.mu.Unlock()
			w.ch <- item
			q.metrics.observeWait(0)
			return nil
		}

		if q.cfg.Capacity <= 0 || q.size < q.cfg.Capacity {
			q.enqueueLocked(item, pri)
			q.mu.Unlock()
			return nil
		}

		switch q.cfg.Policy {
		case RejectNew:
			q.mu.Unlock()
			q.metrics.rejections.Inc()
			return fault.New(fault.KindQueueFull, "async.queue", "put", "queue at capacity")
		case DropOldest:
			q.dropOldestLocked()
			q.enqueueLocked(item, pri)
			q.mu.Unlock()
			return nil
		case BlockBounded:
			q.mu.Unlock()
			select {
			case <-q.space:
			case <-ctx.Done():
				return fault.Wrap(fault.KindCancelled, "async.queue", "put", ctx.Err())
			}
			// Loop and retry; another producer may have taken the slot.
		}
	}
}

// Get removes and returns the highest-priority item, suspending until one
// is available or ctx is done.
func (q *PriorityQueue) Get(ctx context.Context) (any, error) {
	q.mu.Lock()
	if item, ok := q.dequeueLocked(); ok {
		q.mu.Unlock()
		q.signalSpace()
		return item, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, fault.New(fault.KindInvalidOperation, "async.queue", "get", "queue closed")
	}
	w := &waiter{ch: make(chan any, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case item := <-w.ch:
		return item, nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, cand := range q.waiters {
			if cand == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		// A Put may have raced the cancellation and already handed off.
		select {
		case item := <-w.ch:
			return item, nil
		default:
		}
		return nil, fault.Wrap(fault.KindCancelled, "async.queue", "get", ctx.Err())
	}
}

// TryGet returns the highest-priority item without blocking.
func (q *PriorityQueue) TryGet() (any, bool) {
	q.mu.Lock()
	item, ok := q.dequeueLocked()
	q.mu.Unlock()
	if ok {
		q.signalSpace()
	}
	return item, ok
}

// Len returns the total number of queued items.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// LenOf returns the number of queued items at one priority level.
func (q *PriorityQueue) LenOf(pri Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pri < PriorityLow || pri > PriorityCritical {
		return 0
	}
	return len(q.levels[pri])
}

// Close marks the queue closed. Pending Gets still drain queued items;
// further Puts fail.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *PriorityQueue) enqueueLocked(item any, pri Priority) {
	q.levels[pri] = append(q.levels[pri], queueItem{value: item, enqueued: time.Now()})
	q.size++
	q.metrics.setDepth(pri, len(q.levels[pri]))
}

// dequeueLocked scans levels from critical down.
func (q *PriorityQueue) dequeueLocked() (any, bool) {
	for pri := PriorityCritical; pri >= PriorityLow; pri-- {
		level := q.levels[pri]
		if len(level) == 0 {
			continue
		}
		item := level[0]
		q.levels[pri] = level[1:]
		q.size--
		q.metrics.setDepth(pri, len(q.levels[pri]))
		q.metrics.observeWait(time.Since(item.enqueued))
		return item.value, true
	}
	return nil, false
}

// dropOldestLocked evicts the oldest item at the lowest non-empty level.
func (q *PriorityQueue) dropOldestLocked() {
	for pri := PriorityLow; pri <= PriorityCritical; pri++ {
		level := q.levels[pri]
		if len(level) == 0 {
			continue
		}
		q.levels[pri] = level[1:]
		q.size--
		q.metrics.setDepth(pri, len(q.levels[pri]))
		q.metrics.drops.Inc()
		return
	}
}

func (q *PriorityQueue) signalSpace() {
	select {
	case q.space <- struct{}{}:
	default:
	}
}
