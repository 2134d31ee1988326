package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

// Manager runs agents through the shared priority queue under a bounded
// worker pool. Submitted tasks are queued; workers drain the queue in
// priority order and drive each agent to a terminal state.
type Manager struct {
	deps     Deps
	queue    *async.PriorityQueue
	executor *async.Executor
	logger   *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerConfig sizes the manager.
type ManagerConfig struct {
	Workers       int
	QueueCapacity int
	Queue         async.BackpressurePolicy
}

// NewManager starts worker goroutines immediately. reg may be nil to skip
// metrics registration.
func NewManager(deps Deps, cfg ManagerConfig, reg prometheus.Registerer) *Manager {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:     deps,
		queue:    async.NewPriorityQueue(async.QueueConfig{Capacity: cfg.QueueCapacity, Policy: cfg.Queue}, reg),
		executor: async.NewExecutor(cfg.Workers, reg),
		logger:   deps.Logger,
		agents:   make(map[string]*Agent),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit queues a task and returns the agent id. The agent starts when a
// worker picks it up.
func (m *Manager) Submit(ctx context.Context, task Task, pri async.Priority) (string, error) {
	a, err := New(task, m.deps)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.agents[a.ID()] = a
	m.mu.Unlock()

	if err := m.queue.Put(ctx, a, pri); err != nil {
		m.mu.Lock()
		delete(m.agents, a.ID())
		m.mu.Unlock()
		return "", err
	}
	return a.ID(), nil
}

// Status reports a submitted agent's current snapshot.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	a, ok := m.agents[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, fault.New(fault.KindInvalidParams, "agent", "status",
			fmt.Sprintf("unknown agent %q", id)).WithResource(id)
	}
	return a.Snapshot(), nil
}

// List snapshots every known agent.
func (m *Manager) List() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Snapshot())
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		item, err := m.queue.Get(m.ctx)
		if err != nil {
			return
		}
		a, ok := item.(*Agent)
		if !ok {
			continue
		}
		runErr := m.executor.Run(m.ctx, "agent.run", func(ctx context.Context) error {
			return a.Run(ctx)
		})
		if runErr != nil {
			m.logger.Warn("agent finished with error", "agent", a.ID(), "error", runErr)
		}
	}
}

// Close stops accepting work and waits for workers to drain. Running
// agents see their context cancelled.
func (m *Manager) Close() {
	m.queue.Close()
	m.cancel()
	m.wg.Wait()
}
