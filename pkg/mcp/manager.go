package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithRetryPolicy overrides the transient-failure retry tuning for
// execute paths.
func WithRetryPolicy(policy async.RetryPolicy) ManagerOption {
	return func(m *Manager) { m.retry = policy }
}

// WithReconnectInterval overrides how often pools in ERROR are retried.
func WithReconnectInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.reconnectInterval = interval }
}

// Manager owns the connection registry: one pool per descriptor, a driver
// registry, and credential resolution. Pools that land in ERROR are
// redialed in the background behind a per-descriptor circuit breaker.
type Manager struct {
	drivers *DriverRegistry
	creds   CredentialSource
	bus     *async.Bus
	logger  *slog.Logger
	retry   async.RetryPolicy

	reconnectInterval time.Duration

	mu       sync.RWMutex
	pools    map[string]*Pool
	breakers map[string]*gobreaker.CircuitBreaker
	closed   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager. creds may be nil for trusted local
// backends only.
func NewManager(drivers *DriverRegistry, creds CredentialSource, bus *async.Bus, opts ...ManagerOption) *Manager {
	retry := async.DefaultRetryPolicy()
	retry.Retryable = Retryable
	m := &Manager{
		drivers:           drivers,
		creds:             creds,
		bus:               bus,
		logger:            slog.Default(),
		retry:             retry,
		reconnectInterval: 15 * time.Second,
		pools:             make(map[string]*Pool),
		breakers:          make(map[string]*gobreaker.CircuitBreaker),
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retry.Retryable = Retryable
	m.wg.Add(1)
	go m.reconnectLoop()
	return m
}

// Connect registers a descriptor and brings its pool up. Registering a
// name twice is an error; unknown or adapterless kinds fail before any
// dial happens.
func (m *Manager) Connect(ctx context.Context, desc Descriptor) error {
	if desc.Name == "" {
		return fault.New(fault.KindInvalidParams, "mcp.manager", "connect",
			"descriptor requires a name")
	}
	applyPoolDefaults(&desc.Pool)

	driver, err := m.drivers.Get(desc.Kind)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fault.New(fault.KindInvalidOperation, "mcp.manager", "connect",
			"manager is closed")
	}
	if _, exists := m.pools[desc.Name]; exists {
		m.mu.Unlock()
		return fault.New(fault.KindInvalidOperation, "mcp.manager", "connect",
			fmt.Sprintf("connection %q already registered", desc.Name))
	}
	pool := newPool(desc, driver, m.creds, m.bus, m.logger)
	m.pools[desc.Name] = pool
	m.breakers[desc.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reconnect-" + desc.Name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
	})
	m.mu.Unlock()

	if err := pool.Start(ctx); err != nil {
		m.logger.Error("connection failed to start, will retry in background",
			"connection", desc.Name, "kind", desc.Kind, "error", err)
		return err
	}
	m.logger.Info("connection registered",
		"connection", desc.Name, "kind", desc.Kind,
		"pool_min", desc.Pool.MinSize, "pool_max", desc.Pool.MaxSize)
	return nil
}

// Disconnect drains and removes a connection. Unknown names are an error.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	pool, ok := m.pools[name]
	if ok {
		delete(m.pools, name)
		delete(m.breakers, name)
	}
	m.mu.Unlock()
	if !ok {
		return m.unknown(name, "disconnect")
	}
	if err := pool.Close(); err != nil {
		return err
	}
	m.logger.Info("connection removed", "connection", name)
	return nil
}

// Pool returns the pool for a registered connection.
func (m *Manager) Pool(name string) (*Pool, error) {
	m.mu.RLock()
	pool, ok := m.pools[name]
	m.mu.RUnlock()
	if !ok {
		return nil, m.unknown(name, "pool")
	}
	return pool, nil
}

// Descriptor returns the registered descriptor for a connection name.
func (m *Manager) Descriptor(name string) (Descriptor, error) {
	pool, err := m.Pool(name)
	if err != nil {
		return Descriptor{}, err
	}
	return pool.desc, nil
}

// ConnectionStatus is one row of the connection listing.
type ConnectionStatus struct {
	Name  string    `json:"name"`
	Kind  Kind      `json:"kind"`
	State State     `json:"state"`
	Pool  PoolStats `json:"pool"`
}

// List returns all registered connections sorted by name.
func (m *Manager) List() []ConnectionStatus {
	m.mu.RLock()
	out := make([]ConnectionStatus, 0, len(m.pools))
	for name, pool := range m.pools {
		out = append(out, ConnectionStatus{
			Name:  name,
			Kind:  pool.desc.Kind,
			State: pool.State(),
			Pool:  pool.Stats(),
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates the request, acquires a connection, and runs it with
// transient-failure retries. Each retry attempt releases the damaged
// connection and acquires a fresh one, so a dead socket never gets
// retried in place.
func (m *Manager) Execute(ctx context.Context, name string, req Request) (*QueryResult, error) {
	pool, err := m.Pool(name)
	if err != nil {
		return nil, err
	}
	if err := ValidateRequest(pool.desc.Kind, req); err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	return async.RetryValue(ctx, m.retry, func(ctx context.Context) (*QueryResult, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		result, err := conn.Execute(ctx, req)
		releaseErr := pool.Release(conn, err != nil && Retryable(err))
		if err != nil {
			return nil, err
		}
		if releaseErr != nil {
			return nil, releaseErr
		}
		return result, nil
	})
}

// ExecuteDDL runs a schema statement through the same acquire/retry path.
func (m *Manager) ExecuteDDL(ctx context.Context, name, statement string) error {
	pool, err := m.Pool(name)
	if err != nil {
		return err
	}
	return async.Retry(ctx, m.retry, func(ctx context.Context) error {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		err = conn.ExecuteDDL(ctx, statement)
		releaseErr := pool.Release(conn, err != nil && Retryable(err))
		if err != nil {
			return err
		}
		return releaseErr
	})
}

// WithConn pins one connection for the duration of fn, for transactional
// work that spans statements. fn must not retain the Conn; an open
// transaction left behind is rolled back on release.
func (m *Manager) WithConn(ctx context.Context, name string, fn func(ctx context.Context, conn Conn) error) error {
	pool, err := m.Pool(name)
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	fnErr := fn(ctx, conn)
	releaseErr := pool.Release(conn, fnErr != nil && Retryable(fnErr))
	if fnErr != nil {
		return fnErr
	}
	return releaseErr
}

// Ping probes one connection and reports round-trip latency.
func (m *Manager) Ping(ctx context.Context, name string) (time.Duration, error) {
	pool, err := m.Pool(name)
	if err != nil {
		return 0, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	latency, err := conn.Ping(ctx)
	releaseErr := pool.Release(conn, err != nil)
	if err != nil {
		return 0, err
	}
	return latency, releaseErr
}

// Close drains every pool and stops the reconnect loop.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.pools = make(map[string]*Pool)
	m.breakers = make(map[string]*gobreaker.CircuitBreaker)
	m.mu.Unlock()

	var firstErr error
	for _, pool := range pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return firstErr
}

// reconnectLoop redials pools stuck in ERROR. Consecutive failures trip
// the descriptor's breaker, which spaces out redial attempts.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reconnectErrored()
		}
	}
}

func (m *Manager) reconnectErrored() {
	m.mu.RLock()
	type candidate struct {
		pool    *Pool
		breaker *gobreaker.CircuitBreaker
	}
	var candidates []candidate
	for name, pool := range m.pools {
		if pool.State() == StateError {
			candidates = append(candidates, candidate{pool, m.breakers[name]})
		}
	}
	m.mu.RUnlock()

	for _, c := range candidates {
		_, err := c.breaker.Execute(func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return nil, c.pool.Start(ctx)
		})
		if err != nil {
			m.logger.Warn("reconnect attempt failed",
				"connection", c.pool.desc.Name, "error", err)
			continue
		}
		m.logger.Info("connection recovered", "connection", c.pool.desc.Name)
	}
}

func (m *Manager) unknown(name, op string) error {
	return fault.New(fault.KindInvalidParams, "mcp.manager", op,
		fmt.Sprintf("unknown connection %q", name)).WithResource(name)
}

func applyPoolDefaults(cfg *PoolConfig) {
	def := DefaultPoolConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
}
