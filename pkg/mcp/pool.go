package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

// probeFailLimit is the number of consecutive failed idle probes after
// which a degraded pool is declared dead and parked in ERROR, where the
// manager's reconnect loop picks it up.
const probeFailLimit = 3

// pooledConn wraps a driver connection with pool bookkeeping.
type pooledConn struct {
	Conn
	idleSince time.Time
}

// Pool owns the connections for one descriptor. It enforces the max bound,
// serves waiters FIFO, reaps idle surplus down to min, and probes idle
// connections, degrading the descriptor state on probe failure.
type Pool struct {
	desc   Descriptor
	driver Driver
	creds  CredentialSource
	fsm    *stateMachine
	bus    *async.Bus
	logger *slog.Logger

	mu         sync.Mutex
	idle       []*pooledConn
	inUse      map[Conn]bool
	total      int // inUse + idle + dials in flight
	waiters    []chan *pooledConn
	closed     bool
	looping    bool
	probeFails int // consecutive failed probes

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// newPool creates a pool; Start must be called before Acquire.
func newPool(desc Descriptor, driver Driver, creds CredentialSource, bus *async.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		desc:   desc,
		driver: driver,
		creds:  creds,
		fsm:    newStateMachine(desc.Name, bus),
		bus:    bus,
		logger: logger,
		inUse:  make(map[Conn]bool),
		stopCh: make(chan struct{}),
	}
}

// State returns the descriptor's lifecycle state.
func (p *Pool) State() State { return p.fsm.Current() }

// Start dials the minimum connection set and begins the probe and reap
// loops. On failure the descriptor lands in ERROR and the first dial error
// is returned. A restart after a partial failure reuses the survivors and
// dials only the gap, so total never exceeds MaxSize.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.fsm.Transition(StateConnecting, "pool start"); err != nil {
		return err
	}
	for {
		p.mu.Lock()
		have := p.total
		p.mu.Unlock()
		if have >= p.desc.Pool.MinSize {
			break
		}
		conn, err := p.dial(ctx)
		if err != nil {
			_ = p.fsm.Transition(StateError, err.Error())
			p.publishError(err)
			return err
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	if err := p.fsm.Transition(StateConnected, "pool ready"); err != nil {
		return err
	}

	p.mu.Lock()
	p.probeFails = 0
	startLoops := !p.looping
	p.looping = true
	p.mu.Unlock()
	if startLoops {
		p.wg.Add(2)
		go p.probeLoop()
		go p.reapLoop()
	}
	return nil
}

// Acquire returns a connection, blocking up to the pool's acquire timeout.
// A timeout of zero returns immediately with either a connection or
// POOL_EXHAUSTED_TIMEOUT. Waiters are served FIFO.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.New(fault.KindInvalidOperation, "mcp.pool", "acquire",
			"pool is closed").WithResource(p.desc.Name)
	}

	if pc := p.popIdleLocked(); pc != nil {
		p.inUse[pc.Conn] = true
		p.mu.Unlock()
		return pc.Conn, nil
	}

	if p.total < p.desc.Pool.MaxSize {
		p.total++ // reserve the slot before dialing
		p.mu.Unlock()
		pc, err := p.dialReserved(ctx)
		if err != nil {
			p.mu.Lock()
			dead := p.total == 0 && !p.closed
			p.mu.Unlock()
			if dead {
				// No survivors and a fresh dial failed: the backend is gone.
				_ = p.fsm.Transition(StateError, "dial failed with no live connections")
			}
			return nil, err
		}
		p.mu.Lock()
		p.inUse[pc.Conn] = true
		p.mu.Unlock()
		return pc.Conn, nil
	}

	timeout := p.desc.Pool.AcquireTimeout
	if timeout <= 0 {
		p.mu.Unlock()
		return nil, p.exhausted()
	}

	w := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pc := <-w:
		if pc == nil { // pool closed while waiting
			return nil, fault.New(fault.KindInvalidOperation, "mcp.pool", "acquire",
				"pool closed while waiting").WithResource(p.desc.Name)
		}
		p.mu.Lock()
		p.inUse[pc.Conn] = true
		p.mu.Unlock()
		return pc.Conn, nil
	case <-timer.C:
		p.abandonWaiter(w)
		return nil, p.exhausted()
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, fault.Wrap(fault.KindCancelled, "mcp.pool", "acquire", ctx.Err()).
			WithResource(p.desc.Name)
	}
}

// Release returns a connection to the pool. Damaged connections are closed
// and replaced lazily. A connection with an open transaction is rolled
// back first — the pool never re-issues a connection mid-transaction.
// Releasing a connection that is not outstanding is a detected error.
func (p *Pool) Release(conn Conn, damaged bool) error {
	p.mu.Lock()
	if !p.inUse[conn] {
		p.mu.Unlock()
		return fault.New(fault.KindInvariantViolated, "mcp.pool", "release",
			"connection released twice or not acquired from this pool").WithResource(p.desc.Name)
	}
	delete(p.inUse, conn)
	p.mu.Unlock()

	if conn.InTx() {
		if err := conn.Rollback(context.Background()); err != nil {
			p.logger.Warn("rollback on release failed, discarding connection",
				"connection", p.desc.Name, "error", err)
			damaged = true
		}
	}

	if damaged {
		conn.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil
	}

	pc := &pooledConn{Conn: conn, idleSince: time.Now()}
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		conn.Close()
		return nil
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- pc
		return nil
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	return nil
}

// Stats reports pool occupancy.
type PoolStats struct {
	Total   int
	Idle    int
	InUse   int
	Waiters int
	Max     int
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Total:   p.total,
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Waiters: len(p.waiters),
		Max:     p.desc.Pool.MaxSize,
	}
}

// Close drains the pool: waiters fail, idle connections close, the
// descriptor transitions through DISCONNECTING to DISCONNECTED.
func (p *Pool) Close() error {
	state := p.fsm.Current()
	if state == StateConnected || state == StateDegraded {
		_ = p.fsm.Transition(StateDisconnecting, "pool close")
	}

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, pc := range idle {
		pc.Close()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	if p.fsm.Current() == StateDisconnecting {
		_ = p.fsm.Transition(StateDisconnected, "pool closed")
	}
	return nil
}

// --- internals ---

func (p *Pool) popIdleLocked() *pooledConn {
	if len(p.idle) == 0 {
		return nil
	}
	pc := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return pc
}

// dial creates a new connection, counting it toward total.
func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	return p.dialReserved(ctx)
}

// dialReserved creates a connection for an already-reserved slot, releasing
// the reservation on failure.
func (p *Pool) dialReserved(ctx context.Context) (*pooledConn, error) {
	creds := Credentials{}
	if p.creds != nil && p.desc.CredentialsRef != "" {
		var err error
		creds, err = p.creds.Resolve(ctx, p.desc.CredentialsRef)
		if err != nil {
			p.unreserve()
			return nil, fault.Wrap(fault.KindAuthFailed, "mcp.pool", "acquire", err).
				WithResource(p.desc.Name)
		}
	}
	conn, err := p.driver.Connect(ctx, p.desc, creds)
	if err != nil {
		p.unreserve()
		p.publishError(err)
		return nil, err
	}
	return &pooledConn{Conn: conn, idleSince: time.Now()}, nil
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

func (p *Pool) exhausted() error {
	return fault.New(fault.KindPoolExhaustedTimeout, "mcp.pool", "acquire",
		fmt.Sprintf("no connection available within %s", p.desc.Pool.AcquireTimeout)).
		WithResource(p.desc.Name)
}

// abandonWaiter removes w from the queue; if a release raced and already
// handed over a connection, it is put back.
func (p *Pool) abandonWaiter(w chan *pooledConn) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	select {
	case pc := <-w:
		if pc == nil {
			return
		}
		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			pc.Close()
			return
		}
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	default:
	}
}

// probeLoop pings one idle connection per interval. A failed probe closes
// the connection and degrades the descriptor; a clean probe recovers it.
func (p *Pool) probeLoop() {
	defer p.wg.Done()
	interval := p.desc.Pool.ProbeInterval
	if interval <= 0 {
		interval = DefaultPoolConfig().ProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *Pool) probeOnce() {
	p.mu.Lock()
	pc := p.popIdleLocked()
	p.mu.Unlock()
	if pc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err := pc.Ping(ctx)
	cancel()

	if err != nil {
		pc.Close()
		p.mu.Lock()
		p.total--
		p.probeFails++
		fails := p.probeFails
		p.mu.Unlock()
		switch {
		case fails >= probeFailLimit:
			// The backend is not coming back on its own. Hand the pool to
			// the manager's reconnect loop instead of degrading forever.
			_ = p.fsm.Transition(StateError,
				fmt.Sprintf("%d consecutive probe failures", fails))
		case p.fsm.Current() == StateConnected:
			_ = p.fsm.Transition(StateDegraded, "idle probe failed")
		}
		p.publishError(err)
		return
	}

	p.mu.Lock()
	p.probeFails = 0
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	if p.fsm.Current() == StateDegraded {
		_ = p.fsm.Transition(StateConnected, "probe recovered")
	}
}

// reapLoop closes idle connections past the idle timeout, down to min.
func (p *Pool) reapLoop() {
	defer p.wg.Done()
	idleTimeout := p.desc.Pool.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultPoolConfig().IdleTimeout
	}
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(idleTimeout)
		}
	}
}

func (p *Pool) reapOnce(idleTimeout time.Duration) {
	var victims []*pooledConn
	p.mu.Lock()
	for p.total > p.desc.Pool.MinSize && len(p.idle) > 0 {
		oldest := p.idle[0]
		if time.Since(oldest.idleSince) < idleTimeout {
			break
		}
		p.idle = p.idle[1:]
		p.total--
		victims = append(victims, oldest)
	}
	p.mu.Unlock()
	for _, pc := range victims {
		pc.Close()
	}
}

func (p *Pool) publishError(err error) {
	if p.bus != nil {
		p.bus.Publish(async.TopicConnectionError, "mcp.pool", map[string]any{
			"connection": p.desc.Name,
			"error":      err.Error(),
		})
	}
}
