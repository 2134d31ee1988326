// Package orchestrator is the composition root: it constructs every
// subsystem in lifecycle order, wires them together, and exposes the
// small operation surface the UI/CLI talks to. Startup order is
// Vault → Audit → Bus → Pool Manager → Safety → Registry → Agent
// Manager; Shutdown drains in reverse.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/querypilot/querypilot/pkg/agent"
	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/cache"
	"github.com/querypilot/querypilot/pkg/config"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/health"
	"github.com/querypilot/querypilot/pkg/masking"
	"github.com/querypilot/querypilot/pkg/mcp"
	"github.com/querypilot/querypilot/pkg/safety"
	"github.com/querypilot/querypilot/pkg/tools"
	"github.com/querypilot/querypilot/pkg/vault"
)

// slowPingThreshold marks a connection DEGRADED in health reports.
const slowPingThreshold = 250 * time.Millisecond

// Option configures optional collaborators before startup.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	planner    agent.Planner
	approver   safety.Approver
	registerer prometheus.Registerer
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPlanner supplies the plan producer backing RunAgent. Without one,
// agent submission fails with INVALID_OPERATION.
func WithPlanner(p agent.Planner) Option {
	return func(o *options) { o.planner = p }
}

// WithApprover registers the approval callback implemented by the host.
func WithApprover(a safety.Approver) Option {
	return func(o *options) { o.approver = a }
}

func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Orchestrator owns the assembled system. All methods are safe for
// concurrent use.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *async.Bus
	secrets   *vault.Vault
	auditLog  *audit.Log
	pools     *mcp.Manager
	redactor  *masking.Redactor
	safetyCtl *safety.Controller
	registry  *tools.Registry
	agents    *agent.Manager
	checks    *health.Registry
	results   *cache.Cache
	redisCli  *redis.Client

	mu      sync.Mutex
	current string // default connection set by Use
	closed  bool
}

// lateRecorder lets the vault open before the audit log exists while
// still recording every secret read once it does.
type lateRecorder struct {
	log atomic.Pointer[audit.Log]
}

func (r *lateRecorder) RecordSecretAccess(ctx context.Context, name, outcome string) {
	if l := r.log.Load(); l != nil {
		l.RecordSecretAccess(ctx, name, outcome)
	}
}

// New brings the system up from configuration. A failed startup tears
// down everything already started before returning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	orc := &Orchestrator{cfg: cfg, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			orc.Shutdown(context.Background())
		}
	}()

	// Vault.
	passphrase, err := cfg.Vault.Passphrase()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Vault.Path), 0o700); err != nil {
		return nil, fault.Wrap(fault.KindInvalidOperation, "orchestrator", "start", err)
	}
	recorder := &lateRecorder{}
	orc.secrets, err = vault.Open(vault.NewFileStore(cfg.Vault.Path), passphrase,
		vault.WithAccessRecorder(recorder), vault.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	// Audit.
	if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o700); err != nil {
		return nil, fault.Wrap(fault.KindInvalidOperation, "orchestrator", "start", err)
	}
	auditOpts := []audit.Option{audit.WithLogger(o.logger)}
	if cfg.Audit.MaxRecords > 0 {
		auditOpts = append(auditOpts, audit.WithRetention(cfg.Audit.MaxRecords))
	}
	orc.auditLog, err = audit.New(audit.NewFileStore(cfg.Audit.Path), auditOpts...)
	if err != nil {
		return nil, err
	}
	recorder.log.Store(orc.auditLog)

	// Event bus.
	orc.bus = async.NewBus(o.logger)

	// Shared redis client for the cache tier and agent locks.
	if cfg.Redis.Addr != "" {
		orc.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.Password),
			DB:       cfg.Redis.DB,
		})
	}

	// Pool manager.
	orc.pools = mcp.NewManager(mcp.BuiltinDrivers(), &vaultCredentials{v: orc.secrets}, orc.bus,
		mcp.WithLogger(o.logger),
		mcp.WithRetryPolicy(retryPolicy(cfg.Retry)))

	// Safety. The redactor learns every vault secret so nothing leaks
	// through approval payloads or audit messages.
	orc.redactor = masking.NewRedactor(o.logger)
	orc.refreshRedactor(ctx)
	level, err := safety.ParseLevel(cfg.Safety.Level)
	if err != nil {
		return nil, err
	}
	orc.safetyCtl = safety.NewController(safety.Config{
		Level:           level,
		ApprovalTimeout: cfg.Safety.ApprovalTimeout,
		RateLimit:       cfg.Safety.RateLimit,
		RateLimitWindow: cfg.Safety.RateLimitWindow,
	}, orc.auditLog, orc.redactor, orc.bus, o.logger)
	if o.approver != nil {
		orc.safetyCtl.SetApprover(o.approver)
	}

	// Tool registry with the builtin database tools.
	orc.registry = tools.NewRegistry(orc.safetyCtl, orc.auditLog, o.logger)
	if err := tools.RegisterDatabaseTools(orc.registry, orc.pools); err != nil {
		return nil, err
	}

	// Result cache.
	var store cache.Store
	if cfg.Cache.Redis && orc.redisCli != nil {
		store = cache.NewRedisStore(orc.redisCli)
	}
	orc.results, err = cache.New(cache.Config{
		MaxBytes:      cfg.Cache.MaxBytes,
		CompressAbove: cfg.Cache.CompressAbove,
		DefaultTTL:    cfg.Cache.TTL,
	}, store, orc.bus, o.logger)
	if err != nil {
		return nil, err
	}

	// Agent manager.
	var checkpoints agent.CheckpointStore = agent.NewMemoryCheckpointStore()
	if cfg.Agent.CheckpointDir != "" {
		checkpoints, err = agent.NewFileCheckpointStore(cfg.Agent.CheckpointDir)
		if err != nil {
			return nil, err
		}
	}
	orc.agents = agent.NewManager(agent.Deps{
		Planner:     o.planner,
		Registry:    orc.registry,
		Safety:      orc.safetyCtl,
		Checkpoints: checkpoints,
		Bus:         orc.bus,
		Logger:      o.logger,
	}, agent.ManagerConfig{
		Workers:       cfg.Agent.Workers,
		QueueCapacity: cfg.Agent.QueueCapacity,
	}, o.registerer)

	// Health checks.
	orc.checks = health.NewRegistry(orc.bus, o.logger)
	orc.checks.Register("vault", 0, health.VaultCheck(orc.secrets))
	orc.checks.Register("audit.dir", 0, health.WritableDirCheck(filepath.Dir(cfg.Audit.Path)))

	// Declared connections. A backend that is down at boot is logged
	// and left to the reconnect loop once registered; registration
	// errors themselves are fatal.
	for _, desc := range cfg.Connections {
		if err := orc.Connect(ctx, desc); err != nil {
			o.logger.Error("startup connection failed",
				"connection", desc.Name, "error", err)
		}
	}

	ok = true
	return orc, nil
}

// refreshRedactor reloads the masking literal set from the vault.
func (orc *Orchestrator) refreshRedactor(ctx context.Context) {
	var literals []string
	err := orc.secrets.Known(ctx, func(value []byte) {
		literals = append(literals, secretLiterals(value)...)
	})
	if err != nil {
		orc.logger.Warn("redactor refresh failed", "error", err)
		return
	}
	orc.redactor.SetLiterals(literals)
}

// Connect registers a connection, stores nothing itself: credentials
// must already be in the vault under desc.CredentialsRef.
func (orc *Orchestrator) Connect(ctx context.Context, desc mcp.Descriptor) error {
	err := orc.pools.Connect(ctx, desc)
	// A dial failure still leaves the connection registered for the
	// reconnect loop, so it still deserves a health check.
	if _, known := orc.pools.Descriptor(desc.Name); known == nil {
		orc.checks.Register("connection."+desc.Name, 0,
			health.ConnectionCheck(orc.pools, desc.Name, slowPingThreshold))
	}
	return err
}

// Disconnect drains and removes a connection.
func (orc *Orchestrator) Disconnect(ctx context.Context, name string) error {
	if err := orc.pools.Disconnect(ctx, name); err != nil {
		return err
	}
	orc.checks.Unregister("connection." + name)
	orc.mu.Lock()
	if orc.current == name {
		orc.current = ""
	}
	orc.mu.Unlock()
	return nil
}

// Use selects the default connection for Execute calls that omit one.
func (orc *Orchestrator) Use(name string) error {
	if _, err := orc.pools.Descriptor(name); err != nil {
		return err
	}
	orc.mu.Lock()
	orc.current = name
	orc.mu.Unlock()
	return nil
}

// Connections lists registered connections and their pool state.
func (orc *Orchestrator) Connections() []mcp.ConnectionStatus {
	return orc.pools.List()
}

// StoreCredentials seals username/password material under ref, usable
// afterwards by any descriptor whose credentials_ref matches.
func (orc *Orchestrator) StoreCredentials(ctx context.Context, ref, username, password string) error {
	blob, err := json.Marshal(storedCredentials{Username: username, Password: password})
	if err != nil {
		return fault.Wrap(fault.KindInvalidParams, "orchestrator", "credentials", err)
	}
	if err := orc.secrets.Put(ctx, ref, blob); err != nil {
		return err
	}
	orc.refreshRedactor(ctx)
	return nil
}

// Execute runs a request against the named connection (or the Use
// default when name is empty), gated by the safety controller.
func (orc *Orchestrator) Execute(ctx context.Context, principal, name string, req mcp.Request) (*mcp.QueryResult, error) {
	if name == "" {
		orc.mu.Lock()
		name = orc.current
		orc.mu.Unlock()
	}
	if name == "" {
		return nil, fault.New(fault.KindInvalidParams, "orchestrator", "execute",
			"no connection selected")
	}
	desc, err := orc.pools.Descriptor(name)
	if err != nil {
		return nil, err
	}

	if _, err := orc.safetyCtl.Evaluate(ctx, safety.Operation{
		Principal: principal,
		Action:    "db.execute",
		Target: safety.Target{
			Kind:       desc.Kind,
			Resource:   name,
			Production: desc.Options["environment"] == "production",
		},
		Request: req,
	}); err != nil {
		return nil, err
	}
	return orc.pools.Execute(ctx, name, req)
}

// QueryCached serves a read query through the semantic result cache.
// The fingerprint folds connection identity, canonicalized SQL, and
// parameters, so equivalent spellings share one entry.
func (orc *Orchestrator) QueryCached(ctx context.Context, principal, name, sql string, params []any, ttl time.Duration) (*mcp.QueryResult, error) {
	key := cache.Fingerprint(name, sql, params)
	blob, err := orc.results.GetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		res, err := orc.Execute(ctx, principal, name, mcp.Request{SQL: sql, Params: params})
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return nil, err
	}
	var res mcp.QueryResult
	if err := json.Unmarshal(blob, &res); err != nil {
		return nil, fault.Wrap(fault.KindInvariantViolated, "orchestrator", "cache", err)
	}
	return &res, nil
}

// RunTool invokes a registered tool on the caller's behalf.
func (orc *Orchestrator) RunTool(ctx context.Context, caller tools.Caller, name string, params map[string]any) (any, error) {
	return orc.registry.Invoke(ctx, caller, name, params)
}

// Tools lists the tool summaries visible to the caller.
func (orc *Orchestrator) Tools(caller tools.Caller) []tools.Summary {
	return orc.registry.Summaries(caller)
}

// RunAgent queues a task for planning and execution, returning the
// agent id for status polling.
func (orc *Orchestrator) RunAgent(ctx context.Context, task agent.Task, pri async.Priority) (string, error) {
	return orc.agents.Submit(ctx, task, pri)
}

// AgentStatus reports a submitted agent's progress.
func (orc *Orchestrator) AgentStatus(id string) (agent.Status, error) {
	return orc.agents.Status(id)
}

// Health runs every registered check in parallel, bounded by ctx.
func (orc *Orchestrator) Health(ctx context.Context) health.Report {
	return orc.checks.RunAll(ctx)
}

// AuditSearch returns matching audit records in sequence order.
func (orc *Orchestrator) AuditSearch(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	return orc.auditLog.Search(ctx, q)
}

// AuditVerify re-walks the hash chain.
func (orc *Orchestrator) AuditVerify(ctx context.Context) (audit.VerifyResult, error) {
	return orc.auditLog.Verify(ctx)
}

// CacheStats exposes result-cache counters.
func (orc *Orchestrator) CacheStats() cache.Stats {
	return orc.results.Stats()
}

// Shutdown tears the system down in reverse startup order. Safe to call
// on a partially started Orchestrator and safe to call twice.
func (orc *Orchestrator) Shutdown(ctx context.Context) {
	orc.mu.Lock()
	if orc.closed {
		orc.mu.Unlock()
		return
	}
	orc.closed = true
	orc.mu.Unlock()

	if orc.agents != nil {
		orc.agents.Close()
	}
	if orc.pools != nil {
		if err := orc.pools.Close(); err != nil {
			orc.logger.Warn("pool shutdown", "error", err)
		}
	}
	if orc.redisCli != nil {
		if err := orc.redisCli.Close(); err != nil {
			orc.logger.Warn("redis shutdown", "error", err)
		}
	}
	if orc.bus != nil {
		orc.bus.Close()
	}
	if orc.secrets != nil {
		orc.secrets.Close()
	}
	orc.logger.Info("shutdown complete")
}

func retryPolicy(cfg config.RetryConfig) async.RetryPolicy {
	return async.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Factor:      cfg.Factor,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
	}
}
