package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/agent"
	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/config"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/mcp"
	"github.com/querypilot/querypilot/pkg/safety"
	"github.com/querypilot/querypilot/pkg/tools"
)

func testConfig(t *testing.T, level string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("QP_VAULT_PASSPHRASE", "correct horse battery staple")

	cfg := config.Default()
	cfg.Vault.Path = filepath.Join(dir, "vault.json")
	cfg.Audit.Path = filepath.Join(dir, "audit.ndjson")
	cfg.Agent.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.Agent.Workers = 1
	cfg.Safety.Level = level
	cfg.Safety.ApprovalTimeout = time.Second
	return &cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	orc, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { orc.Shutdown(context.Background()) })
	return orc
}

func connectSQLite(t *testing.T, orc *Orchestrator, name string) {
	t.Helper()
	require.NoError(t, orc.Connect(context.Background(), mcp.Descriptor{
		Name:     name,
		Kind:     mcp.KindSQLite,
		Database: filepath.Join(t.TempDir(), "app.db"),
	}))
}

func TestStartupAndShutdown(t *testing.T) {
	orc := newTestOrchestrator(t, testConfig(t, "moderate"))

	report := orc.Health(context.Background())
	names := make([]string, 0, len(report.Results))
	for _, res := range report.Results {
		names = append(names, res.Name)
	}
	assert.Contains(t, names, "vault")
	assert.Contains(t, names, "audit.dir")

	// Shutdown is idempotent.
	orc.Shutdown(context.Background())
	orc.Shutdown(context.Background())
}

func TestStartupFailsWithoutPassphrase(t *testing.T) {
	cfg := testConfig(t, "moderate")
	cfg.Vault.PassphraseEnv = "QP_TEST_UNSET_PASSPHRASE"

	_, err := New(context.Background(), cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Equal(t, fault.KindAuthFailed, fault.KindOf(err))
}

func TestDestructiveStatementDeniedBeforeDriver(t *testing.T) {
	ctx := context.Background()
	orc := newTestOrchestrator(t, testConfig(t, "strict"))
	connectSQLite(t, orc, "local")
	require.NoError(t, orc.pools.ExecuteDDL(ctx, "local", "CREATE TABLE users (id INTEGER PRIMARY KEY)"))

	// strict with no approver: a destructive statement never reaches the
	// driver.
	_, err := orc.Execute(ctx, "alice", "local", mcp.Request{SQL: "DROP TABLE users"})
	require.Error(t, err)
	assert.Equal(t, fault.KindSafetyDenied, fault.KindOf(err))

	// The table survived.
	res, err := orc.pools.Execute(ctx, "local", mcp.Request{SQL: "SELECT count(*) FROM users"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)

	// The denial is on the audit chain.
	records, err := orc.AuditSearch(ctx, audit.Query{Action: "safety.db.execute"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "DENY", records[0].Outcome)
	assert.Equal(t, "alice", records[0].Principal)
	assert.Equal(t, "local", records[0].Resource)
}

func TestDestructiveStatementApprovedByTwoParties(t *testing.T) {
	ctx := context.Background()
	var round atomic.Int32
	approver := safety.ApproverFunc(func(ctx context.Context, req safety.ApprovalRequest) (safety.ApprovalResponse, error) {
		n := round.Add(1)
		return safety.ApprovalResponse{Approved: true, Approver: []string{"dba-1", "dba-2"}[(n-1)%2]}, nil
	})

	orc := newTestOrchestrator(t, testConfig(t, "moderate"), WithApprover(approver))
	connectSQLite(t, orc, "local")
	require.NoError(t, orc.pools.ExecuteDDL(ctx, "local", "CREATE TABLE scratch (id INTEGER)"))

	_, err := orc.Execute(ctx, "alice", "local", mcp.Request{SQL: "DROP TABLE scratch"})
	require.NoError(t, err)

	records, err := orc.AuditSearch(ctx, audit.Query{Action: "safety.db.execute"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "APPROVAL_REQUESTED", records[0].Outcome)
	assert.Equal(t, "ALLOW", records[1].Outcome)
}

func TestRejectedApprovalSurfacesDistinctKind(t *testing.T) {
	ctx := context.Background()
	approver := safety.ApproverFunc(func(ctx context.Context, req safety.ApprovalRequest) (safety.ApprovalResponse, error) {
		return safety.ApprovalResponse{Approved: false, Approver: "dba", Reason: "change freeze"}, nil
	})

	orc := newTestOrchestrator(t, testConfig(t, "strict"), WithApprover(approver))
	connectSQLite(t, orc, "local")
	require.NoError(t, orc.pools.ExecuteDDL(ctx, "local", "CREATE TABLE users (id INTEGER PRIMARY KEY)"))

	_, err := orc.Execute(ctx, "alice", "local", mcp.Request{SQL: "DROP TABLE users"})
	require.Error(t, err)
	assert.Equal(t, fault.KindApprovalRejected, fault.KindOf(err))
	assert.Equal(t, 4, fault.ExitCode(err))

	records, err := orc.AuditSearch(ctx, audit.Query{Action: "safety.db.execute"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "APPROVAL_REQUESTED", records[0].Outcome)
	assert.Equal(t, "APPROVAL_REJECTED", records[1].Outcome)

	// The table survived.
	res, err := orc.pools.Execute(ctx, "local", mcp.Request{SQL: "SELECT count(*) FROM users"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)
}

func TestUseSelectsDefaultConnection(t *testing.T) {
	ctx := context.Background()
	orc := newTestOrchestrator(t, testConfig(t, "permissive"))
	connectSQLite(t, orc, "local")

	_, err := orc.Execute(ctx, "alice", "", mcp.Request{SQL: "SELECT 1"})
	require.Error(t, err)
	assert.Equal(t, fault.KindInvalidParams, fault.KindOf(err))

	require.Error(t, orc.Use("nonexistent"))
	require.NoError(t, orc.Use("local"))

	res, err := orc.Execute(ctx, "alice", "", mcp.Request{SQL: "SELECT 1 AS one"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount)

	// Disconnecting the default clears the selection.
	require.NoError(t, orc.Disconnect(ctx, "local"))
	_, err = orc.Execute(ctx, "alice", "", mcp.Request{SQL: "SELECT 1"})
	require.Error(t, err)
}

func TestStoredCredentialsAreResolvableAndMasked(t *testing.T) {
	ctx := context.Background()
	orc := newTestOrchestrator(t, testConfig(t, "moderate"))

	require.NoError(t, orc.StoreCredentials(ctx, "orders-dev", "app_user", "s3cr3t-pw"))

	src := &vaultCredentials{v: orc.secrets}
	creds, err := src.Resolve(ctx, "orders-dev")
	require.NoError(t, err)
	assert.Equal(t, "app_user", creds.Username)
	assert.Equal(t, "s3cr3t-pw", creds.Password)

	_, err = src.Resolve(ctx, "no-such-ref")
	require.Error(t, err)

	masked := orc.redactor.Mask("dial failed for password s3cr3t-pw on host db1")
	assert.NotContains(t, masked, "s3cr3t-pw")
}

func TestQueryCachedBuildsOnceThenHits(t *testing.T) {
	ctx := context.Background()
	orc := newTestOrchestrator(t, testConfig(t, "permissive"))
	connectSQLite(t, orc, "local")

	first, err := orc.QueryCached(ctx, "alice", "local", "SELECT 1 AS one", nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.RowCount)

	// Equivalent spelling shares the entry.
	second, err := orc.QueryCached(ctx, "alice", "local", "select   1 as ONE", nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.Rows, second.Rows)

	stats := orc.CacheStats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestDisconnectRemovesHealthCheck(t *testing.T) {
	ctx := context.Background()
	orc := newTestOrchestrator(t, testConfig(t, "moderate"))
	connectSQLite(t, orc, "local")

	report := orc.Health(ctx)
	found := false
	for _, res := range report.Results {
		if res.Name == "connection.local" {
			found = true
		}
	}
	require.True(t, found)

	require.NoError(t, orc.Disconnect(ctx, "local"))
	report = orc.Health(ctx)
	for _, res := range report.Results {
		assert.NotEqual(t, "connection.local", res.Name)
	}
}

func TestRunAgentEndToEnd(t *testing.T) {
	ctx := context.Background()
	planner := agent.PlannerFunc(func(ctx context.Context, task agent.Task, available []tools.Summary) (agent.Plan, error) {
		return agent.Plan{
			Summary: "probe the local database",
			Steps: []agent.PlanStep{{
				Tool:   "db.query",
				Params: map[string]any{"connection": "local", "sql": "SELECT 1"},
			}},
		}, nil
	})

	orc := newTestOrchestrator(t, testConfig(t, "permissive"), WithPlanner(planner))
	connectSQLite(t, orc, "local")

	id, err := orc.RunAgent(ctx, agent.Task{
		ID:           "probe-1",
		Goal:         "check connectivity",
		Principal:    "alice",
		Capabilities: []string{"*"},
	}, async.Priority(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := orc.AgentStatus(id)
		return err == nil && st.State.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	st, err := orc.AgentStatus(id)
	require.NoError(t, err)
	assert.Equal(t, agent.StateCompleted, st.State)
	assert.Empty(t, st.Error)
}

func TestAuditChainStaysIntact(t *testing.T) {
	ctx := context.Background()
	orc := newTestOrchestrator(t, testConfig(t, "permissive"))
	connectSQLite(t, orc, "local")

	for i := 0; i < 3; i++ {
		_, err := orc.Execute(ctx, "alice", "local", mcp.Request{SQL: "SELECT 1"})
		require.NoError(t, err)
	}

	result, err := orc.AuditVerify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), result.FirstMismatch)
	assert.Greater(t, result.Checked, 0)
}
