package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/audit"
	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/mcp"
	"github.com/querypilot/querypilot/pkg/safety"
)

// fakeExecutor records what reached the pool layer so tests can assert the
// safety gate ran first.
type fakeExecutor struct {
	executed []mcp.Request
	ddl      []string
	result   *mcp.QueryResult
	execErr  error
	descs    map[string]mcp.Descriptor
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, req mcp.Request) (*mcp.QueryResult, error) {
	f.executed = append(f.executed, req)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &mcp.QueryResult{RowCount: 0}, nil
}

func (f *fakeExecutor) ExecuteDDL(ctx context.Context, name, statement string) error {
	f.ddl = append(f.ddl, statement)
	return nil
}

func (f *fakeExecutor) Ping(ctx context.Context, name string) (time.Duration, error) {
	if _, ok := f.descs[name]; !ok {
		return 0, fault.New(fault.KindInvalidParams, "mcp", "ping", "unknown connection").WithResource(name)
	}
	return 3 * time.Millisecond, nil
}

func (f *fakeExecutor) Descriptor(name string) (mcp.Descriptor, error) {
	desc, ok := f.descs[name]
	if !ok {
		return mcp.Descriptor{}, fault.New(fault.KindInvalidParams, "mcp", "descriptor",
			"unknown connection").WithResource(name)
	}
	return desc, nil
}

func (f *fakeExecutor) List() []mcp.ConnectionStatus {
	var out []mcp.ConnectionStatus
	for name, desc := range f.descs {
		out = append(out, mcp.ConnectionStatus{Name: name, Kind: desc.Kind, State: mcp.StateConnected})
	}
	return out
}

func newDBToolsHarness(t *testing.T, level safety.Level) (*Registry, *fakeExecutor) {
	t.Helper()
	exec := &fakeExecutor{
		descs: map[string]mcp.Descriptor{
			"orders-dev": {Name: "orders-dev", Kind: mcp.KindPostgres},
			"orders-prod": {Name: "orders-prod", Kind: mcp.KindPostgres,
				Options: map[string]string{"environment": "production"}},
		},
	}
	log, err := audit.New(audit.NewMemoryStore())
	require.NoError(t, err)
	ctl := safety.NewController(safety.Config{Level: level, ApprovalTimeout: time.Second}, log, nil, nil, nil)
	r := NewRegistry(ctl, log, nil)
	require.NoError(t, RegisterDatabaseTools(r, exec))
	return r, exec
}

func dbCaller() Caller {
	return Caller{Principal: "alice", Capabilities: []string{CapabilityDBRead, CapabilityDBWrite, CapabilityDBAdmin}}
}

func TestDBQueryShapesResult(t *testing.T) {
	r, exec := newDBToolsHarness(t, safety.LevelModerate)
	exec.result = &mcp.QueryResult{
		Columns:  []string{"id", "name"},
		Rows:     [][]any{{int64(1), "widget"}},
		RowCount: 1,
		Duration: 4 * time.Millisecond,
	}

	result, err := r.Invoke(context.Background(), dbCaller(), "db.query", map[string]any{
		"connection": "orders-dev",
		"sql":        "SELECT id, name FROM products WHERE id = $1",
		"params":     []any{1},
	})
	require.NoError(t, err)

	out, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name"}, out["columns"])
	assert.Equal(t, int64(1), out["row_count"])
	assert.InDelta(t, 4.0, out["duration_ms"], 0.01)

	require.Len(t, exec.executed, 1)
	assert.Equal(t, []any{1}, exec.executed[0].Params)
}

func TestDBQueryEmptyResultStillValidates(t *testing.T) {
	r, exec := newDBToolsHarness(t, safety.LevelModerate)
	exec.result = &mcp.QueryResult{RowCount: 0}

	result, err := r.Invoke(context.Background(), dbCaller(), "db.query", map[string]any{
		"connection": "orders-dev",
		"sql":        "SELECT id FROM products WHERE 1 = 0",
	})
	require.NoError(t, err)
	out := result.(map[string]any)
	assert.Equal(t, []string{}, out["columns"])
	assert.Equal(t, [][]any{}, out["rows"])
}

func TestDBQuerySafetyGateSeesStatement(t *testing.T) {
	// An unguarded DELETE through db.execute is HIGH under moderate;
	// with no approver registered it must be denied before reaching
	// the executor.
	r, exec := newDBToolsHarness(t, safety.LevelModerate)

	_, err := r.Invoke(context.Background(), dbCaller(), "db.execute", map[string]any{
		"connection": "orders-dev",
		"sql":        "DELETE FROM products",
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindSafetyDenied, fault.KindOf(err))
	assert.Empty(t, exec.executed)
}

func TestDBQueryInjectionDenied(t *testing.T) {
	r, exec := newDBToolsHarness(t, safety.LevelModerate)

	_, err := r.Invoke(context.Background(), dbCaller(), "db.query", map[string]any{
		"connection": "orders-dev",
		"sql":        "SELECT * FROM users WHERE name = '' OR 1=1 --",
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindSafetyDenied, fault.KindOf(err))
	assert.Empty(t, exec.executed)
}

func TestDBDDLProductionDenied(t *testing.T) {
	r, exec := newDBToolsHarness(t, safety.LevelModerate)

	_, err := r.Invoke(context.Background(), dbCaller(), "db.ddl", map[string]any{
		"connection": "orders-prod",
		"statement":  "DROP TABLE orders",
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindSafetyDenied, fault.KindOf(err))
	assert.Empty(t, exec.ddl)
}

func TestDBDDLApprovedRuns(t *testing.T) {
	r, exec := newDBToolsHarness(t, safety.LevelModerate)
	r.safetyCtl.SetApprover(safety.ApproverFunc(func(ctx context.Context, req safety.ApprovalRequest) (safety.ApprovalResponse, error) {
		return safety.ApprovalResponse{Approved: true, Approver: "dba"}, nil
	}))

	result, err := r.Invoke(context.Background(), dbCaller(), "db.ddl", map[string]any{
		"connection": "orders-dev",
		"statement":  "CREATE INDEX idx_products_name ON products (name)",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
	assert.Equal(t, []string{"CREATE INDEX idx_products_name ON products (name)"}, exec.ddl)
}

func TestDBToolsCapabilitySplit(t *testing.T) {
	r, _ := newDBToolsHarness(t, safety.LevelPermissive)
	reader := Caller{Principal: "bob", Capabilities: []string{CapabilityDBRead}}

	_, err := r.Invoke(context.Background(), reader, "db.execute", map[string]any{
		"connection": "orders-dev",
		"sql":        "INSERT INTO t (a) VALUES (1)",
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindCapabilityDenied, fault.KindOf(err))

	_, err = r.Invoke(context.Background(), reader, "db.ddl", map[string]any{
		"connection": "orders-dev",
		"statement":  "DROP TABLE t",
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindCapabilityDenied, fault.KindOf(err))
}

func TestDBPing(t *testing.T) {
	r, _ := newDBToolsHarness(t, safety.LevelPermissive)

	result, err := r.Invoke(context.Background(), dbCaller(), "db.ping", map[string]any{
		"connection": "orders-dev",
	})
	require.NoError(t, err)
	out := result.(map[string]any)
	assert.InDelta(t, 3.0, out["latency_ms"], 0.01)
}

func TestDBListConnections(t *testing.T) {
	r, _ := newDBToolsHarness(t, safety.LevelPermissive)

	result, err := r.Invoke(context.Background(), dbCaller(), "db.list_connections", map[string]any{})
	require.NoError(t, err)
	out := result.(map[string]any)
	conns, ok := out["connections"].([]mcp.ConnectionStatus)
	require.True(t, ok)
	assert.Len(t, conns, 2)
}
