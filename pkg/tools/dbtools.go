package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/querypilot/querypilot/pkg/fault"
	"github.com/querypilot/querypilot/pkg/mcp"
	"github.com/querypilot/querypilot/pkg/safety"
)

// ConnectionExecutor is the slice of the pool manager the database tools
// need. *mcp.Manager satisfies it.
type ConnectionExecutor interface {
	Execute(ctx context.Context, name string, req mcp.Request) (*mcp.QueryResult, error)
	ExecuteDDL(ctx context.Context, name, statement string) error
	Ping(ctx context.Context, name string) (time.Duration, error)
	Descriptor(name string) (mcp.Descriptor, error)
	List() []mcp.ConnectionStatus
}

const (
	CapabilityDBRead  = "db:read"
	CapabilityDBWrite = "db:write"
	CapabilityDBAdmin = "db:admin"
)

var queryParamsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"connection": {"type": "string", "description": "registered connection name"},
		"sql": {"type": "string", "description": "statement to run"},
		"params": {"type": "array", "description": "positional parameters"}
	},
	"required": ["connection", "sql"],
	"additionalProperties": false
}`)

var queryReturnSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"columns": {"type": "array", "items": {"type": "string"}},
		"rows": {"type": "array"},
		"row_count": {"type": "integer"},
		"duration_ms": {"type": "number"}
	},
	"required": ["row_count"]
}`)

var ddlParamsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"connection": {"type": "string"},
		"statement": {"type": "string"}
	},
	"required": ["connection", "statement"],
	"additionalProperties": false
}`)

var pingParamsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"connection": {"type": "string"}
	},
	"required": ["connection"],
	"additionalProperties": false
}`)

var emptyParamsSchema = json.RawMessage(`{
	"type": "object",
	"additionalProperties": false
}`)

// RegisterDatabaseTools installs the builtin database tools over the pool
// manager. The safety gate sees the actual SQL through each tool's Refine
// hook.
func RegisterDatabaseTools(r *Registry, exec ConnectionExecutor) error {
	specs := []struct {
		desc    Descriptor
		handler Handler
	}{
		{
			desc: Descriptor{
				Name:         "db.query",
				Description:  "Run a query against a registered database connection and return normalized rows.",
				ParamsSchema: queryParamsSchema,
				ReturnSchema: queryReturnSchema,
				Capabilities: []string{CapabilityDBRead},
				Risk:         safety.RiskSafe,
				Effect:       "read-only",
				Timeout:      2 * time.Minute,
				Refine:       refineQuery(exec),
			},
			handler: queryHandler(exec),
		},
		{
			desc: Descriptor{
				Name:         "db.execute",
				Description:  "Run a mutating statement (INSERT/UPDATE/DELETE) against a registered connection.",
				ParamsSchema: queryParamsSchema,
				ReturnSchema: queryReturnSchema,
				Capabilities: []string{CapabilityDBWrite},
				Risk:         safety.RiskLow,
				Effect:       "mutating",
				Timeout:      2 * time.Minute,
				Refine:       refineQuery(exec),
			},
			handler: queryHandler(exec),
		},
		{
			desc: Descriptor{
				Name:         "db.ddl",
				Description:  "Run a schema statement (CREATE/ALTER/DROP) against a registered connection.",
				ParamsSchema: ddlParamsSchema,
				Capabilities: []string{CapabilityDBAdmin},
				Risk:         safety.RiskHigh,
				Effect:       "destructive",
				Timeout:      5 * time.Minute,
				Refine: func(params map[string]any) safety.Operation {
					conn, _ := params["connection"].(string)
					stmt, _ := params["statement"].(string)
					return safety.Operation{
						Target:  targetFor(exec, conn),
						Request: mcp.Request{SQL: stmt},
					}
				},
			},
			handler: func(ctx context.Context, params map[string]any) (any, error) {
				conn, _ := params["connection"].(string)
				stmt, _ := params["statement"].(string)
				if err := exec.ExecuteDDL(ctx, conn, stmt); err != nil {
					return nil, err
				}
				return map[string]any{"ok": true}, nil
			},
		},
		{
			desc: Descriptor{
				Name:         "db.ping",
				Description:  "Probe a registered connection and report round-trip latency.",
				ParamsSchema: pingParamsSchema,
				Capabilities: []string{CapabilityDBRead},
				Risk:         safety.RiskSafe,
				Effect:       "read-only",
				Timeout:      30 * time.Second,
			},
			handler: func(ctx context.Context, params map[string]any) (any, error) {
				conn, _ := params["connection"].(string)
				latency, err := exec.Ping(ctx, conn)
				if err != nil {
					return nil, err
				}
				return map[string]any{"latency_ms": float64(latency) / float64(time.Millisecond)}, nil
			},
		},
		{
			desc: Descriptor{
				Name:         "db.list_connections",
				Description:  "List registered connections with their state and pool occupancy.",
				ParamsSchema: emptyParamsSchema,
				Capabilities: []string{CapabilityDBRead},
				Risk:         safety.RiskSafe,
				Effect:       "read-only",
			},
			handler: func(ctx context.Context, params map[string]any) (any, error) {
				return map[string]any{"connections": exec.List()}, nil
			},
		},
	}

	for _, spec := range specs {
		if err := r.Register(spec.desc, spec.handler); err != nil {
			return err
		}
	}
	return nil
}

func refineQuery(exec ConnectionExecutor) func(params map[string]any) safety.Operation {
	return func(params map[string]any) safety.Operation {
		conn, _ := params["connection"].(string)
		sql, _ := params["sql"].(string)
		return safety.Operation{
			Target:  targetFor(exec, conn),
			Request: mcp.Request{SQL: sql},
		}
	}
}

func targetFor(exec ConnectionExecutor, conn string) safety.Target {
	target := safety.Target{Resource: conn}
	if desc, err := exec.Descriptor(conn); err == nil {
		target.Kind = desc.Kind
		target.Production = desc.Options["environment"] == "production"
	}
	return target
}

func queryHandler(exec ConnectionExecutor) Handler {
	return func(ctx context.Context, params map[string]any) (any, error) {
		conn, _ := params["connection"].(string)
		sql, _ := params["sql"].(string)
		var args []any
		if raw, ok := params["params"].([]any); ok {
			args = raw
		}

		result, err := exec.Execute(ctx, conn, mcp.Request{SQL: sql, Params: args})
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, fault.New(fault.KindInvariantViolated, "tools", "invoke",
				"executor returned no result").WithResource(conn)
		}
		columns := result.Columns
		if columns == nil {
			columns = []string{}
		}
		rows := result.Rows
		if rows == nil {
			rows = [][]any{}
		}
		return map[string]any{
			"columns":     columns,
			"rows":        rows,
			"row_count":   result.RowCount,
			"duration_ms": float64(result.Duration) / float64(time.Millisecond),
		}, nil
	}
}
