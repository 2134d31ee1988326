package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/querypilot/querypilot/pkg/fault"
)

// Conn is one live connection to a backend. Implementations are not safe
// for concurrent use; the pool hands a Conn to exactly one caller at a
// time. A transaction opened with Begin is confined to the holder and must
// be resolved before release — the pool never returns a Conn with an open
// transaction.
type Conn interface {
	// Execute runs a query and normalizes the result.
	Execute(ctx context.Context, req Request) (*QueryResult, error)

	// ExecuteDDL runs a schema statement. Backends without DDL fail with
	// UNSUPPORTED_OPERATION.
	ExecuteDDL(ctx context.Context, statement string) error

	// Ping probes liveness and reports round-trip latency.
	Ping(ctx context.Context) (time.Duration, error)

	// Begin/Commit/Rollback manage a transaction where the backend
	// supports one.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// InTx reports whether a transaction is open.
	InTx() bool

	// Close releases the underlying driver resources.
	Close() error
}

// Driver dials connections for one backend kind.
type Driver interface {
	Kind() Kind
	Connect(ctx context.Context, desc Descriptor, creds Credentials) (Conn, error)
}

// Operation names used in the per-backend capability tables.
const (
	OpQuery       = "query"
	OpDDL         = "ddl"
	OpPing        = "ping"
	OpTransaction = "transaction"
	OpDocument    = "document"
	OpKV          = "kv"
	OpGraph       = "graph"
)

// supportedOperations is the canonical operation set per backend kind.
var supportedOperations = map[Kind][]string{
	KindPostgres: {OpQuery, OpDDL, OpPing, OpTransaction},
	KindMySQL:    {OpQuery, OpDDL, OpPing, OpTransaction},
	KindSQLite:   {OpQuery, OpDDL, OpPing, OpTransaction},
	KindMongo:    {OpDocument, OpPing, OpDDL},
	KindRedis:    {OpKV, OpPing},
	// Declared kinds without a bundled driver. Connect fails with
	// UNSUPPORTED_OPERATION until an adapter is registered.
	KindOracle:    nil,
	KindCassandra: nil,
	KindDynamo:    nil,
	KindNeo4j:     nil,
}

// SupportedOperations returns the canonical operation list for a kind.
func SupportedOperations(kind Kind) []string {
	return supportedOperations[kind]
}

// Supports reports whether a kind implements the named operation.
func Supports(kind Kind, op string) bool {
	for _, candidate := range supportedOperations[kind] {
		if candidate == op {
			return true
		}
	}
	return false
}

// DriverRegistry maps kinds to driver implementations.
type DriverRegistry struct {
	drivers map[Kind]Driver
}

// NewDriverRegistry creates a registry with the given drivers.
func NewDriverRegistry(drivers ...Driver) *DriverRegistry {
	r := &DriverRegistry{drivers: make(map[Kind]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Kind()] = d
	}
	return r
}

// BuiltinDrivers returns adapters for every kind with a bundled driver.
func BuiltinDrivers() *DriverRegistry {
	return NewDriverRegistry(
		&sqlDriver{kind: KindPostgres},
		&sqlDriver{kind: KindMySQL},
		&sqlDriver{kind: KindSQLite},
		&mongoDriver{},
		&redisDriver{},
	)
}

// Register adds or replaces the driver for its kind. Registering adapters
// for the declared-only kinds (oracle, cassandra, dynamo, neo4j) is the
// supported extension seam.
func (r *DriverRegistry) Register(d Driver) {
	r.drivers[d.Kind()] = d
}

// Get returns the driver for a kind. A declared kind without an adapter
// fails with UNSUPPORTED_OPERATION; an unknown kind with INVALID_PARAMS.
func (r *DriverRegistry) Get(kind Kind) (Driver, error) {
	if d, ok := r.drivers[kind]; ok {
		return d, nil
	}
	if _, declared := supportedOperations[kind]; declared {
		return nil, fault.New(fault.KindUnsupportedOperation, "mcp", "driver",
			fmt.Sprintf("no driver bundled for backend kind %q", kind))
	}
	return nil, fault.New(fault.KindInvalidParams, "mcp", "driver",
		fmt.Sprintf("unknown backend kind %q", kind))
}

// CredentialSource resolves a descriptor's credential reference at dial
// time. Implemented by the vault; a nil source yields empty credentials
// (local trusted backends such as sqlite).
type CredentialSource interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}
