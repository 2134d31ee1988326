package mcp

import "time"

// Kind identifies a backend family. The paradigm prefix groups kinds for
// capability checks; the suffix names the concrete engine.
type Kind string

const (
	KindPostgres  Kind = "relational-postgres"
	KindMySQL     Kind = "relational-mysql"
	KindOracle    Kind = "relational-oracle"
	KindSQLite    Kind = "relational-sqlite"
	KindMongo     Kind = "document-mongo"
	KindRedis     Kind = "kv-redis"
	KindCassandra Kind = "wide-cassandra"
	KindDynamo    Kind = "wide-dynamo"
	KindNeo4j     Kind = "graph-neo4j"
)

// IsSQL reports whether the kind speaks SQL text.
func (k Kind) IsSQL() bool {
	switch k {
	case KindPostgres, KindMySQL, KindOracle, KindSQLite:
		return true
	}
	return false
}

// PoolConfig bounds the connection pool for one descriptor.
type PoolConfig struct {
	MinSize        int           `yaml:"min_size" json:"min_size"`
	MaxSize        int           `yaml:"max_size" json:"max_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval" json:"probe_interval"`
}

// DefaultPoolConfig returns the pool bounds applied when a descriptor
// leaves them unset.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:        1,
		MaxSize:        10,
		AcquireTimeout: 10 * time.Second,
		IdleTimeout:    5 * time.Minute,
		ProbeInterval:  30 * time.Second,
	}
}

// Descriptor names one backend and how to reach it. Credentials live in
// the vault under CredentialsRef, never inline.
type Descriptor struct {
	Name           string            `yaml:"name" json:"name"`
	Kind           Kind              `yaml:"kind" json:"kind"`
	Host           string            `yaml:"host" json:"host"`
	Port           int               `yaml:"port" json:"port"`
	Database       string            `yaml:"database" json:"database"`
	TLS            bool              `yaml:"tls" json:"tls"`
	CredentialsRef string            `yaml:"credentials_ref" json:"credentials_ref"`
	Options        map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
	Pool           PoolConfig        `yaml:"pool" json:"pool"`
}

// Credentials is the resolved secret material for one dial. Callers drop
// the value as soon as the connection is established.
type Credentials struct {
	Username string
	Password string
}

// QueryResult is the backend-neutral result shape. Row cells appear in
// column order; structured backends flatten into it (see each adapter).
type QueryResult struct {
	Columns  []string       `json:"columns,omitempty"`
	Rows     [][]any        `json:"rows,omitempty"`
	RowCount int64          `json:"row_count"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// DocumentOp names an operation against a document backend.
type DocumentOp string

const (
	DocFind           DocumentOp = "find"
	DocInsertOne      DocumentOp = "insert_one"
	DocInsertMany     DocumentOp = "insert_many"
	DocUpdateOne      DocumentOp = "update_one"
	DocUpdateMany     DocumentOp = "update_many"
	DocDeleteOne      DocumentOp = "delete_one"
	DocDeleteMany     DocumentOp = "delete_many"
	DocAggregate      DocumentOp = "aggregate"
	DocCreateIndex    DocumentOp = "create_index"
	DocDropIndex      DocumentOp = "drop_index"
	DocListIndexes    DocumentOp = "list_indexes"
	DocDropCollection DocumentOp = "drop_collection"
)

// DocumentRequest is a structured request against a document backend.
type DocumentRequest struct {
	Operation  DocumentOp       `json:"operation"`
	Collection string           `json:"collection"`
	Filter     map[string]any   `json:"filter,omitempty"`
	Documents  []map[string]any `json:"documents,omitempty"`
	Update     map[string]any   `json:"update,omitempty"`
	Pipeline   []map[string]any `json:"pipeline,omitempty"`
	Projection map[string]any   `json:"projection,omitempty"`
	Sort       map[string]any   `json:"sort,omitempty"`
	Limit      int64            `json:"limit,omitempty"`
	Skip       int64            `json:"skip,omitempty"`
	IndexKeys  map[string]any   `json:"index_keys,omitempty"`
	Index      string           `json:"index,omitempty"`
}

// KVOp names an operation against a key-value backend.
type KVOp string

const (
	KVGet    KVOp = "get"
	KVSet    KVOp = "set"
	KVDel    KVOp = "del"
	KVExpire KVOp = "expire"
	KVKeys   KVOp = "keys"
	KVIncr   KVOp = "incr"
	KVHSet   KVOp = "hset"
	KVHGet   KVOp = "hget"
	KVType   KVOp = "type"
	KVTTL    KVOp = "ttl"
	KVFlush  KVOp = "flush"
)

// KVRequest is a structured request against a key-value backend.
type KVRequest struct {
	Op      KVOp          `json:"op"`
	Key     string        `json:"key,omitempty"`
	Value   any           `json:"value,omitempty"`
	Field   string        `json:"field,omitempty"`
	Pattern string        `json:"pattern,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// GraphRequest carries graph query text for kinds that accept one.
type GraphRequest struct {
	Cypher  string         `json:"cypher,omitempty"`
	Gremlin string         `json:"gremlin,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Request is the union request shape: exactly one of SQL, Document, KV,
// or Graph is populated. ValidateRequest enforces the shape before any
// driver sees it.
type Request struct {
	SQL      string           `json:"sql,omitempty"`
	Params   []any            `json:"params,omitempty"`
	Document *DocumentRequest `json:"document,omitempty"`
	KV       *KVRequest       `json:"kv,omitempty"`
	Graph    *GraphRequest    `json:"graph,omitempty"`
	Timeout  time.Duration    `json:"timeout,omitempty"`
}
