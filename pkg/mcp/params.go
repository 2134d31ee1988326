package mcp

import (
	"fmt"

	"github.com/querypilot/querypilot/pkg/fault"
)

// ValidateRequest checks that a request's shape matches the backend kind
// before dispatch. SQL text goes to SQL backends only; structured requests
// are checked field-by-field so malformed shapes never reach a driver.
func ValidateRequest(kind Kind, req Request) error {
	populated := 0
	if req.SQL != "" {
		populated++
	}
	if req.Document != nil {
		populated++
	}
	if req.KV != nil {
		populated++
	}
	if req.Graph != nil {
		populated++
	}
	if populated != 1 {
		return fault.New(fault.KindInvalidOperation, "mcp", "validate",
			fmt.Sprintf("request must populate exactly one of sql/document/kv/graph, got %d", populated))
	}

	switch {
	case req.SQL != "":
		if !kind.IsSQL() {
			return unsupported(kind, "sql query")
		}
		return nil
	case req.Document != nil:
		if !Supports(kind, OpDocument) {
			return unsupported(kind, "document operation")
		}
		return validateDocumentRequest(req.Document)
	case req.KV != nil:
		if !Supports(kind, OpKV) {
			return unsupported(kind, "kv operation")
		}
		return validateKVRequest(req.KV)
	default:
		if !Supports(kind, OpGraph) {
			return unsupported(kind, "graph operation")
		}
		if req.Graph.Cypher == "" && req.Graph.Gremlin == "" {
			return invalid("graph request requires cypher or gremlin text")
		}
		return nil
	}
}

func validateDocumentRequest(d *DocumentRequest) error {
	if d.Collection == "" {
		return invalid("document request requires a collection")
	}
	switch d.Operation {
	case DocFind, DocAggregate, DocListIndexes, DocDropCollection:
		// Filter/pipeline optional.
	case DocInsertOne:
		if len(d.Documents) != 1 {
			return invalid("insert_one requires exactly one document")
		}
	case DocInsertMany:
		if len(d.Documents) == 0 {
			return invalid("insert_many requires at least one document")
		}
	case DocUpdateOne, DocUpdateMany:
		if len(d.Update) == 0 {
			return invalid(fmt.Sprintf("%s requires an update document", d.Operation))
		}
	case DocDeleteOne, DocDeleteMany:
		// An absent filter is legal but risky; the safety pipeline flags it.
	case DocCreateIndex:
		if len(d.IndexKeys) == 0 {
			return invalid("create_index requires index keys")
		}
	case DocDropIndex:
		if d.Index == "" {
			return invalid("drop_index requires an index name")
		}
	default:
		return invalid(fmt.Sprintf("unknown document operation %q", d.Operation))
	}
	if d.Limit < 0 || d.Skip < 0 {
		return invalid("limit and skip must be non-negative")
	}
	return nil
}

func validateKVRequest(k *KVRequest) error {
	switch k.Op {
	case KVGet, KVDel, KVIncr, KVType, KVTTL:
		if k.Key == "" {
			return invalid(fmt.Sprintf("%s requires a key", k.Op))
		}
	case KVSet:
		if k.Key == "" {
			return invalid("set requires a key")
		}
	case KVExpire:
		if k.Key == "" || k.TTL <= 0 {
			return invalid("expire requires a key and a positive ttl")
		}
	case KVKeys:
		if k.Pattern == "" {
			return invalid("keys requires a pattern")
		}
	case KVHSet, KVHGet:
		if k.Key == "" || k.Field == "" {
			return invalid(fmt.Sprintf("%s requires key and field", k.Op))
		}
	case KVFlush:
		// No arguments; flagged CRITICAL by the safety pipeline.
	default:
		return invalid(fmt.Sprintf("unknown kv operation %q", k.Op))
	}
	return nil
}

func invalid(msg string) error {
	return fault.New(fault.KindInvalidOperation, "mcp", "validate", msg)
}

func unsupported(kind Kind, what string) error {
	return fault.New(fault.KindUnsupportedOperation, "mcp", "validate",
		fmt.Sprintf("%s not supported by backend kind %q", what, kind))
}
