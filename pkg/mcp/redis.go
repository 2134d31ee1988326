package mcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/querypilot/querypilot/pkg/fault"
)

// redisDriver dials key-value backends.
type redisDriver struct{}

func (d *redisDriver) Kind() Kind { return KindRedis }

func (d *redisDriver) Connect(ctx context.Context, desc Descriptor, creds Credentials) (Conn, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", desc.Host, desc.Port),
		Username: creds.Username,
		Password: creds.Password,
	}
	if desc.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if db := desc.Options["db"]; db != "" {
		fmt.Sscanf(db, "%d", &opts.DB)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		kind := fault.KindConnectionFailed
		if isAuthError(err) {
			kind = fault.KindAuthFailed
		}
		return nil, fault.Wrap(kind, "mcp.redis", "connect", err).WithResource(desc.Name)
	}
	return &redisConn{client: client}, nil
}

// redisConn adapts a redis client to the Conn capability set.
type redisConn struct {
	client *redis.Client
}

func (c *redisConn) Execute(ctx context.Context, req Request) (*QueryResult, error) {
	if req.KV == nil {
		return nil, fault.New(fault.KindInvalidOperation, "mcp.redis", "execute",
			"kv backend requires a kv request")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := c.dispatch(ctx, req.KV)
	if err != nil {
		return nil, classifyExecError("mcp.redis", "execute", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (c *redisConn) dispatch(ctx context.Context, k *KVRequest) (*QueryResult, error) {
	switch k.Op {
	case KVGet:
		val, err := c.client.Get(ctx, k.Key).Result()
		if errors.Is(err, redis.Nil) {
			return singleValue("value", nil, 0), nil
		}
		if err != nil {
			return nil, err
		}
		return singleValue("value", val, 1), nil

	case KVSet:
		if err := c.client.Set(ctx, k.Key, k.Value, k.TTL).Err(); err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: 1}, nil

	case KVDel:
		n, err := c.client.Del(ctx, k.Key).Result()
		if err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: n}, nil

	case KVExpire:
		ok, err := c.client.Expire(ctx, k.Key, k.TTL).Result()
		if err != nil {
			return nil, err
		}
		n := int64(0)
		if ok {
			n = 1
		}
		return &QueryResult{RowCount: n}, nil

	case KVKeys:
		keys, err := c.client.Keys(ctx, k.Pattern).Result()
		if err != nil {
			return nil, err
		}
		result := &QueryResult{Columns: []string{"key"}, RowCount: int64(len(keys))}
		for _, key := range keys {
			result.Rows = append(result.Rows, []any{key})
		}
		return result, nil

	case KVIncr:
		val, err := c.client.Incr(ctx, k.Key).Result()
		if err != nil {
			return nil, err
		}
		return singleValue("value", val, 1), nil

	case KVHSet:
		if err := c.client.HSet(ctx, k.Key, k.Field, k.Value).Err(); err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: 1}, nil

	case KVHGet:
		val, err := c.client.HGet(ctx, k.Key, k.Field).Result()
		if errors.Is(err, redis.Nil) {
			return singleValue("value", nil, 0), nil
		}
		if err != nil {
			return nil, err
		}
		return singleValue("value", val, 1), nil

	case KVType:
		typ, err := c.client.Type(ctx, k.Key).Result()
		if err != nil {
			return nil, err
		}
		return singleValue("type", typ, 1), nil

	case KVTTL:
		ttl, err := c.client.TTL(ctx, k.Key).Result()
		if err != nil {
			return nil, err
		}
		return singleValue("ttl_seconds", ttl.Seconds(), 1), nil

	case KVFlush:
		if err := c.client.FlushDB(ctx).Err(); err != nil {
			return nil, err
		}
		return &QueryResult{RowCount: 1}, nil

	default:
		return nil, fault.New(fault.KindInvalidOperation, "mcp.redis", "execute",
			fmt.Sprintf("unknown kv operation %q", k.Op))
	}
}

func singleValue(column string, v any, count int64) *QueryResult {
	return &QueryResult{
		Columns:  []string{column},
		Rows:     [][]any{{v}},
		RowCount: count,
	}
}

func (c *redisConn) ExecuteDDL(ctx context.Context, statement string) error {
	return fault.New(fault.KindUnsupportedOperation, "mcp.redis", "execute_ddl",
		"kv backends have no DDL")
}

func (c *redisConn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return 0, fault.Wrap(fault.KindConnectionFailed, "mcp.redis", "ping", err)
	}
	return time.Since(start), nil
}

func (c *redisConn) Begin(ctx context.Context) error    { return c.txUnsupported("begin") }
func (c *redisConn) Commit(ctx context.Context) error   { return c.txUnsupported("commit") }
func (c *redisConn) Rollback(ctx context.Context) error { return c.txUnsupported("rollback") }
func (c *redisConn) InTx() bool                         { return false }

func (c *redisConn) txUnsupported(op string) error {
	return fault.New(fault.KindUnsupportedOperation, "mcp.redis", op,
		"transactions are not in the kv backend capability set")
}

func (c *redisConn) Close() error { return c.client.Close() }
