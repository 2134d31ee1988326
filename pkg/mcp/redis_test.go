package mcp

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/fault"
)

func newMiniredisConn(t *testing.T) (Conn, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)

	driver := &redisDriver{}
	conn, err := driver.Connect(context.Background(), Descriptor{
		Name: "cache",
		Kind: KindRedis,
		Host: srv.Host(),
		Port: port,
	}, Credentials{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, srv
}

func kvExec(t *testing.T, conn Conn, kv KVRequest) *QueryResult {
	t.Helper()
	result, err := conn.Execute(context.Background(), Request{KV: &kv})
	require.NoError(t, err)
	return result
}

func TestRedisConnSetGetDel(t *testing.T) {
	conn, _ := newMiniredisConn(t)

	result := kvExec(t, conn, KVRequest{Op: KVSet, Key: "greeting", Value: "hello"})
	assert.Equal(t, int64(1), result.RowCount)

	result = kvExec(t, conn, KVRequest{Op: KVGet, Key: "greeting"})
	assert.Equal(t, int64(1), result.RowCount)
	assert.Equal(t, "hello", result.Rows[0][0])

	result = kvExec(t, conn, KVRequest{Op: KVDel, Key: "greeting"})
	assert.Equal(t, int64(1), result.RowCount)

	result = kvExec(t, conn, KVRequest{Op: KVGet, Key: "greeting"})
	assert.Equal(t, int64(0), result.RowCount)
	assert.Nil(t, result.Rows[0][0])
}

func TestRedisConnIncr(t *testing.T) {
	conn, _ := newMiniredisConn(t)

	result := kvExec(t, conn, KVRequest{Op: KVIncr, Key: "hits"})
	assert.Equal(t, int64(1), result.Rows[0][0])
	result = kvExec(t, conn, KVRequest{Op: KVIncr, Key: "hits"})
	assert.Equal(t, int64(2), result.Rows[0][0])
}

func TestRedisConnKeys(t *testing.T) {
	conn, srv := newMiniredisConn(t)
	require.NoError(t, srv.Set("user:1", "a"))
	require.NoError(t, srv.Set("user:2", "b"))
	require.NoError(t, srv.Set("other", "c"))

	result := kvExec(t, conn, KVRequest{Op: KVKeys, Pattern: "user:*"})
	assert.Equal(t, int64(2), result.RowCount)
	assert.Equal(t, []string{"key"}, result.Columns)
}

func TestRedisConnHashOps(t *testing.T) {
	conn, _ := newMiniredisConn(t)

	kvExec(t, conn, KVRequest{Op: KVHSet, Key: "session:1", Field: "user", Value: "ada"})
	result := kvExec(t, conn, KVRequest{Op: KVHGet, Key: "session:1", Field: "user"})
	assert.Equal(t, "ada", result.Rows[0][0])

	result = kvExec(t, conn, KVRequest{Op: KVHGet, Key: "session:1", Field: "absent"})
	assert.Equal(t, int64(0), result.RowCount)
}

func TestRedisConnExpireAndTTL(t *testing.T) {
	conn, srv := newMiniredisConn(t)
	require.NoError(t, srv.Set("temp", "x"))

	result := kvExec(t, conn, KVRequest{Op: KVExpire, Key: "temp", TTL: time.Minute})
	assert.Equal(t, int64(1), result.RowCount)

	result = kvExec(t, conn, KVRequest{Op: KVTTL, Key: "temp"})
	ttl, ok := result.Rows[0][0].(float64)
	require.True(t, ok)
	assert.InDelta(t, 60, ttl, 1)

	// Expiring a missing key reports zero rows.
	result = kvExec(t, conn, KVRequest{Op: KVExpire, Key: "missing", TTL: time.Minute})
	assert.Equal(t, int64(0), result.RowCount)
}

func TestRedisConnTypeAndFlush(t *testing.T) {
	conn, srv := newMiniredisConn(t)
	require.NoError(t, srv.Set("k", "v"))

	result := kvExec(t, conn, KVRequest{Op: KVType, Key: "k"})
	assert.Equal(t, "string", result.Rows[0][0])

	kvExec(t, conn, KVRequest{Op: KVFlush})
	result = kvExec(t, conn, KVRequest{Op: KVGet, Key: "k"})
	assert.Equal(t, int64(0), result.RowCount)
}

func TestRedisConnNoDDLOrTransactions(t *testing.T) {
	conn, _ := newMiniredisConn(t)
	ctx := context.Background()

	err := conn.ExecuteDDL(ctx, "CREATE KEYSPACE")
	assert.Equal(t, fault.KindUnsupportedOperation, fault.KindOf(err))

	err = conn.Begin(ctx)
	assert.Equal(t, fault.KindUnsupportedOperation, fault.KindOf(err))
}

func TestRedisConnPing(t *testing.T) {
	conn, _ := newMiniredisConn(t)
	latency, err := conn.Ping(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}
