package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/fault"
)

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), Entry{
			Principal: "tester",
			Action:    "query.execute",
			Resource:  fmt.Sprintf("conn-%d", i%3),
			Params:    map[string]any{"i": i},
			Outcome:   "ok",
		})
		require.NoError(t, err)
	}
}

func TestChainLinksAndMonotonicSeq(t *testing.T) {
	store := NewMemoryStore()
	l, err := New(store)
	require.NoError(t, err)
	appendN(t, l, 10)

	records, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 10)

	assert.Equal(t, "", records[0].PrevHash)
	for i := 1; i < len(records); i++ {
		assert.Equal(t, records[i-1].hash(), records[i].PrevHash, "link %d", i)
		assert.Equal(t, records[i-1].Seq+1, records[i].Seq)
	}
}

func TestVerifyIntactChain(t *testing.T) {
	l, err := New(NewMemoryStore())
	require.NoError(t, err)
	appendN(t, l, 25)

	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, res.Checked)
	assert.Equal(t, int64(-1), res.FirstMismatch)
}

func TestTamperDetection(t *testing.T) {
	store := NewMemoryStore()
	l, err := New(store)
	require.NoError(t, err)
	appendN(t, l, 100)

	// Flip the outcome of record index 42; the chain must break at 43.
	store.Tamper(42, func(r *Record) { r.Outcome = "tampered" })

	res, err := l.Verify(context.Background())
	assert.Equal(t, fault.KindAuditChainMismatch, fault.KindOf(err))
	assert.Equal(t, int64(43), res.FirstMismatch)
}

func TestParamsNeverStoredRaw(t *testing.T) {
	store := NewMemoryStore()
	l, err := New(store)
	require.NoError(t, err)

	rec, err := l.Append(context.Background(), Entry{
		Principal: "alice",
		Action:    "tool.invoke",
		Resource:  "execute_query",
		Params:    map[string]any{"password": "hunter2-secret"},
		Outcome:   "ok",
	})
	require.NoError(t, err)
	assert.NotContains(t, rec.ParamsHash, "hunter2")
	assert.Len(t, rec.ParamsHash, 64) // hex sha256
}

func TestSearchFilters(t *testing.T) {
	l, err := New(NewMemoryStore())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Append(ctx, Entry{Principal: "alice", Action: "connect", Resource: "prod", Outcome: "ok"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Principal: "bob", Action: "connect", Resource: "dev", Outcome: "ok"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Principal: "alice", Action: "query.execute", Resource: "prod", Outcome: "denied"})
	require.NoError(t, err)

	byPrincipal, err := l.Search(ctx, Query{Principal: "alice"})
	require.NoError(t, err)
	assert.Len(t, byPrincipal, 2)

	byAction, err := l.Search(ctx, Query{Action: "connect"})
	require.NoError(t, err)
	assert.Len(t, byAction, 2)

	byBoth, err := l.Search(ctx, Query{Principal: "alice", Resource: "prod", Action: "query.execute"})
	require.NoError(t, err)
	require.Len(t, byBoth, 1)
	assert.Equal(t, "denied", byBoth[0].Outcome)

	future, err := l.Search(ctx, Query{From: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestConcurrentAppendsKeepChainValid(t *testing.T) {
	l, err := New(NewMemoryStore())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := l.Append(context.Background(), Entry{
					Principal: fmt.Sprintf("worker-%d", w),
					Action:    "op",
					Outcome:   "ok",
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, res.Checked)
	assert.Equal(t, uint64(200), l.LastSeq())
}

func TestFileStoreResumeAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	l, err := New(NewFileStore(path))
	require.NoError(t, err)
	appendN(t, l, 5)

	// Reopen: the chain continues from the persisted tail.
	l2, err := New(NewFileStore(path))
	require.NoError(t, err)
	appendN(t, l2, 5)

	res, err := l2.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Checked)
	assert.Equal(t, int64(-1), res.FirstMismatch)
}

func TestRetentionKeepsChainVerifiable(t *testing.T) {
	store := NewMemoryStore()
	l, err := New(store, WithRetention(10))
	require.NoError(t, err)
	appendN(t, l, 30)

	records, err := store.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 10)
	assert.Equal(t, uint64(30), records[len(records)-1].Seq)

	// Verification anchors at the trimmed boundary, not at genesis.
	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.FirstMismatch)
}

func TestExportNDJSONAndCSV(t *testing.T) {
	l, err := New(NewMemoryStore())
	require.NoError(t, err)
	appendN(t, l, 3)
	ctx := context.Background()

	var nd bytes.Buffer
	require.NoError(t, l.ExportNDJSON(ctx, Query{}, &nd))
	lines := strings.Split(strings.TrimSpace(nd.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"seq":1`)

	var cs bytes.Buffer
	require.NoError(t, l.ExportCSV(ctx, Query{}, &cs))
	rows, err := csv.NewReader(&cs).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4) // header + 3
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "1", rows[1][0])
}

func TestHashParamsStable(t *testing.T) {
	a := HashParams(map[string]any{"x": 1, "y": "two"})
	b := HashParams(map[string]any{"y": "two", "x": 1})
	assert.Equal(t, a, b)
	assert.Empty(t, HashParams(nil))
}
