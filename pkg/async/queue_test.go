package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querypilot/querypilot/pkg/fault"
)

func TestPriorityOrdering(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, "low", PriorityLow))
	require.NoError(t, q.Put(ctx, "normal", PriorityNormal))
	require.NoError(t, q.Put(ctx, "critical", PriorityCritical))
	require.NoError(t, q.Put(ctx, "high", PriorityHigh))

	var got []string
	for i := 0; i < 4; i++ {
		item, err := q.Get(ctx)
		require.NoError(t, err)
		got = append(got, item.(string))
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, got)
}

func TestFIFOWithinLevel(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{}, nil)
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, s, PriorityNormal))
	}
	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, item)
	}
}

func TestRejectNewAtCapacity(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{Capacity: 2, Policy: RejectNew}, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, 1, PriorityNormal))
	require.NoError(t, q.Put(ctx, 2, PriorityNormal))
	err := q.Put(ctx, 3, PriorityNormal)
	assert.Equal(t, fault.KindQueueFull, fault.KindOf(err))
}

func TestDropOldestAtCapacity(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{Capacity: 2, Policy: DropOldest}, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, "old-low", PriorityLow))
	require.NoError(t, q.Put(ctx, "critical", PriorityCritical))
	require.NoError(t, q.Put(ctx, "new-normal", PriorityNormal))

	// The lowest-priority item was evicted, not the critical one.
	item, err := q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "critical", item)
	item, err = q.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new-normal", item)
	assert.Equal(t, 0, q.Len())
}

func TestBlockBoundedUnblocksOnGet(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{Capacity: 1, Policy: BlockBounded}, nil)
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, 1, PriorityNormal))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, 2, PriorityNormal)
	}()

	// Blocked producer is released once a consumer frees a slot.
	time.Sleep(20 * time.Millisecond)
	_, err := q.Get(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after Get")
	}
}

func TestGetBlocksUntilPut(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{}, nil)
	ctx := context.Background()

	type result struct {
		item any
		err  error
	}
	results := make(chan result, 1)
	go func() {
		item, err := q.Get(ctx)
		results <- result{item, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Put(ctx, "handoff", PriorityLow))

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, "handoff", r.item)
	case <-time.After(time.Second):
		t.Fatal("Get did not receive the item")
	}
}

func TestGetCancellation(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	assert.Equal(t, fault.KindCancelled, fault.KindOf(err))
	// Cancelled waiter must not linger and swallow a later Put.
	require.NoError(t, q.Put(context.Background(), "next", PriorityNormal))
	item, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "next", item)
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := NewPriorityQueue(QueueConfig{Capacity: 64, Policy: BlockBounded}, nil)
	ctx := context.Background()
	const n = 200

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				require.NoError(t, q.Put(ctx, p, Priority(i%4)))
			}
		}(p)
	}

	received := make(chan any, n)
	for c := 0; c < 4; c++ {
		go func() {
			for {
				item, err := q.Get(ctx)
				if err != nil {
					return
				}
				received <- item
			}
		}()
	}

	wg.Wait()
	for i := 0; i < n; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %d of %d items", i, n)
		}
	}
}
