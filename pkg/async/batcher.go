package async

import (
	"context"
	"sync"
	"time"
)

// Batcher accumulates items and fires the handler when either the size
// threshold or the time window triggers. Partial batches flush on Close.
type Batcher[T any] struct {
	size    int
	window  time.Duration
	handler func(ctx context.Context, batch []T)

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	closed  bool

	wg sync.WaitGroup
}

// NewBatcher creates a batcher. size must be >= 1; window <= 0 disables the
// time trigger.
func NewBatcher[T any](size int, window time.Duration, handler func(ctx context.Context, batch []T)) *Batcher[T] {
	if size < 1 {
		size = 1
	}
	return &Batcher[T]{size: size, window: window, handler: handler}
}

// Add appends an item, flushing if the size threshold is reached. The first
// item of a batch arms the window timer.
func (b *Batcher[T]) Add(ctx context.Context, item T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, item)
	if len(b.pending) >= b.size {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.dispatch(ctx, batch)
		return
	}
	if len(b.pending) == 1 && b.window > 0 {
		b.timer = time.AfterFunc(b.window, b.flushOnTimer)
	}
	b.mu.Unlock()
}

// Flush synchronously delivers whatever is pending.
func (b *Batcher[T]) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(ctx, batch)
}

// Close flushes the partial batch and waits for in-flight handlers.
// Subsequent Adds are dropped.
func (b *Batcher[T]) Close() {
	b.mu.Lock()
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(context.Background(), batch)
	b.wg.Wait()
}

func (b *Batcher[T]) flushOnTimer() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.dispatch(context.Background(), batch)
}

// takeLocked detaches the pending slice and disarms the timer.
func (b *Batcher[T]) takeLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *Batcher[T]) dispatch(ctx context.Context, batch []T) {
	if len(batch) == 0 {
		return
	}
	b.wg.Add(1)
	defer b.wg.Done()
	b.handler(ctx, batch)
}
