// Package cache is the query result cache: canonicalized fingerprints,
// at-most-one concurrent build per key, an in-process LRU with a byte
// budget, transparent zstd compression for large artifacts, and an
// optional external store tier that degrades to bypass when unreachable.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/querypilot/querypilot/pkg/async"
	"github.com/querypilot/querypilot/pkg/fault"
)

// Config tunes the cache.
type Config struct {
	// MaxBytes bounds the in-process tier (compressed sizes count).
	MaxBytes int64
	// CompressAbove is the artifact size that triggers zstd; zero uses
	// the default, negative disables compression.
	CompressAbove int
	// DefaultTTL applies when GetOrCompute is called with a zero ttl.
	DefaultTTL time.Duration
}

const defaultCompressAbove = 4 << 10

// DefaultConfig is a 64 MiB cache compressing artifacts over 4 KiB.
func DefaultConfig() Config {
	return Config{MaxBytes: 64 << 20, CompressAbove: defaultCompressAbove, DefaultTTL: 5 * time.Minute}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Entries          int     `json:"entries"`
	Bytes            int64   `json:"bytes"`
	RawBytes         int64   `json:"raw_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
}

type entry struct {
	key        string
	data       []byte
	compressed bool
	rawSize    int64
	expires    time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	store  Store
	bus    *async.Bus
	logger *slog.Logger

	flight singleflight.Group

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recent
	bytes    int64
	rawBytes int64
	hits     uint64
	misses   uint64
}

// New builds a cache. store and bus may be nil.
func New(cfg Config, store Store, bus *async.Bus, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.CompressAbove == 0 {
		cfg.CompressAbove = defaultCompressAbove
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidParams, "cache", "new", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidParams, "cache", "new", err)
	}
	return &Cache{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger,
		enc:    enc,
		dec:    dec,
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}, nil
}

// GetOrCompute returns the cached artifact for key, building it at most
// once across concurrent callers on a miss. A failing external store is
// bypassed, never surfaced.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration,
	builder func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	if data, ok := c.lookup(ctx, key); ok {
		return data, nil
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// A concurrent builder may have filled the key while this call
		// was queued behind it.
		if data, ok := c.lookup(ctx, key); ok {
			return data, nil
		}
		data, err := builder(ctx)
		if err != nil {
			return nil, err
		}
		c.put(ctx, key, data, ttl)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Get returns the cached artifact without computing.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.lookup(ctx, key)
}

// Put stores an artifact directly.
func (c *Cache) Put(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.put(ctx, key, data, ttl)
}

// Invalidate drops a key from both tiers and announces it on the bus.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Del(ctx, key); err != nil {
			c.logger.Warn("cache store delete failed", "error", err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(async.TopicCacheInvalidate, "cache", key)
	}
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Entries:  len(c.items),
		Bytes:    c.bytes,
		RawBytes: c.rawBytes,
	}
	if c.bytes > 0 {
		s.CompressionRatio = float64(c.rawBytes) / float64(c.bytes)
	}
	return s
}

func (c *Cache) lookup(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		if time.Now().Before(ent.expires) {
			c.order.MoveToFront(el)
			c.hits++
			data, compressed := ent.data, ent.compressed
			c.mu.Unlock()
			return c.decode(data, compressed)
		}
		c.removeLocked(el)
	}
	c.misses++
	c.mu.Unlock()

	if c.store == nil {
		return nil, false
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache store unreachable, bypassing", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	// External artifacts are stored uncompressed.
	c.mu.Lock()
	c.hits++
	c.misses-- // the miss above turned out to be an external hit
	c.mu.Unlock()
	return raw, true
}

func (c *Cache) put(ctx context.Context, key string, data []byte, ttl time.Duration) {
	stored := data
	compressed := false
	if c.cfg.CompressAbove >= 0 && len(data) > c.cfg.CompressAbove {
		if packed := c.enc.EncodeAll(data, nil); len(packed) < len(data) {
			stored = packed
			compressed = true
		}
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	ent := &entry{key: key, data: stored, compressed: compressed,
		rawSize: int64(len(data)), expires: time.Now().Add(ttl)}
	c.items[key] = c.order.PushFront(ent)
	c.bytes += int64(len(stored))
	c.rawBytes += ent.rawSize
	for c.bytes > c.cfg.MaxBytes && c.order.Len() > 1 {
		c.removeLocked(c.order.Back())
	}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(ctx, key, data, ttl); err != nil {
			c.logger.Warn("cache store set failed, local tier only", "error", err)
		}
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, ent.key)
	c.bytes -= int64(len(ent.data))
	c.rawBytes -= ent.rawSize
}

func (c *Cache) decode(data []byte, compressed bool) ([]byte, bool) {
	if !compressed {
		return data, true
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		c.logger.Error("cached artifact failed to decompress", "error", err)
		return nil, false
	}
	return out, true
}
