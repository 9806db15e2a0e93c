// ABOUTME: Process-wide tool registry cache with atomic snapshot replacement.
// ABOUTME: Reloads are serialized; readers always see one complete generation.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LoadObserver receives the outcome of every load attempt.
type LoadObserver interface {
	ObserveRegistryLoad(ok bool, tools int)
}

// Cache holds the current registry snapshot. Reads are lock-free; Load and
// InvalidateAndReload take a writer lock so at most one fetch runs at a time.
type Cache struct {
	source   Source
	ttl      time.Duration
	logger   *slog.Logger
	observer LoadObserver

	current atomic.Pointer[Snapshot]

	loadMu     sync.Mutex // single writer
	generation uint64     // guarded by loadMu
	fresh      bool       // last load succeeded; guarded by loadMu

	attempts atomic.Int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL sets how long a successful load satisfies Load without refetching.
// Zero means every Load refetches.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger sets the cache's logger.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// WithObserver registers a load observer, typically the metrics sink.
func WithObserver(o LoadObserver) CacheOption {
	return func(c *Cache) { c.observer = o }
}

// NewCache creates an empty cache over source. Nothing is fetched until Load.
func NewCache(source Source, opts ...CacheOption) *Cache {
	c := &Cache{
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "registry", "source", source.Name())
	empty, _ := newSnapshot(0, nil)
	c.current.Store(empty)
	return c
}

// Load fetches the registry unless a previous successful load is still
// within its TTL. On failure the cache is emptied and the returned error
// wraps ErrRegistryUnavailable.
func (c *Cache) Load(ctx context.Context) error {
	return c.load(ctx, false)
}

// InvalidateAndReload discards any memoized state and fetches the registry.
func (c *Cache) InvalidateAndReload(ctx context.Context) error {
	return c.load(ctx, true)
}

func (c *Cache) load(ctx context.Context, force bool) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if !force && c.fresh && c.ttl > 0 && time.Since(c.current.Load().LoadedAt) < c.ttl {
		return nil
	}

	defer c.attempts.Add(1)
	entries, err := c.source.Fetch(ctx)
	if err != nil {
		c.fresh = false
		c.generation++
		empty, _ := newSnapshot(c.generation, nil)
		c.current.Store(empty)
		c.observe(false, 0)
		c.logger.Warn("registry load failed, continuing with no tools", "error", err)
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	c.generation++
	snap, duplicates := newSnapshot(c.generation, entries)
	for _, name := range duplicates {
		c.logger.Warn("duplicate tool name in registry, keeping first", "tool", name)
	}
	c.current.Store(snap)
	c.fresh = true
	c.observe(true, snap.Len())

	c.logger.Info("registry loaded", "tools", snap.Len(), "generation", snap.Generation)
	return nil
}

func (c *Cache) observe(ok bool, tools int) {
	if c.observer != nil {
		c.observer.ObserveRegistryLoad(ok, tools)
	}
}

// Snapshot returns the current generation. Callers that need both
// projections should read them from one snapshot.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Metadata returns the client-facing projection of the current snapshot.
func (c *Cache) Metadata() []Metadata {
	return c.current.Load().Metadata()
}

// Entries returns the full entries of the current snapshot.
func (c *Cache) Entries() []*Entry {
	return c.current.Load().Entries()
}

// Attempted reports whether at least one load attempt has completed.
func (c *Cache) Attempted() bool {
	return c.attempts.Load() > 0
}

// LoadCount returns the number of fetches made against the source,
// successful or not.
func (c *Cache) LoadCount() int64 {
	return c.attempts.Load()
}
