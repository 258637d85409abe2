// Package cache holds loaded index handles keyed by snapshot directory.
//
// One Cache instance serves one backend kind; the vector and FTS caches are
// two instances with different reload settings. Loads are deduplicated so a
// burst of queries against a cold key runs the loader exactly once.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"codequarry/internal/backend"
	"codequarry/internal/event"
	"codequarry/internal/fault"
	"codequarry/internal/logging"
)

// LoaderFunc builds a handle for a key on a cache miss.
type LoaderFunc func(ctx context.Context) (backend.Index, error)

// Config for one cache instance.
type Config struct {
	// TTL is the idle lifetime of an entry; the refresher evicts entries
	// whose last access is older.
	TTL time.Duration
	// ReloadOnAccess makes every successful GetOrLoad call Reload on the
	// handle before returning it, under the cache lock.
	ReloadOnAccess bool
	Logger         *slog.Logger
	// Events receives cache.evicted on idle eviction.
	Events event.Sink
	// Now is the clock; pass time.Now outside tests.
	Now func() time.Time
}

type entry struct {
	handle     backend.Index
	lastAccess time.Time
}

// Cache is a TTL cache of index handles.
type Cache struct {
	ttl            time.Duration
	reloadOnAccess bool
	logger         *slog.Logger
	events         event.Sink
	now            func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	hits    uint64
	misses  uint64
	reloads uint64
}

// New creates a cache.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:            cfg.TTL,
		reloadOnAccess: cfg.ReloadOnAccess,
		logger:         logger.With("component", "indexcache"),
		events:         event.Default(cfg.Events),
		now:            now,
		entries:        make(map[string]*entry),
	}
}

// GetOrLoad returns the handle for key, running loader if the key is cold.
// Concurrent callers on the same cold key share one loader invocation: the
// caller that ran it counts a miss, the rest count hits. With
// ReloadOnAccess set, every successful return reloads the handle first.
func (c *Cache) GetOrLoad(ctx context.Context, key string, loader LoaderFunc) (backend.Index, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && !c.expiredLocked(e) {
			e.lastAccess = c.now()
			c.hits++
			if c.reloadOnAccess {
				if err := e.handle.Reload(ctx); err != nil {
					c.mu.Unlock()
					return nil, fmt.Errorf("reload %q: %w", key, err)
				}
				c.reloads++
			}
			h := e.handle
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()

		ran := false
		v, err, _ := c.group.Do(key, func() (any, error) {
			ran = true
			handle, err := loader(ctx)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if old, ok := c.entries[key]; ok {
				c.closeLocked(key, old)
			}
			e := &entry{handle: handle, lastAccess: c.now()}
			c.entries[key] = e
			c.misses++
			if c.reloadOnAccess {
				if err := handle.Reload(ctx); err != nil {
					c.closeLocked(key, e)
					delete(c.entries, key)
					return nil, fmt.Errorf("reload %q: %w", key, err)
				}
				c.reloads++
			}
			return handle, nil
		})
		if err != nil {
			return nil, err
		}
		if ran {
			return v.(backend.Index), nil
		}
		// A peer loaded the entry; loop into the hit path so the access
		// counts and the reload policy applies to this caller too.
	}
}

func (c *Cache) expiredLocked(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.lastAccess) > c.ttl
}

// closeLocked closes a handle being dropped. Close errors are observer
// errors: logged, never propagated.
func (c *Cache) closeLocked(key string, e *entry) {
	if err := e.handle.Close(); err != nil {
		c.logger.Warn("handle close failed",
			"key", key, "code", fault.Code(err), "error", err)
	}
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.closeLocked(key, e)
		delete(c.entries, key)
	}
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		c.closeLocked(key, e)
	}
	clear(c.entries)
}

// EvictIdle drops entries whose last access is older than the TTL and
// returns how many went. Events are emitted after the lock is released.
func (c *Cache) EvictIdle() int {
	c.mu.Lock()
	var evicted []string
	for key, e := range c.entries {
		if c.expiredLocked(e) {
			c.closeLocked(key, e)
			delete(c.entries, key)
			evicted = append(evicted, key)
		}
	}
	c.mu.Unlock()

	for _, key := range evicted {
		c.events.Emit(event.Event{
			Code:   "cache.evicted",
			At:     c.now(),
			Fields: map[string]any{"key": key},
		})
	}
	return len(evicted)
}

// StartRefresher runs EvictIdle every TTL/2 until ctx is done. It returns
// a stop function that waits for the goroutine to exit.
func (c *Cache) StartRefresher(ctx context.Context) (stop func()) {
	if c.ttl <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.EvictIdle(); n > 0 {
					c.logger.Debug("evicted idle index handles", "count", n)
				}
			}
		}
	}()
	return func() { <-done }
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Reloads uint64
	Size    int
	// LastAccess maps each cached key to its most recent access.
	LastAccess map[string]time.Time
}

// Stats returns current counters and per-key access times.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	la := make(map[string]time.Time, len(c.entries))
	for key, e := range c.entries {
		la[key] = e.lastAccess
	}
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Reloads:    c.reloads,
		Size:       len(c.entries),
		LastAccess: la,
	}
}
