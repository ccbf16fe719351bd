// Package cache implements the named-pool expiring cache that shields the
// asset lookup service from load. Each pool is an independently bounded LRU
// with its own default TTL; expiry is checked lazily on read rather than by a
// background sweep, and an expired entry is retained in place so it can be
// served as a last-resort stale value when a refresh attempt fails.
//
// Cache-internal failures (an unknown pool name, a nil value) never fail the
// caller: reads degrade to a miss, writes to a no-op, with rate-limited
// logging. Only errors from the caller's own compute function are visible.
package cache

import (
	"container/list"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tagstream/internal/ratelimit"
)

// PoolOptions describes one named pool.
type PoolOptions struct {
	Name       string
	MaxEntries int           // 0 falls back to a safe default
	DefaultTTL time.Duration // 0 means entries never expire
}

// ComputeOptions tunes a GetOrCompute call.
type ComputeOptions struct {
	TTL             time.Duration // 0 uses the pool default
	FallbackOnError bool          // serve the prior (possibly expired) entry if compute fails
}

const defaultPoolCapacity = 10000

// Cache owns the set of pools. Pools are registered at startup; lookups for
// pools that were never registered degrade to misses.
type Cache struct {
	mu      sync.RWMutex
	pools   map[string]*pool
	unknown ratelimit.Counter
	now     func() time.Time
}

type pool struct {
	name       string
	max        int
	defaultTTL time.Duration

	mu      sync.Mutex
	order   *list.List // front = most recently used
	entries map[string]*list.Element

	hits        atomic.Uint64
	misses      atomic.Uint64
	staleServed atomic.Uint64
	evictions   atomic.Uint64
	staleLog    ratelimit.Counter
}

type entry struct {
	key      string
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// PoolMetrics is a snapshot of one pool's counters for the stats display.
type PoolMetrics struct {
	Hits        uint64
	Misses      uint64
	StaleServed uint64
	Evictions   uint64
	Entries     int
}

// Purpose: Construct the cache with its initial pools.
// Key aspects: Bounds each pool independently; unknown-pool reports are throttled.
// Upstream: main startup.
// Downstream: pool allocation.
func New(pools ...PoolOptions) *Cache {
	c := &Cache{
		pools:   make(map[string]*pool, len(pools)),
		unknown: ratelimit.NewCounter(time.Minute),
		now:     time.Now,
	}
	for _, opts := range pools {
		c.RegisterPool(opts)
	}
	return c
}

// Purpose: Add a pool after construction.
// Key aspects: Re-registering an existing name replaces limits but keeps entries.
// Upstream: main startup and tests.
// Downstream: pool map mutation.
func (c *Cache) RegisterPool(opts PoolOptions) {
	if opts.Name == "" {
		return
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultPoolCapacity
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.pools[opts.Name]; ok {
		existing.mu.Lock()
		existing.max = opts.MaxEntries
		existing.defaultTTL = opts.DefaultTTL
		existing.mu.Unlock()
		return
	}
	c.pools[opts.Name] = &pool{
		name:       opts.Name,
		max:        opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
		staleLog:   ratelimit.NewCounter(time.Minute),
	}
}

func (c *Cache) pool(name string) *pool {
	c.mu.RLock()
	p := c.pools[name]
	c.mu.RUnlock()
	if p == nil {
		if total, ok := c.unknown.Inc(); ok {
			log.Printf("Cache: access to unregistered pool %q treated as miss (%d total)", name, total)
		}
	}
	return p
}

// Purpose: Read a live (non-expired) entry.
// Key aspects: Expired entries read as absent but stay in place for stale fallback.
// Upstream: GetOrCompute fast path and direct callers.
// Downstream: per-pool LRU under lock.
func (c *Cache) Get(poolName, key string) (any, bool) {
	p := c.pool(poolName)
	if p == nil {
		return nil, false
	}
	return p.get(key, c.now())
}

// Purpose: Store a value with the given TTL, replacing any prior entry.
// Key aspects: Nil values are never stored; a non-positive TTL uses the pool default.
// Upstream: GetOrCompute store path and direct callers.
// Downstream: per-pool LRU mutation with tail eviction.
func (c *Cache) Set(poolName, key string, value any, ttl time.Duration) {
	if value == nil || key == "" {
		return
	}
	p := c.pool(poolName)
	if p == nil {
		return
	}
	p.set(key, value, ttl, c.now())
}

// Purpose: Read-through with stale fallback.
// Key aspects: A hit never invokes compute. On a miss, compute runs outside any
// pool lock; a nil result is returned without being cached so negative lookups
// always refresh. A failing compute either propagates or, with FallbackOnError,
// serves the most recent entry even past its TTL.
// Upstream: session scan lookups and business-logic call sites.
// Downstream: Get, Set, and the caller's compute function.
func (c *Cache) GetOrCompute(poolName, key string, compute func() (any, error), opts ComputeOptions) (any, error) {
	if v, ok := c.Get(poolName, key); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		if opts.FallbackOnError {
			if p := c.pool(poolName); p != nil {
				if stale, ok := p.getStale(key); ok {
					p.staleServed.Add(1)
					if total, logOK := p.staleLog.Inc(); logOK {
						log.Printf("Cache: pool %q serving stale entry for %q after refresh failure: %v (%d total)", poolName, key, err, total)
					}
					return stale, nil
				}
			}
		}
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	c.Set(poolName, key, v, opts.TTL)
	return v, nil
}

// Invalidate removes one entry. Unknown pools and keys are no-ops.
func (c *Cache) Invalidate(poolName, key string) {
	p := c.pool(poolName)
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.entries[key]; ok {
		p.order.Remove(elem)
		delete(p.entries, key)
	}
}

// InvalidateByPrefix removes every entry whose key starts with prefix and
// returns the number removed. An empty prefix clears the pool.
func (c *Cache) InvalidateByPrefix(poolName, prefix string) int {
	p := c.pool(poolName)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for key, elem := range p.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			p.order.Remove(elem)
			delete(p.entries, key)
			removed++
		}
	}
	return removed
}

// Clear wipes all entries in a pool.
func (c *Cache) Clear(poolName string) {
	p := c.pool(poolName)
	if p == nil {
		return
	}
	p.mu.Lock()
	p.order = list.New()
	p.entries = make(map[string]*list.Element)
	p.mu.Unlock()
}

// Purpose: Snapshot one pool's counters for display.
// Key aspects: Atomic counters are read lock-free; entry count takes the lock briefly.
// Upstream: periodic stats line in main.
// Downstream: atomic loads.
func (c *Cache) Metrics(poolName string) PoolMetrics {
	c.mu.RLock()
	p := c.pools[poolName]
	c.mu.RUnlock()
	if p == nil {
		return PoolMetrics{}
	}
	p.mu.Lock()
	entries := len(p.entries)
	p.mu.Unlock()
	return PoolMetrics{
		Hits:        p.hits.Load(),
		Misses:      p.misses.Load(),
		StaleServed: p.staleServed.Load(),
		Evictions:   p.evictions.Load(),
		Entries:     entries,
	}
}

// Pools returns the registered pool names.
func (c *Cache) Pools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	return names
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) > e.ttl
}

func (p *pool) get(key string, now time.Time) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elem, ok := p.entries[key]
	if !ok {
		p.misses.Add(1)
		return nil, false
	}
	ent := elem.Value.(*entry)
	if ent.expired(now) {
		// Treated as absent but kept for stale fallback until evicted.
		p.misses.Add(1)
		return nil, false
	}
	p.order.MoveToFront(elem)
	p.hits.Add(1)
	return ent.value, true
}

func (p *pool) getStale(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	elem, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*entry).value, true
}

func (p *pool) set(key string, value any, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.entries[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.storedAt = now
		ent.ttl = ttl
		p.order.MoveToFront(elem)
		return
	}
	elem := p.order.PushFront(&entry{key: key, value: value, storedAt: now, ttl: ttl})
	p.entries[key] = elem
	if p.max > 0 && len(p.entries) > p.max {
		if tail := p.order.Back(); tail != nil {
			p.order.Remove(tail)
			if evicted, ok := tail.Value.(*entry); ok {
				delete(p.entries, evicted.key)
			}
			p.evictions.Add(1)
		}
	}
}
