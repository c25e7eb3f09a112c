package sqliter

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// CacheStats is a snapshot of cache effectiveness counters.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
	HitRate float64
}

type cacheEntry struct {
	value     any
	deps      []string
	expiresAt time.Time // zero means no expiry
}

// ResultCache memoizes query results per session. Every entry records
// the tables its result was read from, root, joined and prefetched
// alike; a write to any of them evicts the entry synchronously, before
// the write call returns. Cached values are shared between hits, so
// treat returned instances as read-only.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[uint64]*cacheEntry
	byTable    map[string]map[uint64]struct{}
	hits       uint64
	misses     uint64
	defaultTTL time.Duration
}

// NewResultCache returns an empty cache. A zero defaultTTL means
// entries never expire on their own.
func NewResultCache(defaultTTL time.Duration) *ResultCache {
	return &ResultCache{
		entries:    make(map[uint64]*cacheEntry),
		byTable:    make(map[string]map[uint64]struct{}),
		defaultTTL: defaultTTL,
	}
}

// Get looks a signature up, counting a hit or a miss. Expired entries
// are dropped and count as misses.
func (c *ResultCache) Get(sig uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sig]
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.removeLocked(sig, e)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores a result under its signature with the tables it depends
// on. A zero ttl falls back to the cache default.
func (c *ResultCache) Put(sig uint64, value any, deps []string, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	e := &cacheEntry{value: value, deps: deps}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[sig]; ok {
		c.removeLocked(sig, old)
	}
	c.entries[sig] = e
	for _, t := range deps {
		set, ok := c.byTable[t]
		if !ok {
			set = make(map[uint64]struct{})
			c.byTable[t] = set
		}
		set[sig] = struct{}{}
	}
}

// InvalidateTable evicts every entry depending on a table and returns
// how many went away.
func (c *ResultCache) InvalidateTable(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.byTable[table]
	n := len(set)
	for sig := range set {
		if e, ok := c.entries[sig]; ok {
			c.removeLocked(sig, e)
		}
	}
	delete(c.byTable, table)
	return n
}

func (c *ResultCache) removeLocked(sig uint64, e *cacheEntry) {
	delete(c.entries, sig)
	for _, t := range e.deps {
		if set, ok := c.byTable[t]; ok {
			delete(set, sig)
			if len(set) == 0 {
				delete(c.byTable, t)
			}
		}
	}
}

// Clear drops every entry but keeps the hit and miss counters.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry)
	c.byTable = make(map[string]map[uint64]struct{})
}

// reset drops entries and counters both. Used on session close.
func (c *ResultCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry)
	c.byTable = make(map[string]map[uint64]struct{})
	c.hits = 0
	c.misses = 0
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats snapshots the counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// querySignature folds everything that shapes a result into one
// signature: root table, statement text, arguments, the field subset
// and the prefetch paths.
func querySignature(table, stmt string, args []any, fieldKey string, prefetch []string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(stmt))
	h.Write([]byte{0})
	for _, a := range args {
		fmt.Fprintf(h, "%v", a)
		h.Write([]byte{0})
	}
	h.Write([]byte(fieldKey))
	h.Write([]byte{0})
	for _, p := range prefetch {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
