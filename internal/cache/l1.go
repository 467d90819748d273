// Package cache implements the three-level cache-aside hierarchy in front of
// the time-series store: a bounded in-process LRU with TTL (L1), a shared
// Redis tier (L2), and the source-of-truth fetcher (L3). Reads traverse the
// tiers in order and backfill the faster ones; writes go through L1 and L2
// synchronously.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// l1Entry is one L1 slot. The element field points back into the recency
// list so touch/evict are O(1).
type l1Entry struct {
	key        string
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
	element    *list.Element
}

func (e *l1Entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) >= e.ttl
}

// L1Cache is the in-process tier: bounded capacity, LRU eviction, per-entry
// TTL. All mutations hold the mutex, so it is safe for concurrent
// goroutines.
type L1Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*l1Entry
	recency  *list.List // front = most recently used

	now func() time.Time
}

// NewL1Cache creates an L1 tier with the given capacity and default TTL.
// Capacity must be positive; a non-positive value is coerced to 1.
func NewL1Cache(capacity int, ttl time.Duration) *L1Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &L1Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*l1Entry, capacity),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns the cached value and touches its recency. Expired entries are
// removed on access and reported as misses.
func (c *L1Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(c.now()) {
		c.removeLocked(entry)
		return nil, false
	}

	c.recency.MoveToFront(entry.element)
	return entry.value, true
}

// Set inserts or replaces the value for key, evicting the least-recently
// used entry when capacity is exceeded. A zero ttl uses the cache default.
func (c *L1Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.insertedAt = now
		entry.ttl = ttl
		c.recency.MoveToFront(entry.element)
		return
	}

	entry := &l1Entry{key: key, value: value, insertedAt: now, ttl: ttl}
	entry.element = c.recency.PushFront(entry)
	c.entries[key] = entry

	for len(c.entries) > c.capacity {
		oldest := c.recency.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*l1Entry))
	}
}

// Delete removes key if present.
func (c *L1Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(entry)
	}
}

// Len returns the live entry count, including not-yet-collected expired
// entries.
func (c *L1Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every entry.
func (c *L1Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*l1Entry, c.capacity)
	c.recency.Init()
}

// removeLocked unlinks an entry from both structures. Callers hold c.mu.
func (c *L1Cache) removeLocked(entry *l1Entry) {
	c.recency.Remove(entry.element)
	delete(c.entries, entry.key)
}
