package cache

import "sync"

// Cache is a thread-safe LRU cache. When the entry count exceeds the
// limit, the coldest entries are evicted and the eviction callback runs
// for each, outside the map but under the cache lock.
//
// Cache must not be copied after creation.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	order   recencyList[K]
	limit   int
	onEvict func(K, V)
}

type entry[K comparable, V any] struct {
	value V
	node  *node[K]
}

// New creates a cache holding at most limit entries. A limit of 0 means
// unlimited. onEvict may be nil; when set it runs for every entry that
// leaves the cache through eviction, Delete or Clear, so pooled GPU
// allocations are always released exactly once.
func New[K comparable, V any](limit int, onEvict func(K, V)) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]*entry[K, V]),
		limit:   limit,
		onEvict: onEvict,
	}
}

// Get retrieves a value and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.touch(e.node)
	return e.value, true
}

// Put stores a value. Replacing an existing key evicts the old value
// first. Insertion past the limit evicts the coldest entry.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		old := e.value
		e.value = value
		c.order.touch(e.node)
		if c.onEvict != nil {
			c.onEvict(key, old)
		}
		return
	}

	c.entries[key] = &entry[K, V]{value: value, node: c.order.pushFront(key)}
	if c.limit > 0 && len(c.entries) > c.limit {
		c.evictColdest()
	}
}

// Take removes and returns a value without running the eviction callback.
// Used by pools that hand the allocation back to a caller.
func (c *Cache[K, V]) Take(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.remove(e.node)
	delete(c.entries, key)
	return e.value, true
}

// Delete removes an entry and runs the eviction callback.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.remove(e.node)
	delete(c.entries, key)
	if c.onEvict != nil {
		c.onEvict(key, e.value)
	}
	return true
}

// Clear evicts every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		c.order.remove(e.node)
		if c.onEvict != nil {
			c.onEvict(key, e.value)
		}
	}
	c.entries = make(map[K]*entry[K, V])
}

// Len returns the current entry count.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictColdest removes the least recently used entry. Caller holds c.mu.
func (c *Cache[K, V]) evictColdest() {
	key, ok := c.order.popColdest()
	if !ok {
		return
	}
	e := c.entries[key]
	delete(c.entries, key)
	if c.onEvict != nil && e != nil {
		c.onEvict(key, e.value)
	}
}
