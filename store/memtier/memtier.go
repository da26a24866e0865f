// Package memtier implements the in-process cache tier: a byte-budgeted,
// non-durable map that evicts the oldest insertion first when a put would
// exceed capacity.
//
// The tier is a best-effort accelerator in front of the disk tier, so
// capacity violations are dropped silently rather than surfaced, and there
// are no transactional guarantees.
package memtier

import (
	creedmoor "github.com/bitemyapp/creedmoor"
)

// Cache is the memory tier. It has no built-in synchronization: it is meant
// to be owned by a single goroutine or guarded by an external lock (the
// tiered store does the latter). This is a deliberate simplicity trade-off,
// not an oversight.
type Cache struct {
	capacity int64
	usage    int64
	entries  map[string][]byte
	order    []string // insertion order, oldest first
	sizer    creedmoor.Sizer
}

// Option configures a Cache instance.
type Option func(*Cache)

// WithSizer sets the function used to compute a value's logical size.
func WithSizer(sizer creedmoor.Sizer) Option {
	return func(c *Cache) {
		c.sizer = sizer
	}
}

// New creates a memory tier bounded by capacity bytes.
func New(capacity int64, opts ...Option) *Cache {
	c := &Cache{
		capacity: capacity,
		entries:  make(map[string][]byte),
		sizer:    creedmoor.ByteLen,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key. Reads do not refresh recency: ordering is
// insertion-order only, matching the disk tier's writes-advance-recency
// policy.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	value, ok := c.entries[string(key)]
	return value, ok
}

// Put stores value under key, evicting the oldest insertions until the
// value fits. A value larger than the whole capacity is silently dropped:
// it could never fit, and this tier never surfaces errors.
//
// Overwriting an existing key refreshes its position to newest, consistent
// with the disk tier's write-refreshes-recency behaviour.
//
// Put reports whether the value was stored, plus the number of entries
// evicted and their total size, for callers that track eviction metrics.
func (c *Cache) Put(key, value []byte) (stored bool, evicted int, evictedBytes int64) {
	size := c.sizer(value)
	if size > c.capacity {
		return false, 0, 0
	}

	k := string(key)
	if old, ok := c.entries[k]; ok {
		c.usage -= c.sizer(old)
		delete(c.entries, k)
		c.removeFromOrder(k)
	}

	for c.usage+size > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		freed := c.sizer(c.entries[oldest])
		delete(c.entries, oldest)
		c.usage -= freed
		evicted++
		evictedBytes += freed
	}

	copied := make([]byte, len(value))
	copy(copied, value)
	c.entries[k] = copied
	c.order = append(c.order, k)
	c.usage += size
	return true, evicted, evictedBytes
}

// Usage returns the current resident logical bytes.
func (c *Cache) Usage() int64 {
	return c.usage
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Capacity returns the configured byte capacity.
func (c *Cache) Capacity() int64 {
	return c.capacity
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
