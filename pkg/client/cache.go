package client

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CacheEntry holds one cached value with its expiry bookkeeping. Dispose, if
// set, releases resources the value holds; the cache calls it exactly once,
// when the entry is replaced, expired, or cleared.
type CacheEntry[V any] struct {
	Value       V
	LastUpdated time.Time
	TTL         time.Duration
	Dispose     func()
}

func (e CacheEntry[V]) expired(now time.Time) bool {
	return now.After(e.LastUpdated.Add(e.TTL))
}

// Cache is a time-boxed response cache. It sits strictly in front of network
// calls: a hit never contacts the server, an expired entry is disposed and
// reported absent so the caller refreshes it.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]CacheEntry[V]
	ttl     time.Duration
	clock   func() time.Time
}

// NewCache builds a cache whose entries default to the given TTL.
func NewCache[K comparable, V any](ttl time.Duration, clock func() time.Time) *Cache[K, V] {
	if clock == nil {
		clock = time.Now
	}
	return &Cache[K, V]{
		entries: make(map[K]CacheEntry[V]),
		ttl:     ttl,
		clock:   clock,
	}
}

// Add stores value under key with the cache's default TTL, disposing any
// prior entry at that key first.
func (c *Cache[K, V]) Add(key K, value V, dispose func()) {
	c.AddEntry(key, CacheEntry[V]{
		Value:       value,
		LastUpdated: c.clock(),
		TTL:         c.ttl,
		Dispose:     dispose,
	})
}

// AddEntry stores a fully-specified entry, disposing any prior entry at that
// key first.
func (c *Cache[K, V]) AddEntry(key K, entry CacheEntry[V]) {
	c.mu.Lock()
	previous, existed := c.entries[key]
	c.entries[key] = entry
	c.mu.Unlock()
	if existed {
		dispose(previous)
	}
}

// Get returns the value for key if a live entry exists. An expired entry is
// evicted and disposed before reporting absence.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	if entry.expired(c.clock()) {
		delete(c.entries, key)
		c.mu.Unlock()
		dispose(entry)
		var zero V
		return zero, false
	}
	c.mu.Unlock()
	return entry.Value, true
}

// Invalidate drops the entry at key, disposing it if present.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		dispose(entry)
	}
}

// Clear disposes and drops every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[K]CacheEntry[V])
	c.mu.Unlock()
	for _, entry := range entries {
		dispose(entry)
	}
}

// Len reports the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func dispose[V any](entry CacheEntry[V]) {
	if entry.Dispose != nil {
		entry.Dispose()
	}
}

// QueryKey derives a stable cache key from the identity of a query. Hashing
// keeps keys uniform regardless of how long the query parts are.
func QueryKey(parts ...string) string {
	digest := xxhash.New()
	for i, part := range parts {
		if i > 0 {
			digest.WriteString("\x1f") //nolint:errcheck
		}
		digest.WriteString(part) //nolint:errcheck
	}
	return strconv.FormatUint(digest.Sum64(), 16)
}
