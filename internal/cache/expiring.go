package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Default capacity bounds for Expiring.
const (
	DefaultCleanupThreshold = 100
	DefaultMaxEntries       = 150
	DefaultRetain           = 100
)

// Options configures an Expiring cache. Zero values select the defaults.
type Options struct {
	// CleanupThreshold is the entry count above which Set removes expired entries.
	CleanupThreshold int
	// MaxEntries is the hard cap; above it only the Retain most recently stored entries survive.
	MaxEntries int
	Retain     int
	// Now overrides the clock, for tests.
	Now func() time.Time
	// OnEvict is called with the number of entries removed by cleanup or pruning.
	OnEvict func(n int)
}

// Stats is a point-in-time count of cache entries.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Expired int `json:"expired"`
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
	storedAt  time.Time
}

// Expiring is a key/value map with per-entry expiry. Expired entries are evicted lazily
// on Get and in bulk when the map grows past CleanupThreshold. Safe for concurrent use.
type Expiring[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	opts    Options
}

// NewExpiring creates an empty cache.
func NewExpiring[V any](opts Options) *Expiring[V] {
	if opts.CleanupThreshold <= 0 {
		opts.CleanupThreshold = DefaultCleanupThreshold
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Retain <= 0 || opts.Retain > opts.MaxEntries {
		opts.Retain = DefaultRetain
		if opts.Retain > opts.MaxEntries {
			opts.Retain = opts.MaxEntries
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Expiring[V]{
		entries: make(map[string]entry[V]),
		opts:    opts,
	}
}

// Get returns the value for key if present and not expired. An expired entry is removed.
func (c *Expiring[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.opts.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// GetStale returns the value for key whether or not it has expired, without evicting it.
// fresh reports whether the entry is still within its TTL, so a live entry is never
// mistaken for a fallback.
func (c *Expiring[V]) GetStale(key string) (value V, fresh bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return value, false, false
	}
	return e.value, !c.opts.Now().After(e.expiresAt), true
}

// StoredAt returns when key was last written.
func (c *Expiring[V]) StoredAt(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.storedAt, ok
}

// Set stores value under key for ttl, replacing any existing entry and its expiry.
func (c *Expiring[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		storedAt:  now,
	}
	if len(c.entries) > c.opts.CleanupThreshold {
		c.compactLocked()
	}
}

// Delete removes key.
func (c *Expiring[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Expiring[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *Expiring[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CountPrefix returns the number of stored entries whose key starts with prefix.
func (c *Expiring[V]) CountPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// Stats counts valid and expired entries without evicting anything.
func (c *Expiring[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	s := Stats{Total: len(c.entries)}
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			s.Expired++
		} else {
			s.Valid++
		}
	}
	return s
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *Expiring[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.removeExpiredLocked()
	c.notify(n)
	return n
}

// Compact removes expired entries and, if the cache is still above MaxEntries, keeps only
// the Retain most recently stored. Returns the total number removed.
func (c *Expiring[V]) Compact() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compactLocked()
}

func (c *Expiring[V]) compactLocked() int {
	removed := c.removeExpiredLocked()
	if len(c.entries) > c.opts.MaxEntries {
		removed += c.pruneLocked(c.opts.Retain)
	}
	c.notify(removed)
	return removed
}

func (c *Expiring[V]) removeExpiredLocked() int {
	now := c.opts.Now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// pruneLocked keeps the keep most recently stored entries. Ties on storedAt are broken by
// key order so the surviving set is deterministic.
func (c *Expiring[V]) pruneLocked(keep int) int {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]].storedAt, c.entries[keys[j]].storedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return keys[i] < keys[j]
	})
	n := 0
	for _, k := range keys[keep:] {
		delete(c.entries, k)
		n++
	}
	return n
}

func (c *Expiring[V]) notify(n int) {
	if n > 0 && c.opts.OnEvict != nil {
		c.opts.OnEvict(n)
	}
}
