package cache

import (
	"context"
	"time"
)

// Cache stores encoded proxy responses. Get returns data only while it is fresh.
// GetStale returns data past its TTL as long as it was stored no more than maxAge ago,
// for serving when the upstream is failing.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetStale(ctx context.Context, key string, maxAge time.Duration) ([]byte, time.Time, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// envelope is the stored form of a response. Backends keep it for ttl plus the stale
// window so GetStale can still find it after FreshUntil.
type envelope struct {
	Data       []byte    `json:"d"`
	StoredAt   time.Time `json:"s"`
	FreshUntil time.Time `json:"f"`
}

func (e envelope) fresh(now time.Time) bool {
	return !now.After(e.FreshUntil)
}

func (e envelope) withinAge(now time.Time, maxAge time.Duration) bool {
	return now.Sub(e.StoredAt) <= maxAge
}

// InMemoryCache implements Cache on an Expiring map. Safe for concurrent use.
type InMemoryCache struct {
	data        *Expiring[envelope]
	staleWindow time.Duration
	now         func() time.Time
}

// NewInMemoryCache creates an in-memory cache. staleWindow extends retention past the TTL
// for GetStale; zero disables stale reads. maxEntries bounds the map (0 selects the default).
func NewInMemoryCache(staleWindow time.Duration, maxEntries int, onEvict func(int)) *InMemoryCache {
	opts := Options{OnEvict: onEvict}
	if maxEntries > 0 {
		opts.MaxEntries = maxEntries
		opts.CleanupThreshold = maxEntries * 2 / 3
		opts.Retain = maxEntries * 2 / 3
	}
	return &InMemoryCache{
		data:        NewExpiring[envelope](opts),
		staleWindow: staleWindow,
		now:         time.Now,
	}
}

// Get returns the cached value for key if it is still fresh.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := c.data.Get(key)
	if !ok || !e.fresh(c.now()) {
		return nil, false, nil
	}
	return e.Data, true, nil
}

// GetStale returns the cached value for key regardless of freshness if it was stored
// within maxAge. The second result is the time it was stored.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxAge time.Duration) ([]byte, time.Time, bool, error) {
	e, ok := c.data.Get(key)
	if !ok || !e.withinAge(c.now(), maxAge) {
		return nil, time.Time{}, false, nil
	}
	return e.Data, e.StoredAt, true, nil
}

// Set stores value for ttl. The entry is retained for ttl plus the stale window.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := c.now()
	c.data.Set(key, envelope{Data: value, StoredAt: now, FreshUntil: now.Add(ttl)}, ttl+c.staleWindow)
	return nil
}

// Stats reports entry counts of the underlying map.
func (c *InMemoryCache) Stats() Stats {
	return c.data.Stats()
}
