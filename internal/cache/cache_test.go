package cache

import (
	"context"
	"testing"
	"time"
)

func newTestInMemoryCache(clock *fakeClock, staleWindow time.Duration) *InMemoryCache {
	c := NewInMemoryCache(staleWindow, 0, nil)
	c.now = clock.Now
	c.data = NewExpiring[envelope](Options{Now: clock.Now})
	return c
}

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves
// them correctly with the expected data.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := newTestInMemoryCache(newFakeClock(), 0)

	if err := c.Set(ctx, "current:47.3769:8.5417", []byte(`{"temp":12}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, "current:47.3769:8.5417")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got) != `{"temp":12}` {
		t.Errorf("Get() = %s", got)
	}
}

// TestInMemoryCache_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in cache.
func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := newTestInMemoryCache(newFakeClock(), 0)

	_, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_Get_Expired verifies that Get stops returning an entry once its TTL
// has elapsed even while it is retained for stale reads.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestInMemoryCache(clock, time.Hour)

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	clock.Advance(2 * time.Minute)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() ok = true after TTL")
	}
	if c.Stats().Total != 1 {
		t.Error("entry should be retained for the stale window")
	}
}

// TestInMemoryCache_GetStale verifies that stale reads honour maxAge and the retention window.
func TestInMemoryCache_GetStale(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestInMemoryCache(clock, 30*time.Minute)
	storedAt := clock.Now()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	clock.Advance(10 * time.Minute)

	got, at, ok, err := c.GetStale(ctx, "k", 15*time.Minute)
	if err != nil || !ok {
		t.Fatalf("GetStale() ok = %v, err = %v", ok, err)
	}
	if string(got) != "v" || !at.Equal(storedAt) {
		t.Errorf("GetStale() = %s at %v", got, at)
	}

	if _, _, ok, _ := c.GetStale(ctx, "k", 5*time.Minute); ok {
		t.Error("GetStale() with maxAge below entry age ok = true")
	}

	clock.Advance(30 * time.Minute)
	if _, _, ok, _ := c.GetStale(ctx, "k", 24*time.Hour); ok {
		t.Error("GetStale() after retention window ok = true")
	}
}
