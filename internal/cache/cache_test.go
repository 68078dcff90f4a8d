package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := New[string, string](time.Minute).WithClock(clock.Now)

	c.Set("5511999990000", "Maria")
	if got, ok := c.Get("5511999990000"); !ok || got != "Maria" {
		t.Fatalf("Get = %q, %v; want Maria, true", got, ok)
	}

	clock.Advance(59 * time.Second)
	if _, ok := c.Get("5511999990000"); !ok {
		t.Fatal("expected entry to survive until ttl")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("5511999990000"); ok {
		t.Fatal("expected entry to expire at ttl")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestCacheSetSweepsExpiredEntries(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New[int, int](time.Second).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		c.Set(i, i)
	}
	clock.Advance(2 * time.Second)
	c.Set(99, 99)

	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	if size != 1 {
		t.Fatalf("expected sweep to leave 1 entry, got %d", size)
	}
}

func TestCacheSetSweepsAtMostOncePerInterval(t *testing.T) {
	start := time.Unix(0, 0)
	clock := &fakeClock{now: start}
	c := New[string, int](4 * time.Second).WithClock(clock.Now)
	size := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.entries)
	}

	c.Set("a", 1)
	clock.Advance(3500 * time.Millisecond)
	c.Set("b", 2)

	clock.Advance(500 * time.Millisecond)
	c.Set("c", 3)
	if got := size(); got != 3 {
		t.Fatalf("expected no sweep inside the interval, got %d entries", got)
	}
	clock.Advance(500 * time.Millisecond)
	c.Set("d", 4)
	if got := size(); got != 3 {
		t.Fatalf("expected sweep to leave b, c, d; got %d entries", got)
	}
}

func TestCacheDeleteAndPurge(t *testing.T) {
	c := New[string, int](time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be deleted")
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("Len after purge = %d", c.Len())
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New[int, int](time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(n*100+j, j)
				c.Get(n*100 + j)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 1600 {
		t.Fatalf("Len = %d, want 1600", c.Len())
	}
}
