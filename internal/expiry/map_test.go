package expiry

import (
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(step)
	c.mu.Unlock()
}

func TestMapGetHonorsPerKeyTTL(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	expiring := New[string, int](Config{Clock: clock.Now})
	defer expiring.Close()

	expiring.Set("short", 1, time.Second)
	expiring.Set("long", 2, time.Minute)

	clock.Advance(2 * time.Second)

	if _, ok := expiring.Get("short"); ok {
		t.Fatalf("expected short entry to be expired")
	}
	if value, ok := expiring.Get("long"); !ok || value != 2 {
		t.Fatalf("expected long entry to survive, got %d %v", value, ok)
	}
	snapshot := expiring.Snapshot()
	if len(snapshot) != 1 || snapshot["long"] != 2 {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}
}

func TestMapSetRefreshesDeadline(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	expiring := New[string, string](Config{Clock: clock.Now})
	defer expiring.Close()

	expiring.Set("item", "a", 10*time.Second)
	clock.Advance(8 * time.Second)
	expiring.Set("item", "a", 10*time.Second)
	clock.Advance(8 * time.Second)

	if _, ok := expiring.Get("item"); !ok {
		t.Fatalf("expected refreshed entry to be live")
	}

	expiring.mu.Lock()
	removed := expiring.sweepLocked(clock.Now())
	expiring.mu.Unlock()
	if removed != 0 {
		t.Fatalf("expected stale deadline to be skipped, removed %d", removed)
	}
}

func TestMapExpiryFiresChangeHook(t *testing.T) {
	expiring := New[string, string](Config{})
	defer expiring.Close()

	fired := make(chan struct{}, 4)
	expiring.OnChange(func() { fired <- struct{}{} })

	expiring.Set("item", "session", 20*time.Millisecond)
	<-fired

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected expiry to fire change hook")
	}
	if _, ok := expiring.Get("item"); ok {
		t.Fatalf("expected item to be expired")
	}
	if expiring.Len() != 0 {
		t.Fatalf("expected expired entry to be swept")
	}
}

func TestMapDeleteReportsLiveEntries(t *testing.T) {
	expiring := New[string, int](Config{})
	defer expiring.Close()

	calls := 0
	expiring.OnChange(func() { calls++ })

	if expiring.Delete("missing") {
		t.Fatalf("expected delete of missing key to report false")
	}
	expiring.Set("key", 1, time.Minute)
	if !expiring.Delete("key") {
		t.Fatalf("expected delete of live key to report true")
	}
	if calls != 2 {
		t.Fatalf("expected hooks for set and delete, got %d", calls)
	}
}

func TestMapUpdateIsAtomic(t *testing.T) {
	expiring := New[string, string](Config{})
	defer expiring.Close()

	calls := 0
	expiring.OnChange(func() { calls++ })

	expiring.Update(func(tx *Tx[string, string]) bool {
		tx.Set("a", "s1", time.Minute)
		tx.Set("b", "s1", time.Minute)
		return true
	})
	expiring.Update(func(tx *Tx[string, string]) bool {
		return false
	})

	if calls != 1 {
		t.Fatalf("expected a single hook invocation, got %d", calls)
	}
	if len(expiring.Snapshot()) != 2 {
		t.Fatalf("expected both entries to be stored")
	}
}
