package dedup

import (
	"testing"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
)

func newTestCache(maxSize int, ttl time.Duration) (*Cache, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewCache(Config{Clock: clk, MaxSize: maxSize, TTL: ttl}), clk
}

func TestCache_SeenWithinTTL(t *testing.T) {
	c, clk := newTestCache(10, 10*time.Second)
	fp := Sum([]byte(`{"sdp":"v=0"}`))

	if c.Seen(fp) {
		t.Fatal("first Seen must report a new fingerprint")
	}
	clk.Advance(5 * time.Second)
	if !c.Seen(fp) {
		t.Fatal("second Seen within ttl must report a duplicate")
	}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	c, clk := newTestCache(10, 10*time.Second)
	fp := Sum([]byte("payload"))

	c.Add(fp)
	clk.Advance(10 * time.Second)
	if c.Has(fp) {
		t.Fatal("entry must be absent once ttl elapsed")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry must be purged on access, len=%d", c.Len())
	}
	if c.Seen(fp) {
		t.Fatal("expired fingerprint must be treated as new")
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, clk := newTestCache(2, time.Minute)
	a, b, d := Sum([]byte("a")), Sum([]byte("b")), Sum([]byte("d"))

	c.Add(a)
	clk.Advance(time.Second)
	c.Add(b)
	clk.Advance(time.Second)
	c.Add(a) // refresh a, b is now the oldest
	c.Add(d)

	if c.Len() != 2 {
		t.Fatalf("size cap violated, len=%d", c.Len())
	}
	if !c.Has(a) {
		t.Error("refreshed entry was evicted")
	}
	if c.Has(b) {
		t.Error("least recently used entry was kept")
	}
	if !c.Has(d) {
		t.Error("newest entry was evicted")
	}
}

func TestCache_Purge(t *testing.T) {
	c, clk := newTestCache(10, 10*time.Second)
	c.Add(Sum([]byte("old-1")))
	c.Add(Sum([]byte("old-2")))
	clk.Advance(6 * time.Second)
	c.Add(Sum([]byte("fresh")))
	clk.Advance(5 * time.Second)

	if n := c.Purge(); n != 2 {
		t.Fatalf("expected 2 purged entries, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Len())
	}
}

func TestSum_Distinct(t *testing.T) {
	if Sum([]byte("x")) == Sum([]byte("y")) {
		t.Fatal("different payloads produced equal fingerprints")
	}
	if Sum([]byte("x")) != Sum([]byte("x")) {
		t.Fatal("equal payloads produced different fingerprints")
	}
}

func TestCache_HasRefreshesRecency(t *testing.T) {
	c, clk := newTestCache(2, 10*time.Second)
	a, b, d := Sum([]byte("a")), Sum([]byte("b")), Sum([]byte("d"))

	c.Add(a)
	c.Add(b)
	if !c.Has(a) {
		t.Fatal("entry missing")
	}
	c.Add(d) // b is least recently used now

	if !c.Has(a) {
		t.Error("entry touched by Has was evicted")
	}
	if c.Has(b) {
		t.Error("least recently used entry was kept")
	}

	// Has does not extend the lifetime of a
	clk.Advance(10 * time.Second)
	if c.Has(a) {
		t.Error("lookup extended entry lifetime")
	}
}

func TestCache_PurgeAfterAccess(t *testing.T) {
	c, clk := newTestCache(10, 10*time.Second)
	old, fresh := Sum([]byte("old")), Sum([]byte("fresh"))

	c.Add(old)
	clk.Advance(6 * time.Second)
	c.Add(fresh)
	c.Has(old) // old now sits in front of fresh
	clk.Advance(5 * time.Second)

	if n := c.Purge(); n != 1 {
		t.Fatalf("expected 1 purged entry, got %d", n)
	}
	if c.Has(old) || !c.Has(fresh) {
		t.Fatal("purge removed the wrong entry")
	}
}
