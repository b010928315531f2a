package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucket(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	bucket := newBucket(2, 5, clk.now) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	clk.advance(time.Second)
	if !bucket.Allow() || !bucket.Allow() {
		t.Error("Expected two requests to be allowed after one second")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}

	// half-second steps still add up to a token
	clk.advance(250 * time.Millisecond)
	if bucket.Allow() {
		t.Error("Expected request to be denied with half a token")
	}
	clk.advance(250 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("Expected fractional refill to accumulate")
	}
}

func TestTokenBucket_RealClock(t *testing.T) {
	bucket := NewTokenBucket(1, 1)
	if !bucket.Allow() {
		t.Fatal("Expected fresh bucket to allow")
	}
	if bucket.Allow() {
		t.Fatal("Expected empty bucket to deny")
	}
}

func TestAcceptLimiter_PerIP(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	al := newAcceptLimiter(0, 2, 3, clk.now)

	ip := "198.51.100.1"
	for i := 0; i < 3; i++ {
		if !al.Allow(ip) {
			t.Errorf("Expected connection %d to be allowed for %s", i, ip)
		}
	}
	if al.Allow(ip) {
		t.Error("Expected connection to be denied due to per-IP limit")
	}
	if !al.Allow("198.51.100.2") {
		t.Error("Expected connection to be allowed for a different IP")
	}
}

func TestAcceptLimiter_Global(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	al := newAcceptLimiter(2, 0, 2, clk.now)

	if !al.Allow("a") || !al.Allow("b") {
		t.Fatal("Expected the global burst to be allowed")
	}
	if al.Allow("c") {
		t.Error("Expected connection to be denied due to global limit")
	}
	if al.Tracked() != 0 {
		t.Errorf("Expected no per-IP buckets with per-IP limit disabled, got %d", al.Tracked())
	}
}

func TestAcceptLimiter_Disabled(t *testing.T) {
	al := NewAcceptLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		if !al.Allow("x") {
			t.Fatalf("Expected connection %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *AcceptLimiter
	if !nilLimiter.Allow("x") || nilLimiter.Prune(nil) != 0 {
		t.Fatal("nil limiter must allow everything")
	}
}

func TestAcceptLimiter_Prune(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	al := newAcceptLimiter(0, 1, 1, clk.now)

	al.Allow("active")
	al.Allow("idle")
	al.Allow("recent")

	// nothing has refilled yet, so only active entries are protected and the
	// others are still recovering
	if n := al.Prune(map[string]bool{"active": true}); n != 0 {
		t.Fatalf("Prune removed %d recovering buckets", n)
	}

	clk.advance(2 * time.Second)
	al.Allow("recent")
	n := al.Prune(map[string]bool{"active": true})
	if n != 1 {
		t.Fatalf("Prune removed %d, want 1", n)
	}
	if _, ok := al.perIP["idle"]; ok {
		t.Error("Expected idle bucket to be pruned")
	}
	if _, ok := al.perIP["active"]; !ok {
		t.Error("Expected active bucket to remain")
	}
	if _, ok := al.perIP["recent"]; !ok {
		t.Error("Expected recently used bucket to remain")
	}
}
