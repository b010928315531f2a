package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a refilling token bucket. Tokens accrue fractionally so slow
// rates still refill.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newBucket(rate, capacity, time.Now)
}

func newBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// full reports whether the bucket has refilled completely, meaning its
// state carries no history worth keeping.
func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	elapsed := tb.now().Sub(tb.lastRefill).Seconds()
	return tb.tokens+elapsed*tb.rate >= tb.capacity
}

// AcceptLimiter throttles incoming connections globally and per remote IP.
// A rate of 0 disables that limit.
type AcceptLimiter struct {
	mu     sync.Mutex
	global *TokenBucket
	perIP  map[string]*TokenBucket
	ipRate int
	burst  int
	now    func() time.Time
}

// NewAcceptLimiter creates a limiter; rates are connections per second and
// burst is the bucket capacity of every bucket.
func NewAcceptLimiter(globalRate, perIPRate, burst int) *AcceptLimiter {
	return newAcceptLimiter(globalRate, perIPRate, burst, time.Now)
}

func newAcceptLimiter(globalRate, perIPRate, burst int, now func() time.Time) *AcceptLimiter {
	al := &AcceptLimiter{
		perIP:  make(map[string]*TokenBucket),
		ipRate: perIPRate,
		burst:  burst,
		now:    now,
	}
	if globalRate > 0 {
		al.global = newBucket(globalRate, burst, now)
	}
	return al
}

// Allow reports whether a connection from ip may proceed. A nil limiter
// allows everything.
func (al *AcceptLimiter) Allow(ip string) bool {
	if al == nil {
		return true
	}
	if al.ipRate > 0 {
		al.mu.Lock()
		bucket, ok := al.perIP[ip]
		if !ok {
			bucket = newBucket(al.ipRate, al.burst, al.now)
			al.perIP[ip] = bucket
		}
		al.mu.Unlock()
		if !bucket.Allow() {
			return false
		}
	}
	if al.global != nil && !al.global.Allow() {
		return false
	}
	return true
}

// Prune drops per-IP buckets of addresses that are neither active nor still
// recovering from recent use, and returns how many were dropped.
func (al *AcceptLimiter) Prune(active map[string]bool) int {
	if al == nil {
		return 0
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	n := 0
	for ip, bucket := range al.perIP {
		if active[ip] || !bucket.full() {
			continue
		}
		delete(al.perIP, ip)
		n++
	}
	return n
}

// Tracked is the number of per-IP buckets held.
func (al *AcceptLimiter) Tracked() int {
	if al == nil {
		return 0
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.perIP)
}
