// Package ratelimit provides the token bucket used to bound inbound
// signaling message rates per relay connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so limiter behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoTokensPerToken = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) from a provided Clock.
//
// It uses fixed-point "nano-tokens" (1 token = 1e9 nano-tokens) to avoid
// float rounding; a rate of X tokens/sec refills X nano-tokens per elapsed
// nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: tokensToNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := tokensToNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	full := tokensToNano(b.capacity)
	need := full - b.available
	if need <= 0 {
		b.available = full
		return
	}
	// rate tokens/sec equals rate nano-tokens/ns, so elapsed*rate would
	// overflow long idle periods; clamp once enough time passed to fill.
	if elapsed >= need/b.rate {
		b.available = full
		return
	}
	b.available += elapsed * b.rate
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
