package ratelimit

import (
	"sync"
	"time"
)

const nanoPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) from an injected Clock.
//
// Accounting is done in fixed-point "nano-tokens" (1 token = 1e9 nano-tokens)
// to avoid float rounding: a rate of X tokens/sec refills X nano-tokens per
// nanosecond elapsed.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	availableNano int64
	last          time.Time
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
		clock:         clock,
		capacity:      capacity,
		rate:          rate,
		availableNano: tokensToNano(capacity),
		last:          clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capacityNano := tokensToNano(b.capacity)
	if b.availableNano >= capacityNano {
		b.availableNano = capacityNano
		return
	}

	need := capacityNano - b.availableNano
	elapsedNanos := elapsed.Nanoseconds()

	// Overflow guard on elapsedNanos*rate: if enough time has passed to fill
	// the bucket, clamp straight to capacity.
	maxElapsedToFill := need / b.rate
	if maxElapsedToFill <= 0 || elapsedNanos >= maxElapsedToFill {
		b.availableNano = capacityNano
		return
	}

	b.availableNano += elapsedNanos * b.rate
	if b.availableNano > capacityNano {
		b.availableNano = capacityNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
