package security

import (
	"sync"
	"time"
)

// Decision is the shared result shape of both limiter strategies.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type SlidingWindowLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		hits:   map[string][]time.Time{},
	}
}

func (l *SlidingWindowLimiter) Allow(key string) Decision {
	if l.limit <= 0 {
		return Decision{Allowed: true}
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	arr := l.hits[key]
	kept := arr[:0]
	for _, t := range arr {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		// Oldest kept hit leaving the window frees a slot.
		return Decision{RetryAfter: l.window - now.Sub(kept[0])}
	}
	kept = append(kept, now)
	l.hits[key] = kept
	return Decision{Allowed: true}
}

// TokenBucketLimiter refills tokens proportionally to elapsed time up
// to capacity and consumes one token per allowed call.
type TokenBucketLimiter struct {
	capacity   float64
	refillRate float64 // tokens per second

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewTokenBucketLimiter(capacity int, refillPerSecond float64) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		capacity:   float64(capacity),
		refillRate: refillPerSecond,
		buckets:    map[string]*bucket{},
	}
}

func (l *TokenBucketLimiter) Allow(key string) Decision {
	if l.capacity <= 0 {
		return Decision{Allowed: true}
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.refillRate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) / l.refillRate * float64(time.Second))
		return Decision{RetryAfter: wait}
	}
	b.tokens--
	return Decision{Allowed: true}
}
