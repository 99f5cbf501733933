package ratelimit

import (
	"math"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

func (t *Tracker) bucketLocked(key string, now time.Time) *bucket {
	b := t.buckets[key]
	if b == nil {
		b = &bucket{tokens: t.cfg.BucketCapacity, last: now}
		t.buckets[key] = b
		return b
	}
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(t.cfg.BucketCapacity, b.tokens+elapsed.Minutes()*t.cfg.RefillPerMinute)
		b.last = now
	}
	return b
}

// Tokens returns the current balance for (accountKey, quotaKey)
func (t *Tracker) Tokens(accountKey, quotaKey string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucketLocked(stateKey(accountKey, quotaKey), t.clock.Now()).tokens
}

// HasTokens reports whether at least one token is available
func (t *Tracker) HasTokens(accountKey, quotaKey string) bool {
	return t.Tokens(accountKey, quotaKey) >= 1
}

// ConsumeToken takes one token if available
func (t *Tracker) ConsumeToken(accountKey, quotaKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketLocked(stateKey(accountKey, quotaKey), t.clock.Now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RefundToken gives back a token taken for an attempt that never reached upstream
func (t *Tracker) RefundToken(accountKey, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketLocked(stateKey(accountKey, quotaKey), t.clock.Now())
	b.tokens = math.Min(t.cfg.BucketCapacity, b.tokens+1)
}

// DrainBucket halves the balance after a rate-limit hit; it never increases it
func (t *Tracker) DrainBucket(accountKey, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucketLocked(stateKey(accountKey, quotaKey), t.clock.Now())
	b.tokens = math.Floor(b.tokens / 2)
}
