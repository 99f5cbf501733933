package ratelimit

import (
	"math"
	"time"
)

type backoffState struct {
	attempt  int
	lastAt   time.Time
	quotaKey string
}

// Backoff is the decision for one rate-limit hit
type Backoff struct {
	Attempt     int           `json:"attempt"`
	Delay       time.Duration `json:"delay"`
	IsDuplicate bool          `json:"isDuplicate"`
}

// RecordRateLimit computes the delay for a hit on (accountKey, quotaKey). serverRetryAfter
// is the upstream hint, or negative when absent. Hits inside the dedup window of the
// previous recorded hit return the same attempt without touching state.
func (t *Tracker) RecordRateLimit(accountKey, quotaKey string, serverRetryAfter time.Duration) Backoff {
	base := t.cfg.DefaultBase
	if serverRetryAfter >= 0 {
		base = serverRetryAfter.Truncate(time.Millisecond)
	}
	if base < 0 {
		base = 0
	}

	now := t.clock.Now()
	key := stateKey(accountKey, quotaKey)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.backoff[key]
	if prev != nil && now.Sub(prev.lastAt) < t.cfg.DedupWindow {
		return Backoff{
			Attempt:     prev.attempt,
			Delay:       t.delayFor(base, prev.attempt),
			IsDuplicate: true,
		}
	}

	attempt := 1
	if prev != nil && now.Sub(prev.lastAt) < t.cfg.ResetWindow {
		attempt = prev.attempt + 1
	}
	t.backoff[key] = &backoffState{attempt: attempt, lastAt: now, quotaKey: quotaKey}

	return Backoff{Attempt: attempt, Delay: t.delayFor(base, attempt)}
}

// ResetBackoff clears the backoff entry after a success
func (t *Tracker) ResetBackoff(accountKey, quotaKey string) {
	t.mu.Lock()
	delete(t.backoff, stateKey(accountKey, quotaKey))
	t.mu.Unlock()
}

// Attempt returns the current attempt counter (0 when none)
func (t *Tracker) Attempt(accountKey, quotaKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.backoff[stateKey(accountKey, quotaKey)]; st != nil {
		return st.attempt
	}
	return 0
}

func (t *Tracker) delayFor(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	scaled := float64(base) * math.Pow(2, float64(attempt-1))
	if scaled >= float64(t.cfg.MaxBackoff) {
		return t.cfg.MaxBackoff
	}
	delay := time.Duration(scaled)
	if delay < base {
		delay = base
	}
	return delay
}
