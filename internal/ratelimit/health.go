package ratelimit

import (
	"math"
	"time"
)

// 健康分参数
const (
	healthInitial      = 70.0
	healthMax          = 100.0
	healthSuccessGain  = 1.0
	healthRateLimitHit = 10.0
	healthFailureHit   = 20.0
	healthRecoveryHour = 2.0
)

type healthState struct {
	score float64
	last  time.Time
}

func (t *Tracker) healthLocked(key string, now time.Time) *healthState {
	h := t.health[key]
	if h == nil {
		h = &healthState{score: healthInitial, last: now}
		t.health[key] = h
		return h
	}
	if elapsed := now.Sub(h.last); elapsed > 0 {
		h.score = math.Min(healthMax, h.score+elapsed.Hours()*healthRecoveryHour)
		h.last = now
	}
	return h
}

// Health returns the score in [0, 100]
func (t *Tracker) Health(accountKey, quotaKey string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthLocked(stateKey(accountKey, quotaKey), t.clock.Now()).score
}

// RecordSuccess raises the score and clears the backoff entry
func (t *Tracker) RecordSuccess(accountKey, quotaKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stateKey(accountKey, quotaKey)
	h := t.healthLocked(key, t.clock.Now())
	h.score = math.Min(healthMax, h.score+healthSuccessGain)
	delete(t.backoff, key)
}

// RecordRateLimitHealth lowers the score after a 429
func (t *Tracker) RecordRateLimitHealth(accountKey, quotaKey string) {
	t.adjust(accountKey, quotaKey, -healthRateLimitHit)
}

// RecordFailure lowers the score after a network or server failure
func (t *Tracker) RecordFailure(accountKey, quotaKey string) {
	t.adjust(accountKey, quotaKey, -healthFailureHit)
}

func (t *Tracker) adjust(accountKey, quotaKey string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.healthLocked(stateKey(accountKey, quotaKey), t.clock.Now())
	h.score = math.Max(0, math.Min(healthMax, h.score+delta))
}
