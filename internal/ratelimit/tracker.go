package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
)

// Config tunes the tracker
type Config struct {
	DedupWindow     time.Duration
	ResetWindow     time.Duration
	MaxBackoff      time.Duration
	DefaultBase     time.Duration
	BucketCapacity  float64
	RefillPerMinute float64
}

// DefaultConfig returns the stock windows: 2s dedup, 120s reset, 60s cap, bucket of 50
func DefaultConfig() Config {
	return Config{
		DedupWindow:     2 * time.Second,
		ResetWindow:     120 * time.Second,
		MaxBackoff:      60 * time.Second,
		DefaultBase:     time.Second,
		BucketCapacity:  50,
		RefillPerMinute: 6,
	}
}

// Tracker holds backoff, token bucket and health state per (account, quota key).
// Account keys are stable runtime ids so that removals never alias state.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	backoff map[string]*backoffState
	buckets map[string]*bucket
	health  map[string]*healthState
}

// NewTracker creates a tracker
func NewTracker(cfg Config, clk clock.Clock) *Tracker {
	def := DefaultConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = def.ResetWindow
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DefaultBase <= 0 {
		cfg.DefaultBase = def.DefaultBase
	}
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = def.BucketCapacity
	}
	if cfg.RefillPerMinute < 0 {
		cfg.RefillPerMinute = def.RefillPerMinute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clk,
		backoff: make(map[string]*backoffState),
		buckets: make(map[string]*bucket),
		health:  make(map[string]*healthState),
	}
}

func stateKey(accountKey, quotaKey string) string {
	return accountKey + ":" + quotaKey
}

// Forget drops every entry belonging to an account
func (t *Tracker) Forget(accountKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := accountKey + ":"
	for k := range t.backoff {
		if strings.HasPrefix(k, prefix) {
			delete(t.backoff, k)
		}
	}
	for k := range t.buckets {
		if strings.HasPrefix(k, prefix) {
			delete(t.buckets, k)
		}
	}
	for k := range t.health {
		if strings.HasPrefix(k, prefix) {
			delete(t.health, k)
		}
	}
}
