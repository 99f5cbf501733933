package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"go.etcd.io/bbolt"
)

const (
	bucketUsageRequests = "usage_requests"
	bucketAccountUsage  = "account_usage"
)

// 请求结果分类
const (
	OutcomeSuccess      = "success"
	OutcomeRateLimited  = "rate_limited"
	OutcomeAuthFailed   = "auth_failed"
	OutcomeEntitlement  = "entitlement"
	OutcomeUnsupported  = "unsupported_model"
	OutcomeServerError  = "server_error"
	OutcomeNetworkError = "network_error"
	OutcomeClientError  = "client_error"
	OutcomeNoAccounts   = "no_accounts"
)

// UsageRecord is one terminal pipeline outcome
type UsageRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	AccountKey string    `json:"account_key"`
	Email      string    `json:"email,omitempty"`
	Model      string    `json:"model,omitempty"`
	Family     string    `json:"family,omitempty"`
	Status     int       `json:"status"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	LatencyMs  int64     `json:"latency_ms"`
}

// AccountUsage aggregates records for one account
type AccountUsage struct {
	AccountKey     string    `json:"account_key"`
	Email          string    `json:"email,omitempty"`
	Requests       int64     `json:"requests"`
	Successes      int64     `json:"successes"`
	RateLimited    int64     `json:"rate_limited"`
	Failures       int64     `json:"failures"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	LastStatus     int       `json:"last_status"`
	LastUsedAt     time.Time `json:"last_used_at"`
}

// AvgLatencyMs returns the mean latency over all requests
func (u AccountUsage) AvgLatencyMs() int64 {
	if u.Requests == 0 {
		return 0
	}
	return u.TotalLatencyMs / u.Requests
}

// UsageStore handles usage statistics persistence in a bbolt database
type UsageStore struct {
	db        *bbolt.DB
	clock     clock.Clock
	retention time.Duration

	mu        sync.Mutex
	nextPrune time.Time
}

// NewUsageStore opens (or creates) the usage database
func NewUsageStore(path string, retentionDays int, clk clock.Clock) (*UsageStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if clk == nil {
		clk = clock.Real()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, newStorageError("open", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketUsageRequests)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketAccountUsage)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init usage buckets: %w", err)
	}
	return &UsageStore{
		db:        db,
		clock:     clk,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		nextPrune: clk.Now().Add(time.Hour),
	}, nil
}

// Close closes the database
func (s *UsageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores one outcome and updates the per-account aggregate
func (s *UsageStore) Record(u UsageRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = s.clock.Now()
	}
	if u.AccountKey == "" {
		u.AccountKey = "unknown"
	}
	// 时间戳在前，按时间顺序排列便于清理
	key := fmt.Sprintf("%020d|%s", u.Timestamp.UnixNano(), u.AccountKey)
	if u.RequestID != "" {
		key += "|" + u.RequestID
	}
	val, err := json.Marshal(u)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketUsageRequests)).Put([]byte(key), val); err != nil {
			return err
		}
		b := tx.Bucket([]byte(bucketAccountUsage))
		var agg AccountUsage
		if raw := b.Get([]byte(u.AccountKey)); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		agg.AccountKey = u.AccountKey
		if u.Email != "" {
			agg.Email = u.Email
		}
		agg.Requests++
		switch u.Outcome {
		case OutcomeSuccess:
			agg.Successes++
		case OutcomeRateLimited:
			agg.RateLimited++
		default:
			agg.Failures++
		}
		agg.TotalLatencyMs += u.LatencyMs
		agg.LastStatus = u.Status
		agg.LastUsedAt = u.Timestamp
		enc, err := json.Marshal(&agg)
		if err != nil {
			return err
		}
		return b.Put([]byte(u.AccountKey), enc)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	due := s.clock.Now().After(s.nextPrune)
	if due {
		s.nextPrune = s.clock.Now().Add(time.Hour)
	}
	s.mu.Unlock()
	if due {
		s.Prune()
	}
	return nil
}

// Prune deletes request records older than the retention window
func (s *UsageStore) Prune() {
	cutoff := s.clock.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsageRequests))
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts, err := timeFromKey(string(k))
			if err != nil {
				continue
			}
			if !ts.Before(cutoff) {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// AccountUsage returns the aggregate for one account
func (s *UsageStore) AccountUsage(accountKey string) (AccountUsage, error) {
	var out AccountUsage
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket([]byte(bucketAccountUsage)).Get([]byte(accountKey)); raw != nil {
			return json.Unmarshal(raw, &out)
		}
		return nil
	})
	return out, err
}

// AllAccountUsage returns every aggregate keyed by account
func (s *UsageStore) AllAccountUsage() (map[string]AccountUsage, error) {
	out := make(map[string]AccountUsage)
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAccountUsage)).ForEach(func(k, v []byte) error {
			var agg AccountUsage
			if err := json.Unmarshal(v, &agg); err != nil {
				return nil
			}
			out[string(k)] = agg
			return nil
		})
	})
	return out, err
}

// Recent returns up to limit records, newest first
func (s *UsageStore) Recent(limit int) ([]UsageRecord, error) {
	var out []UsageRecord
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketUsageRequests)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec UsageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func timeFromKey(key string) (time.Time, error) {
	tsPart, _, _ := strings.Cut(key, "|")
	n, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
