package accounts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/identity"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/ratelimit"
	"go.uber.org/zap"
)

// Strategy selects how an account is picked per request
type Strategy string

const (
	StrategyHybrid     Strategy = "hybrid"
	StrategyRoundRobin Strategy = "round-robin"
)

// Store is the persistence the manager writes through
type Store interface {
	LoadAccounts(ctx context.Context) (*models.AccountStorage, error)
	SaveAccounts(ctx context.Context, s *models.AccountStorage) error
	LoadFlagged(ctx context.Context) (*models.FlaggedAccountStorage, error)
	SaveFlagged(ctx context.Context, s *models.FlaggedAccountStorage) error
}

// Observer is told whenever a different account becomes active for a family.
// It is called with the pool locked and must not call back into the Manager.
type Observer interface {
	NotifyAccountSelected(index int, reason models.SwitchReason)
}

// FallbackAuth is an externally supplied credential merged into the pool on load
type FallbackAuth struct {
	Access    string
	Refresh   string
	Expires   int64
	AccountID string
	Email     string
}

// Options configures the manager
type Options struct {
	Strategy             Strategy
	PersistDebounce      time.Duration
	ToastDebounce        time.Duration
	AuthFailureThreshold int
	AuthFailureCooldown  time.Duration
	// ForcedAccount pins selection to the account whose accountId, organizationId or email matches
	ForcedAccount string
	Fallback      *FallbackAuth
}

func (o *Options) setDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyHybrid
	}
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = 400 * time.Millisecond
	}
	if o.ToastDebounce <= 0 {
		o.ToastDebounce = time.Minute
	}
	if o.AuthFailureThreshold <= 0 {
		o.AuthFailureThreshold = 3
	}
	if o.AuthFailureCooldown <= 0 {
		o.AuthFailureCooldown = 5 * time.Minute
	}
}

// Manager is the authoritative in-memory account pool
type Manager struct {
	mu             sync.Mutex
	accounts       []*models.Account
	activeIndex    int
	activeByFamily map[string]int
	nextUID        uint64

	opts      Options
	store     Store
	tracker   *ratelimit.Tracker
	clock     clock.Clock
	logger    *zap.Logger
	observers []Observer

	saveMu    sync.Mutex
	saveTimer *time.Timer
	saveErr   error
}

// NewManager creates an empty manager; call Load to seed it from the store
func NewManager(store Store, tracker *ratelimit.Tracker, clk clock.Clock, logger *zap.Logger, opts Options) *Manager {
	opts.setDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = ratelimit.NewTracker(ratelimit.DefaultConfig(), clk)
	}
	return &Manager{
		activeByFamily: make(map[string]int),
		opts:           opts,
		store:          store,
		tracker:        tracker,
		clock:          clk,
		logger:         logger,
	}
}

// Load seeds the pool from disk and merges the fallback credential if configured
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = nil
	m.activeByFamily = make(map[string]int)
	m.activeIndex = 0
	if stored != nil {
		m.replaceLocked(identity.NormalizeStorage(stored))
	}

	if fb := m.opts.Fallback; fb != nil && fb.Refresh != "" {
		if m.mergeFallbackLocked(fb) {
			m.schedulePersistLocked()
		}
	}

	m.logger.Info("Account pool loaded",
		zap.Int("accounts", len(m.accounts)),
		zap.Int("active_index", m.activeIndex))
	return nil
}

// Subscribe registers an observer
func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Tracker exposes the rate-limit tracker shared with the pipeline
func (m *Manager) Tracker() *ratelimit.Tracker { return m.tracker }

// Count returns the pool size
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Accounts returns snapshots of every account in pool order
func (m *Manager) Accounts() []models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Account, len(m.accounts))
	for i, acc := range m.accounts {
		out[i] = acc.Clone()
	}
	return out
}

// Get returns a snapshot of the account at index
func (m *Manager) Get(index int) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return models.Account{}, ErrIndexOutOfRange
	}
	return m.accounts[index].Clone(), nil
}

// IndexOf returns the current position of an account, or -1
func (m *Manager) IndexOf(uid uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexLocked(uid)
}

// Lookup returns a snapshot of the account with the given runtime id and its position
func (m *Manager) Lookup(uid uint64) (models.Account, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, idx := m.byUIDLocked(uid)
	if acc == nil {
		return models.Account{}, -1, false
	}
	return acc.Clone(), idx, true
}

// ActiveIndex returns the global active index
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeIndex
}

// ActiveIndexFor returns the cursor for a family, falling back to the global index
func (m *Manager) ActiveIndexFor(family string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.familyIndexLocked(family)
}

// Snapshot returns the persisted form of the pool
func (m *Manager) Snapshot() *models.AccountStorage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() *models.AccountStorage {
	s := &models.AccountStorage{
		Version:     models.AccountStorageVersion,
		Accounts:    make([]models.Account, len(m.accounts)),
		ActiveIndex: m.activeIndex,
	}
	nowMs := m.clock.Now().UnixMilli()
	for i, acc := range m.accounts {
		c := acc.Clone()
		c.PruneResetTimes(nowMs)
		s.Accounts[i] = c
	}
	if len(m.activeByFamily) > 0 {
		s.ActiveIndexByFamily = make(map[string]int, len(m.activeByFamily))
		for k, v := range m.activeByFamily {
			s.ActiveIndexByFamily[k] = v
		}
	}
	return s
}

func (m *Manager) replaceLocked(s *models.AccountStorage) {
	m.accounts = make([]*models.Account, 0, len(s.Accounts))
	for i := range s.Accounts {
		acc := s.Accounts[i].Clone()
		m.nextUID++
		acc.UID = m.nextUID
		m.accounts = append(m.accounts, &acc)
	}
	m.activeIndex = identity.ClampIndex(s.ActiveIndex, len(m.accounts))
	m.activeByFamily = make(map[string]int, len(s.ActiveIndexByFamily))
	for k, v := range s.ActiveIndexByFamily {
		m.activeByFamily[k] = identity.ClampIndex(v, len(m.accounts))
	}
}

// mergeFallbackLocked matches by accountId, then email; unmatched credentials are appended
func (m *Manager) mergeFallbackLocked(fb *FallbackAuth) bool {
	accountID := fb.AccountID
	if accountID == "" {
		accountID = identity.AccountIDFromToken(fb.Access)
	}
	email := strings.ToLower(strings.TrimSpace(fb.Email))
	if email == "" {
		email = identity.ExtractEmail(fb.Access, "")
	}

	var target *models.Account
	if accountID != "" {
		for _, acc := range m.accounts {
			if acc.AccountID == accountID {
				target = acc
				break
			}
		}
	}
	if target == nil && email != "" {
		for _, acc := range m.accounts {
			if acc.Email == email {
				target = acc
				break
			}
		}
	}

	if target != nil {
		changed := target.RefreshToken != fb.Refresh
		target.RefreshToken = fb.Refresh
		target.Access = fb.Access
		target.Expires = fb.Expires
		return changed
	}

	now := m.clock.Now().UnixMilli()
	m.nextUID++
	m.accounts = append(m.accounts, &models.Account{
		UID:             m.nextUID,
		AccountID:       accountID,
		AccountIDSource: models.SourceToken,
		Email:           email,
		RefreshToken:    fb.Refresh,
		Access:          fb.Access,
		Expires:         fb.Expires,
		AddedAt:         now,
		LastUsed:        now,
	})
	return true
}

func (m *Manager) indexLocked(uid uint64) int {
	for i, acc := range m.accounts {
		if acc.UID == uid {
			return i
		}
	}
	return -1
}

func (m *Manager) byUIDLocked(uid uint64) (*models.Account, int) {
	i := m.indexLocked(uid)
	if i < 0 {
		return nil, -1
	}
	return m.accounts[i], i
}

func (m *Manager) familyIndexLocked(family string) int {
	if idx, ok := m.activeByFamily[family]; ok {
		return identity.ClampIndex(idx, len(m.accounts))
	}
	return identity.ClampIndex(m.activeIndex, len(m.accounts))
}

// TrackerKey is the rate-limit tracker key of an account
func TrackerKey(uid uint64) string {
	return fmt.Sprintf("%d", uid)
}
