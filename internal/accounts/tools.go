package accounts

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/antigravity/codex-proxy/internal/identity"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/antigravity/codex-proxy/internal/storage"
	"go.uber.org/zap"
)

// Refresher refreshes a token; oauth.Client satisfies it
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) oauth.TokenResult
}

// FileStore is the file-level persistence used by export and import
type FileStore interface {
	BackupAccounts(ctx context.Context, prefix string) (string, error)
	ExportAccounts(ctx context.Context, s *models.AccountStorage, dest string, force bool) error
	ReadImportFile(src string) (*models.AccountStorage, error)
}

// UsageReader reads per-account usage aggregates
type UsageReader interface {
	AllAccountUsage() (map[string]storage.AccountUsage, error)
}

// AccountView is the list/status rendering of one account
type AccountView struct {
	Index            int                   `json:"index"`
	Active           bool                  `json:"active"`
	Email            string                `json:"email,omitempty"`
	AccountID        string                `json:"accountId,omitempty"`
	OrganizationID   string                `json:"organizationId,omitempty"`
	Label            string                `json:"label,omitempty"`
	Source           models.AccountIDSource `json:"source,omitempty"`
	Enabled          bool                  `json:"enabled"`
	Tags             []string              `json:"tags,omitempty"`
	Note             string                `json:"note,omitempty"`
	AddedAt          int64                 `json:"addedAt"`
	LastUsed         int64                 `json:"lastUsed"`
	LastSwitchReason models.SwitchReason   `json:"lastSwitchReason,omitempty"`
	CoolingDownUntil int64                 `json:"coolingDownUntil,omitempty"`
	CooldownReason   models.CooldownReason `json:"cooldownReason,omitempty"`
	AuthFailures     int                   `json:"authFailures,omitempty"`
	ResetTimes       map[string]int64      `json:"rateLimitResetTimes,omitempty"`
	HasAccessToken   bool                  `json:"hasAccessToken"`
}

// List renders every account
func (m *Manager) List() []AccountView {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := m.clock.Now().UnixMilli()
	out := make([]AccountView, len(m.accounts))
	for i, acc := range m.accounts {
		c := acc.Clone()
		c.PruneResetTimes(nowMs)
		out[i] = AccountView{
			Index:            i,
			Active:           i == m.activeIndex,
			Email:            c.Email,
			AccountID:        c.AccountID,
			OrganizationID:   c.OrganizationID,
			Label:            c.AccountLabel,
			Source:           c.AccountIDSource,
			Enabled:          c.IsEnabled(),
			Tags:             c.AccountTags,
			Note:             c.AccountNote,
			AddedAt:          c.AddedAt,
			LastUsed:         c.LastUsed,
			LastSwitchReason: c.LastSwitchReason,
			AuthFailures:     c.ConsecutiveAuthFailures,
			ResetTimes:       c.RateLimitResetTimes,
			HasAccessToken:   c.Access != "" && c.Expires > nowMs,
		}
		if c.IsCoolingDown(nowMs) {
			out[i].CoolingDownUntil = c.CoolingDownUntil
			out[i].CooldownReason = c.CooldownReason
		}
	}
	return out
}

// StatusReport summarizes the pool
type StatusReport struct {
	Total          int                      `json:"total"`
	Enabled        int                      `json:"enabled"`
	ActiveIndex    int                      `json:"activeIndex"`
	FamilyIndexes  map[string]int           `json:"activeIndexByFamily"`
	Strategy       Strategy                 `json:"strategy"`
	Eligibility    map[string][]Explanation `json:"eligibility"`
	ForcedAccount  string                   `json:"forcedAccount,omitempty"`
	LastSaveFailed bool                     `json:"lastSaveFailed"`
}

// Status reports cursors and per-family eligibility
func (m *Manager) Status() StatusReport {
	views := m.List()
	report := StatusReport{
		Total:         len(views),
		Strategy:      m.opts.Strategy,
		ForcedAccount: m.opts.ForcedAccount,
		FamilyIndexes: make(map[string]int),
		Eligibility:   make(map[string][]Explanation),
	}
	for _, v := range views {
		if v.Enabled {
			report.Enabled++
		}
	}
	report.ActiveIndex = m.ActiveIndex()
	for _, family := range models.ModelFamilies {
		report.FamilyIndexes[family] = m.ActiveIndexFor(family)
		report.Eligibility[family] = m.Explain(family, "")
	}
	report.LastSaveFailed = m.LastSaveError() != nil
	return report
}

// HealthView is the per-family health of one account
type HealthView struct {
	Index  int                `json:"index"`
	Email  string             `json:"email,omitempty"`
	Health map[string]float64 `json:"health"`
	Tokens map[string]float64 `json:"tokens"`
}

// Health reports health scores and bucket balances
func (m *Manager) Health() []HealthView {
	accs := m.Accounts()
	out := make([]HealthView, len(accs))
	for i, acc := range accs {
		key := TrackerKey(acc.UID)
		v := HealthView{
			Index:  i,
			Email:  acc.Email,
			Health: make(map[string]float64, len(models.ModelFamilies)),
			Tokens: make(map[string]float64, len(models.ModelFamilies)),
		}
		for _, family := range models.ModelFamilies {
			v.Health[family] = m.tracker.Health(key, family)
			v.Tokens[family] = m.tracker.Tokens(key, family)
		}
		out[i] = v
	}
	return out
}

// MetricsView joins an account with its usage aggregate
type MetricsView struct {
	Index int                  `json:"index"`
	Email string               `json:"email,omitempty"`
	Usage storage.AccountUsage `json:"usage"`
}

// Metrics joins pool order with usage aggregates (keyed by identity key)
func (m *Manager) Metrics(usage UsageReader) ([]MetricsView, error) {
	all, err := usage.AllAccountUsage()
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	accs := m.Accounts()
	out := make([]MetricsView, 0, len(accs))
	for i, acc := range accs {
		out = append(out, MetricsView{Index: i, Email: acc.Email, Usage: all[acc.IdentityKey()]})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Usage.Requests > out[b].Usage.Requests })
	return out, nil
}

// RefreshAccount refreshes the account at index. An invalid_grant failure flags the account.
func (m *Manager) RefreshAccount(ctx context.Context, index int, r Refresher) (oauth.TokenResult, error) {
	acc, err := m.Get(index)
	if err != nil {
		return oauth.TokenResult{}, err
	}
	used := acc.RefreshToken
	res := r.Refresh(ctx, used)
	if !res.OK() {
		if cur, _, ok := m.Lookup(acc.UID); ok && cur.RefreshToken != used {
			return res, fmt.Errorf("refresh token was rotated concurrently: %s", res.Describe())
		}
		m.IncrementAuthFailures(acc.UID)
		if res.IsInvalidGrant() {
			if _, ferr := m.FlagAccount(ctx, acc.UID, FlagReasonInvalidGrant, res.Message); ferr != nil {
				m.logger.Warn("Failed to flag account", zap.Error(ferr))
			}
		}
		return res, fmt.Errorf("refresh failed: %s", res.Describe())
	}
	m.ApplyRefresh(used, res)
	if _, _, ok := m.Lookup(acc.UID); !ok {
		return res, ErrAccountGone
	}
	m.ClearAuthFailures(acc.UID)
	return res, nil
}

// Export writes the pool to dest
func (m *Manager) Export(ctx context.Context, fs FileStore, dest string, force bool) (int, error) {
	snap := m.Snapshot()
	if err := fs.ExportAccounts(ctx, snap, dest, force); err != nil {
		return 0, err
	}
	return len(snap.Accounts), nil
}

// ImportResult reports what an import changed
type ImportResult struct {
	Imported   int    `json:"imported"`
	Added      int    `json:"added"`
	Total      int    `json:"total"`
	BackupPath string `json:"backupPath,omitempty"`
}

// Import merges the accounts in src into the pool after an optional backup
func (m *Manager) Import(ctx context.Context, fs FileStore, src string, mode storage.BackupMode) (ImportResult, error) {
	incoming, err := fs.ReadImportFile(src)
	if err != nil {
		return ImportResult{}, err
	}

	var res ImportResult
	if mode != storage.BackupNone {
		if err := m.FlushPendingSave(ctx); err != nil {
			m.logger.Warn("Failed to flush before backup", zap.Error(err))
		}
		path, err := fs.BackupAccounts(ctx, "codex-accounts-pre-import")
		if err != nil {
			if mode == storage.BackupRequired {
				return res, fmt.Errorf("pre-import backup failed: %w", err)
			}
			m.logger.Warn("Pre-import backup failed, continuing", zap.Error(err))
		}
		res.BackupPath = path
	}

	res.Imported = len(incoming.Accounts)
	before, after := m.Merge(incoming.Accounts)
	res.Added = after - before
	res.Total = after
	return res, m.Save(ctx)
}

// Merge adds accounts, deduplicating by identity key. Accounts already in the pool keep
// their runtime state. It returns the pool size before and after.
func (m *Manager) Merge(incoming []models.Account) (before, after int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before = len(m.accounts)

	snap := m.snapshotLocked()
	snap.Accounts = append(snap.Accounts, incoming...)
	merged := identity.NormalizeStorage(snap)

	byKey := make(map[string]*models.Account, len(m.accounts))
	for _, acc := range m.accounts {
		byKey[acc.IdentityKey()] = acc
	}
	next := make([]*models.Account, 0, len(merged.Accounts))
	for i := range merged.Accounts {
		acc := merged.Accounts[i].Clone()
		if prev, ok := byKey[acc.IdentityKey()]; ok {
			acc.UID = prev.UID
			if prev.RefreshToken == acc.RefreshToken {
				acc.Access = prev.Access
				acc.Expires = prev.Expires
			}
			acc.LastToastAt = prev.LastToastAt
		} else {
			m.nextUID++
			acc.UID = m.nextUID
		}
		next = append(next, &acc)
	}
	m.accounts = next
	m.activeIndex = merged.ActiveIndex
	for k, v := range merged.ActiveIndexByFamily {
		m.activeByFamily[k] = v
	}
	m.schedulePersistLocked()
	return before, len(m.accounts)
}

// IsNoEligible unwraps a NoEligibleError
func IsNoEligible(err error) (*NoEligibleError, bool) {
	var ne *NoEligibleError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}
