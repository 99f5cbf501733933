package accounts

import (
	"fmt"
	"time"

	"github.com/antigravity/codex-proxy/internal/identity"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"go.uber.org/zap"
)

// MarkRateLimited sets the family and family:model reset times, drains the token bucket and
// lowers health. Existing later reset times are never lowered.
func (m *Manager) MarkRateLimited(uid uint64, delay time.Duration, family, reason, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, idx := m.byUIDLocked(uid)
	if acc == nil {
		return
	}
	resetAt := m.clock.Now().Add(delay).UnixMilli()
	if acc.RateLimitResetTimes == nil {
		acc.RateLimitResetTimes = make(map[string]int64)
	}
	keys := []string{family}
	if model != "" {
		keys = append(keys, models.QuotaKey(family, model))
	}
	for _, k := range keys {
		if acc.RateLimitResetTimes[k] < resetAt {
			acc.RateLimitResetTimes[k] = resetAt
		}
	}

	key := TrackerKey(uid)
	m.tracker.DrainBucket(key, family)
	m.tracker.RecordRateLimitHealth(key, family)

	m.logger.Warn("Account rate-limited",
		zap.Int("account", idx),
		zap.String("email", acc.Email),
		zap.String("family", family),
		zap.String("model", model),
		zap.String("reason", reason),
		zap.Duration("delay", delay))
	m.schedulePersistLocked()
}

// MarkCoolingDown excludes the account for d
func (m *Manager) MarkCoolingDown(uid uint64, d time.Duration, reason models.CooldownReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, idx := m.byUIDLocked(uid)
	if acc == nil {
		return
	}
	until := m.clock.Now().Add(d).UnixMilli()
	if until > acc.CoolingDownUntil {
		acc.CoolingDownUntil = until
	}
	acc.CooldownReason = reason
	m.logger.Warn("Account cooling down",
		zap.Int("account", idx),
		zap.String("email", acc.Email),
		zap.String("reason", string(reason)),
		zap.Duration("duration", d))
	m.schedulePersistLocked()
}

// ClearCooldown removes any cooldown
func (m *Manager) ClearCooldown(uid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, _ := m.byUIDLocked(uid)
	if acc == nil || (acc.CoolingDownUntil == 0 && acc.CooldownReason == "") {
		return
	}
	acc.CoolingDownUntil = 0
	acc.CooldownReason = ""
	m.schedulePersistLocked()
}

// IncrementAuthFailures counts a failed refresh. Reaching the threshold starts an
// auth-failure cooldown; cooled reports whether that happened.
func (m *Manager) IncrementAuthFailures(uid uint64) (count int, cooled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, idx := m.byUIDLocked(uid)
	if acc == nil {
		return 0, false
	}
	acc.ConsecutiveAuthFailures++
	count = acc.ConsecutiveAuthFailures
	if count >= m.opts.AuthFailureThreshold {
		acc.CoolingDownUntil = m.clock.Now().Add(m.opts.AuthFailureCooldown).UnixMilli()
		acc.CooldownReason = models.CooldownAuthFailure
		cooled = true
		m.logger.Warn("Account reached auth failure threshold",
			zap.Int("account", idx),
			zap.String("email", acc.Email),
			zap.Int("failures", count),
			zap.Duration("cooldown", m.opts.AuthFailureCooldown))
	}
	m.schedulePersistLocked()
	return count, cooled
}

// ClearAuthFailures resets the counter and lifts an auth-failure cooldown
func (m *Manager) ClearAuthFailures(uid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, _ := m.byUIDLocked(uid)
	if acc == nil || acc.ConsecutiveAuthFailures == 0 {
		return
	}
	acc.ConsecutiveAuthFailures = 0
	if acc.CooldownReason == models.CooldownAuthFailure {
		acc.CoolingDownUntil = 0
		acc.CooldownReason = ""
	}
	m.schedulePersistLocked()
}

// UpdateFromAuth stores refreshed tokens. accountId only follows the token when the
// binding source allows it.
func (m *Manager) UpdateFromAuth(uid uint64, res oauth.TokenResult) error {
	if !res.OK() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, _ := m.byUIDLocked(uid)
	if acc == nil {
		return ErrAccountGone
	}
	applyAuthLocked(acc, res)
	m.schedulePersistLocked()
	return nil
}

// ApplyRefresh stores a refresh result on every account that still holds usedRefresh.
// Accounts that already moved to a newer token or a later expiry are left alone, so a
// late or repeated apply never rolls a rotated token back. It returns how many changed.
func (m *Manager) ApplyRefresh(usedRefresh string, res oauth.TokenResult) int {
	if !res.OK() || usedRefresh == "" {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, acc := range m.accounts {
		if acc.RefreshToken != usedRefresh || acc.Expires > res.Expires {
			continue
		}
		applyAuthLocked(acc, res)
		n++
	}
	if n > 0 {
		m.schedulePersistLocked()
	}
	return n
}

func applyAuthLocked(acc *models.Account, res oauth.TokenResult) {
	if res.Refresh != "" {
		acc.RefreshToken = res.Refresh
	}
	acc.Access = res.Access
	acc.Expires = res.Expires

	if identity.ShouldUpdateAccountIDFromToken(acc.AccountIDSource, acc.AccountID) {
		if id := identity.AccountIDFromToken(res.Access); id != "" {
			acc.AccountID = id
			if acc.AccountIDSource == "" {
				acc.AccountIDSource = models.SourceToken
			}
		}
	}
	if acc.Email == "" {
		acc.Email = identity.ExtractEmail(res.Access, res.IDToken)
	}
}

// InvalidateAccess drops the cached access token so the next attempt refreshes
func (m *Manager) InvalidateAccess(uid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, _ := m.byUIDLocked(uid); acc != nil {
		acc.Access = ""
		acc.Expires = 0
	}
}

// MarkUsed records a request on the account
func (m *Manager) MarkUsed(uid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, _ := m.byUIDLocked(uid); acc != nil {
		acc.LastUsed = m.clock.Now().UnixMilli()
		m.schedulePersistLocked()
	}
}

// ConsumeToken takes one bucket token for the family
func (m *Manager) ConsumeToken(uid uint64, family string) bool {
	return m.tracker.ConsumeToken(TrackerKey(uid), family)
}

// RecordSuccess raises health and clears backoff for the family
func (m *Manager) RecordSuccess(uid uint64, family string) {
	m.tracker.RecordSuccess(TrackerKey(uid), family)
	m.MarkUsed(uid)
}

// RecordFailure lowers health for the family
func (m *Manager) RecordFailure(uid uint64, family string) {
	m.tracker.RecordFailure(TrackerKey(uid), family)
	m.mu.Lock()
	m.schedulePersistLocked()
	m.mu.Unlock()
}

// SetActiveIndex makes index the active account for every family
func (m *Manager) SetActiveIndex(index int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.accounts) == 0 {
		return 0, ErrNoAccounts
	}
	index = identity.ClampIndex(index, len(m.accounts))
	m.activeIndex = index
	for _, family := range models.ModelFamilies {
		m.activeByFamily[family] = index
	}
	m.accounts[index].LastSwitchReason = models.SwitchRotation
	m.notifyLocked(index, models.SwitchRotation)
	m.schedulePersistLocked()
	return index, nil
}

// RemoveAccount removes the account at index and remaps every cursor:
// an index a becomes a if a < index, else max(0, a-1).
func (m *Manager) RemoveAccount(index int) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(index)
}

func (m *Manager) removeLocked(index int) (models.Account, error) {
	if index < 0 || index >= len(m.accounts) {
		return models.Account{}, ErrIndexOutOfRange
	}
	removed := m.accounts[index]
	m.accounts = append(m.accounts[:index], m.accounts[index+1:]...)

	n := len(m.accounts)
	m.activeIndex = identity.ClampIndex(RemapIndex(m.activeIndex, index), n)
	for family, a := range m.activeByFamily {
		m.activeByFamily[family] = identity.ClampIndex(RemapIndex(a, index), n)
	}
	m.tracker.Forget(TrackerKey(removed.UID))
	m.schedulePersistLocked()
	return removed.Clone(), nil
}

// RemapIndex is the cursor position after removing position p
func RemapIndex(a, p int) int {
	if a < p {
		return a
	}
	if a-1 < 0 {
		return 0
	}
	return a - 1
}

// SetEnabled toggles an account
func (m *Manager) SetEnabled(index int, enabled bool) (models.Account, error) {
	return m.mutateIndex(index, func(acc *models.Account) {
		acc.SetEnabled(enabled)
	})
}

// SetTags replaces the tag list
func (m *Manager) SetTags(index int, tags []string) (models.Account, error) {
	return m.mutateIndex(index, func(acc *models.Account) {
		acc.AccountTags = models.NormalizeTags(tags)
	})
}

// SetNote replaces the note
func (m *Manager) SetNote(index int, note string) (models.Account, error) {
	return m.mutateIndex(index, func(acc *models.Account) {
		acc.AccountNote = models.NormalizeNote(note)
	})
}

func (m *Manager) mutateIndex(index int, fn func(*models.Account)) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.accounts) {
		return models.Account{}, ErrIndexOutOfRange
	}
	fn(m.accounts[index])
	m.schedulePersistLocked()
	return m.accounts[index].Clone(), nil
}

// ShouldNotify debounces per-account user notices. It returns true at most once per
// toast interval and records the time when it does.
func (m *Manager) ShouldNotify(uid uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, _ := m.byUIDLocked(uid)
	if acc == nil {
		return false
	}
	now := m.clock.Now().UnixMilli()
	if acc.LastToastAt != 0 && now-acc.LastToastAt < m.opts.ToastDebounce.Milliseconds() {
		return false
	}
	acc.LastToastAt = now
	return true
}

// AddFromOAuth binds a freshly minted token to the best candidate and upserts it.
// It returns the account's index.
func (m *Manager) AddFromOAuth(res oauth.TokenResult, chosen *identity.Candidate) (int, error) {
	if !res.OK() {
		return -1, fmt.Errorf("cannot add account from failed token result: %s", res.Describe())
	}
	now := m.clock.Now().UnixMilli()
	acc := models.Account{
		RefreshToken: res.Refresh,
		Email:        identity.ExtractEmail(res.Access, res.IDToken),
		AddedAt:      now,
		LastUsed:     now,
		Access:       res.Access,
		Expires:      res.Expires,
	}
	if chosen == nil {
		if best, ok := identity.SelectBest(identity.Candidates(res.Access, res.IDToken)); ok {
			chosen = &best
		}
	}
	if chosen != nil {
		acc.AccountID = chosen.AccountID
		acc.OrganizationID = chosen.OrganizationID
		acc.AccountIDSource = chosen.Source
		acc.AccountLabel = chosen.Label
	} else {
		acc.AccountID = identity.AccountIDFromToken(res.Access)
		acc.AccountIDSource = models.SourceToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := acc.IdentityKey()
	for i, existing := range m.accounts {
		if existing.IdentityKey() == key {
			existing.RefreshToken = acc.RefreshToken
			existing.Access = acc.Access
			existing.Expires = acc.Expires
			if acc.Email != "" {
				existing.Email = acc.Email
			}
			if acc.AccountLabel != "" {
				existing.AccountLabel = acc.AccountLabel
			}
			existing.ConsecutiveAuthFailures = 0
			existing.CoolingDownUntil = 0
			existing.CooldownReason = ""
			m.schedulePersistLocked()
			return i, nil
		}
	}
	m.nextUID++
	acc.UID = m.nextUID
	m.accounts = append(m.accounts, &acc)
	m.schedulePersistLocked()
	return len(m.accounts) - 1, nil
}

// RefundToken returns a token consumed for a request that never reached the upstream
func (m *Manager) RefundToken(uid uint64, family string) {
	m.tracker.RefundToken(TrackerKey(uid), family)
}
