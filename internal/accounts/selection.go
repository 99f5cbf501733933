package accounts

import (
	"strings"
	"time"

	"github.com/antigravity/codex-proxy/internal/models"
	"go.uber.org/zap"
)

// 不可用原因
const (
	ReasonEligible         = "eligible"
	ReasonDisabled         = "disabled"
	ReasonRateLimited      = "rate-limited"
	ReasonTokenBucketEmpty = "token-bucket-empty"
	ReasonCoolingDown      = "cooling-down"
)

// Explanation describes why an account is or is not selectable
type Explanation struct {
	Index    int      `json:"index"`
	Email    string   `json:"email,omitempty"`
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons"`
}

// Exclusion is the set of accounts already tried during one request
type Exclusion map[uint64]struct{}

// Add marks uid as tried
func (e Exclusion) Add(uid uint64) { e[uid] = struct{}{} }

// Has reports whether uid was tried
func (e Exclusion) Has(uid uint64) bool {
	_, ok := e[uid]
	return ok
}

func (m *Manager) reasonsLocked(acc *models.Account, family, model string, nowMs int64) []string {
	var reasons []string
	if !acc.IsEnabled() {
		reasons = append(reasons, ReasonDisabled)
	}
	if acc.IsCoolingDown(nowMs) {
		reasons = append(reasons, ReasonCoolingDown)
	}
	if acc.IsRateLimited(family, model, nowMs) {
		reasons = append(reasons, ReasonRateLimited)
	}
	if !m.tracker.HasTokens(TrackerKey(acc.UID), family) {
		reasons = append(reasons, ReasonTokenBucketEmpty)
	}
	return reasons
}

func (m *Manager) eligibleLocked(acc *models.Account, family, model string, nowMs int64, exclude Exclusion) bool {
	if exclude.Has(acc.UID) {
		return false
	}
	return len(m.reasonsLocked(acc, family, model, nowMs)) == 0
}

// Explain enumerates every account with its eligibility for (family, model)
func (m *Manager) Explain(family, model string) []Explanation {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := m.clock.Now().UnixMilli()
	out := make([]Explanation, len(m.accounts))
	for i, acc := range m.accounts {
		reasons := m.reasonsLocked(acc, family, model, nowMs)
		eligible := len(reasons) == 0
		if eligible {
			reasons = []string{ReasonEligible}
		}
		out[i] = Explanation{Index: i, Email: acc.Email, Eligible: eligible, Reasons: reasons}
	}
	return out
}

// Select picks an account for (family, model) using the configured strategy and returns
// a snapshot. Accounts in exclude are skipped.
func (m *Manager) Select(family, model string, exclude Exclusion) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.accounts) == 0 {
		return models.Account{}, ErrNoAccounts
	}
	nowMs := m.clock.Now().UnixMilli()
	current := m.familyIndexLocked(family)

	idx := -1
	if forced := m.forcedIndexLocked(); forced >= 0 && m.eligibleLocked(m.accounts[forced], family, model, nowMs, exclude) {
		idx = forced
	}
	if idx < 0 {
		switch m.opts.Strategy {
		case StrategyRoundRobin:
			idx = m.roundRobinLocked(current, family, model, nowMs, exclude)
		default:
			idx = m.hybridLocked(current, family, model, nowMs, exclude)
		}
	}
	if idx < 0 {
		return models.Account{}, &NoEligibleError{
			Family: family,
			Model:  model,
			Wait:   m.minWaitLocked(family, model, nowMs),
		}
	}

	if idx != current {
		reason := models.SwitchRotation
		if m.accounts[current].IsRateLimited(family, model, nowMs) {
			reason = models.SwitchRateLimit
		}
		m.accounts[idx].LastSwitchReason = reason
		m.activeByFamily[family] = idx
		m.activeIndex = idx
		m.notifyLocked(idx, reason)
		m.schedulePersistLocked()
	} else if _, ok := m.activeByFamily[family]; !ok {
		m.activeByFamily[family] = idx
		if m.accounts[idx].LastSwitchReason == "" {
			m.accounts[idx].LastSwitchReason = models.SwitchInitial
		}
		m.notifyLocked(idx, models.SwitchInitial)
		m.schedulePersistLocked()
	}
	return m.accounts[idx].Clone(), nil
}

// roundRobinLocked advances from the family cursor
func (m *Manager) roundRobinLocked(cursor int, family, model string, nowMs int64, exclude Exclusion) int {
	n := len(m.accounts)
	for step := 1; step <= n; step++ {
		i := (cursor + step) % n
		if m.eligibleLocked(m.accounts[i], family, model, nowMs, exclude) {
			return i
		}
	}
	return -1
}

// hybridLocked keeps the active account while it is eligible, otherwise ranks by health then lastUsed
func (m *Manager) hybridLocked(current int, family, model string, nowMs int64, exclude Exclusion) int {
	if m.eligibleLocked(m.accounts[current], family, model, nowMs, exclude) {
		return current
	}
	best := -1
	var bestHealth float64
	for i, acc := range m.accounts {
		if !m.eligibleLocked(acc, family, model, nowMs, exclude) {
			continue
		}
		h := m.tracker.Health(TrackerKey(acc.UID), family)
		if best < 0 || h > bestHealth || (h == bestHealth && acc.LastUsed < m.accounts[best].LastUsed) {
			best, bestHealth = i, h
		}
	}
	return best
}

func (m *Manager) forcedIndexLocked() int {
	forced := strings.TrimSpace(m.opts.ForcedAccount)
	if forced == "" {
		return -1
	}
	lower := strings.ToLower(forced)
	for i, acc := range m.accounts {
		if acc.AccountID == forced || acc.OrganizationID == forced || (acc.Email != "" && acc.Email == lower) {
			return i
		}
	}
	return -1
}

// minWaitLocked is the shortest time until some enabled account becomes usable
func (m *Manager) minWaitLocked(family, model string, nowMs int64) time.Duration {
	var best int64 = -1
	for _, acc := range m.accounts {
		if !acc.IsEnabled() {
			continue
		}
		wait := acc.RateLimitWait(family, model, nowMs)
		if acc.IsCoolingDown(nowMs) {
			if cd := acc.CoolingDownUntil - nowMs; cd > wait {
				wait = cd
			}
		}
		if best < 0 || wait < best {
			best = wait
		}
	}
	if best < 0 {
		return 0
	}
	return time.Duration(best) * time.Millisecond
}

// HasEligible reports whether any account outside exclude can serve (family, model) now
func (m *Manager) HasEligible(family, model string, exclude Exclusion) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := m.clock.Now().UnixMilli()
	for _, acc := range m.accounts {
		if m.eligibleLocked(acc, family, model, nowMs, exclude) {
			return true
		}
	}
	return false
}

// MinWait is the shortest time until some account is usable for (family, model)
func (m *Manager) MinWait(family, model string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minWaitLocked(family, model, m.clock.Now().UnixMilli())
}

// AllRateLimited reports whether every enabled account is blocked only by reset times
func (m *Manager) AllRateLimited(family, model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := m.clock.Now().UnixMilli()
	found := false
	for _, acc := range m.accounts {
		if !acc.IsEnabled() || acc.IsCoolingDown(nowMs) {
			continue
		}
		found = true
		if !acc.IsRateLimited(family, model, nowMs) {
			return false
		}
	}
	return found
}

func (m *Manager) notifyLocked(idx int, reason models.SwitchReason) {
	acc := m.accounts[idx]
	m.logger.Info("Account selected",
		zap.Int("account", idx),
		zap.String("email", acc.Email),
		zap.String("reason", string(reason)))
	for _, o := range m.observers {
		o.NotifyAccountSelected(idx, reason)
	}
}
