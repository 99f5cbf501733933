package models

import (
	"sort"
	"strings"
)

// AccountIDSource 记录 accountId 的来源
type AccountIDSource string

const (
	SourceToken   AccountIDSource = "token"
	SourceIDToken AccountIDSource = "id_token"
	SourceOrg     AccountIDSource = "org"
	SourceManual  AccountIDSource = "manual"
)

// SwitchReason explains why an account became the active one
type SwitchReason string

const (
	SwitchRateLimit SwitchReason = "rate-limit"
	SwitchInitial   SwitchReason = "initial"
	SwitchRotation  SwitchReason = "rotation"
)

// CooldownReason explains a hard exclusion window
type CooldownReason string

const (
	CooldownAuthFailure  CooldownReason = "auth-failure"
	CooldownNetworkError CooldownReason = "network-error"
)

// Account represents one ChatGPT OAuth credential, optionally pinned to a workspace
type Account struct {
	AccountID               string           `json:"accountId,omitempty"`
	OrganizationID          string           `json:"organizationId,omitempty"`
	AccountIDSource         AccountIDSource  `json:"accountIdSource,omitempty"`
	AccountLabel            string           `json:"accountLabel,omitempty"`
	Email                   string           `json:"email,omitempty"`
	RefreshToken            string           `json:"refreshToken"`
	AccountTags             []string         `json:"accountTags,omitempty"`
	AccountNote             string           `json:"accountNote,omitempty"`
	Enabled                 *bool            `json:"enabled,omitempty"`
	AddedAt                 int64            `json:"addedAt"`
	LastUsed                int64            `json:"lastUsed"`
	LastSwitchReason        SwitchReason     `json:"lastSwitchReason,omitempty"`
	RateLimitResetTimes     map[string]int64 `json:"rateLimitResetTimes,omitempty"`
	CoolingDownUntil        int64            `json:"coolingDownUntil,omitempty"`
	CooldownReason          CooldownReason   `json:"cooldownReason,omitempty"`
	ConsecutiveAuthFailures int              `json:"consecutiveAuthFailures,omitempty"`

	// 以下字段仅在运行时存在，不会持久化
	UID         uint64 `json:"-"`
	Access      string `json:"-"`
	Expires     int64  `json:"-"`
	LastToastAt int64  `json:"-"`
}

// IdentityKey returns the first non-empty of organizationId, accountId, refreshToken
func (a *Account) IdentityKey() string {
	if a.OrganizationID != "" {
		return "org:" + a.OrganizationID
	}
	if a.AccountID != "" {
		return "account:" + a.AccountID
	}
	return "refresh:" + a.RefreshToken
}

// IsEnabled treats a missing flag as enabled
func (a *Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// SetEnabled stores the flag, dropping it when it matches the default
func (a *Account) SetEnabled(enabled bool) {
	if enabled {
		a.Enabled = nil
		return
	}
	v := false
	a.Enabled = &v
}

// IsCoolingDown reports whether the account is inside a cooldown window at nowMs
func (a *Account) IsCoolingDown(nowMs int64) bool {
	return a.CoolingDownUntil > nowMs
}

// ResetTime returns the stored reset time for a quota key (0 when none)
func (a *Account) ResetTime(quotaKey string) int64 {
	if a.RateLimitResetTimes == nil {
		return 0
	}
	return a.RateLimitResetTimes[quotaKey]
}

// IsRateLimited checks both the family key and the family:model key
func (a *Account) IsRateLimited(family, model string, nowMs int64) bool {
	if a.ResetTime(family) > nowMs {
		return true
	}
	if model != "" && a.ResetTime(QuotaKey(family, model)) > nowMs {
		return true
	}
	return false
}

// RateLimitWait returns how long (ms) until the account is usable for the key
func (a *Account) RateLimitWait(family, model string, nowMs int64) int64 {
	wait := a.ResetTime(family) - nowMs
	if model != "" {
		if w := a.ResetTime(QuotaKey(family, model)) - nowMs; w > wait {
			wait = w
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// PruneResetTimes drops entries that are already in the past
func (a *Account) PruneResetTimes(nowMs int64) {
	for k, v := range a.RateLimitResetTimes {
		if v <= nowMs {
			delete(a.RateLimitResetTimes, k)
		}
	}
	if len(a.RateLimitResetTimes) == 0 {
		a.RateLimitResetTimes = nil
	}
}

// Clone returns a deep copy, runtime fields included
func (a *Account) Clone() Account {
	out := *a
	if a.AccountTags != nil {
		out.AccountTags = append([]string(nil), a.AccountTags...)
	}
	if a.Enabled != nil {
		v := *a.Enabled
		out.Enabled = &v
	}
	if a.RateLimitResetTimes != nil {
		out.RateLimitResetTimes = make(map[string]int64, len(a.RateLimitResetTimes))
		for k, v := range a.RateLimitResetTimes {
			out.RateLimitResetTimes[k] = v
		}
	}
	return out
}

// DisplayName is used in CLI and log output
func (a *Account) DisplayName() string {
	name := a.Email
	if name == "" {
		name = a.AccountID
	}
	if name == "" {
		name = "(unknown)"
	}
	if a.AccountLabel != "" {
		name += " [" + a.AccountLabel + "]"
	}
	return name
}

// NormalizeTags trims, lowercases, dedups and sorts tags
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// NormalizeNote trims the note
func NormalizeNote(note string) string {
	return strings.TrimSpace(note)
}
