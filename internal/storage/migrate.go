package storage

import (
	"encoding/json"
	"fmt"

	"github.com/antigravity/codex-proxy/internal/identity"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/tidwall/gjson"
)

var knownStorageKeys = map[string]bool{
	"version": true, "accounts": true, "activeIndex": true, "activeIndexByFamily": true,
}

var knownAccountKeys = map[string]bool{
	"accountId": true, "organizationId": true, "accountIdSource": true, "accountLabel": true,
	"email": true, "refreshToken": true, "accountTags": true, "accountNote": true,
	"enabled": true, "addedAt": true, "lastUsed": true, "lastSwitchReason": true,
	"rateLimitResetTimes": true, "coolingDownUntil": true, "cooldownReason": true,
	"consecutiveAuthFailures": true, "rateLimitResetTime": true,
}

// ParseResult is the outcome of decoding an accounts file
type ParseResult struct {
	Storage  *models.AccountStorage
	Migrated bool
	Warnings []string
}

// ParseAccountStorage decodes version 1 or 3 storage, migrating to 3 and normalizing.
// Unknown versions yield a nil Storage with a warning.
func ParseAccountStorage(data []byte, nowMs int64) (*ParseResult, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("storage root is not an object")
	}

	res := &ParseResult{}
	res.Warnings = append(res.Warnings, unknownKeys(root, knownStorageKeys, "")...)
	root.Get("accounts").ForEach(func(k, v gjson.Result) bool {
		res.Warnings = append(res.Warnings, unknownKeys(v, knownAccountKeys, fmt.Sprintf("accounts[%d].", k.Int()))...)
		return true
	})

	version := root.Get("version").Int()
	var storage *models.AccountStorage
	switch version {
	case 1:
		var v1 models.AccountStorageV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("decode v1 storage: %w", err)
		}
		storage = MigrateV1(&v1, nowMs)
		res.Migrated = true
	case models.AccountStorageVersion:
		storage = &models.AccountStorage{}
		if err := json.Unmarshal(data, storage); err != nil {
			return nil, fmt.Errorf("decode v3 storage: %w", err)
		}
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("unsupported storage version %d", version))
		return res, nil
	}

	valid := storage.Accounts[:0]
	for i, acc := range storage.Accounts {
		if acc.RefreshToken == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("accounts[%d] has no refreshToken, dropped", i))
			continue
		}
		valid = append(valid, acc)
	}
	storage.Accounts = valid

	res.Storage = identity.NormalizeStorage(storage)
	return res, nil
}

// MigrateV1 fans the single legacy reset time into every family when it is still in the future
func MigrateV1(v1 *models.AccountStorageV1, nowMs int64) *models.AccountStorage {
	out := &models.AccountStorage{
		Version:     models.AccountStorageVersion,
		Accounts:    make([]models.Account, 0, len(v1.Accounts)),
		ActiveIndex: v1.ActiveIndex,
	}
	for _, legacy := range v1.Accounts {
		acc := legacy.Account.Clone()
		acc.RateLimitResetTimes = nil
		if legacy.RateLimitResetTime > nowMs {
			acc.RateLimitResetTimes = make(map[string]int64, len(models.ModelFamilies))
			for _, family := range models.ModelFamilies {
				acc.RateLimitResetTimes[family] = legacy.RateLimitResetTime
			}
		}
		out.Accounts = append(out.Accounts, acc)
	}
	if len(out.Accounts) > 0 {
		out.ActiveIndexByFamily = make(map[string]int, len(models.ModelFamilies))
		for _, family := range models.ModelFamilies {
			out.ActiveIndexByFamily[family] = v1.ActiveIndex
		}
	}
	return out
}

func unknownKeys(obj gjson.Result, known map[string]bool, prefix string) []string {
	if !obj.IsObject() {
		return nil
	}
	var out []string
	obj.ForEach(func(k, _ gjson.Result) bool {
		if !known[k.String()] {
			out = append(out, "unknown field "+prefix+k.String())
		}
		return true
	})
	return out
}
