package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKeyPrecedence(t *testing.T) {
	a := Account{RefreshToken: "rt"}
	assert.Equal(t, "refresh:rt", a.IdentityKey())

	a.AccountID = "acc"
	assert.Equal(t, "account:acc", a.IdentityKey())

	a.OrganizationID = "org"
	assert.Equal(t, "org:org", a.IdentityKey())
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"team", "work"}, NormalizeTags([]string{" Work ", "team", "WORK", ""}))
	assert.Nil(t, NormalizeTags([]string{"  "}))
}

func TestRateLimitWaitChecksModelKey(t *testing.T) {
	a := Account{RateLimitResetTimes: map[string]int64{
		FamilyCodex:                            1000,
		QuotaKey(FamilyCodex, "gpt-5.2-codex"): 5000,
	}}

	assert.True(t, a.IsRateLimited(FamilyCodex, "", 500))
	assert.False(t, a.IsRateLimited(FamilyCodex, "", 1500))
	assert.True(t, a.IsRateLimited(FamilyCodex, "gpt-5.2-codex", 1500))
	assert.Equal(t, int64(3500), a.RateLimitWait(FamilyCodex, "gpt-5.2-codex", 1500))
	assert.Equal(t, int64(0), a.RateLimitWait(FamilyGPT51, "", 1500))
}

func TestRuntimeFieldsNotSerialized(t *testing.T) {
	a := Account{RefreshToken: "rt", Access: "secret", Expires: 42, UID: 7}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.NotContains(t, string(data), "UID")
}

func TestCloneIsDeep(t *testing.T) {
	a := Account{RefreshToken: "rt", AccountTags: []string{"x"}, RateLimitResetTimes: map[string]int64{"codex": 1}}
	a.SetEnabled(false)
	b := a.Clone()
	b.AccountTags[0] = "y"
	b.RateLimitResetTimes["codex"] = 2
	*b.Enabled = true

	assert.Equal(t, "x", a.AccountTags[0])
	assert.Equal(t, int64(1), a.RateLimitResetTimes["codex"])
	assert.False(t, a.IsEnabled())
}
