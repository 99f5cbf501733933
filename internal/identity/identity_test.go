package identity

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func makeJWT(t *testing.T, payload map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(raw) + ".sig"
}

const authClaim = "https://api.openai.com/auth"

func TestAccountIDFromToken(t *testing.T) {
	tok := makeJWT(t, map[string]any{
		authClaim: map[string]any{"chatgpt_account_id": "acc-1", "chatgpt_plan_type": "plus"},
		"exp":     1700000000,
	})
	assert.Equal(t, "acc-1", AccountIDFromToken(tok))
	assert.Equal(t, "plus", PlanType(tok))
	assert.Equal(t, int64(1700000000000), ExpiryMillis(tok))
	assert.Equal(t, "", AccountIDFromToken("not-a-jwt"))
}

func TestExtractEmailPrecedence(t *testing.T) {
	access := makeJWT(t, map[string]any{
		authClaim:            map[string]any{"email": "no-at-sign"},
		"chatgpt_user_email": " User@Example.COM ",
		"email":              "root@example.com",
	})
	assert.Equal(t, "user@example.com", ExtractEmail(access, ""))

	id := makeJWT(t, map[string]any{"email": "ID@example.com"})
	assert.Equal(t, "id@example.com", ExtractEmail(access, id))

	bare := makeJWT(t, map[string]any{"preferred_username": "pref@example.com"})
	assert.Equal(t, "pref@example.com", ExtractEmail(bare, ""))
}

func TestCandidatesFromOrganizations(t *testing.T) {
	access := makeJWT(t, map[string]any{
		authClaim: map[string]any{
			"chatgpt_account_id": "acc-personal",
			"organizations": []any{
				map[string]any{"id": "org-personal", "title": "Personal", "is_default": true},
				map[string]any{"id": "org-team", "title": "Acme", "role": "owner"},
			},
		},
	})

	cands := Candidates(access, "")
	require.Len(t, cands, 3)
	assert.Equal(t, models.SourceToken, cands[0].Source)
	assert.Equal(t, "org-personal", cands[1].OrganizationID)
	assert.True(t, cands[1].IsPersonal)
	assert.Equal(t, "Acme (owner)", cands[2].Label)

	best, ok := SelectBest(cands)
	require.True(t, ok)
	// 默认组织是个人空间，因此优先级 2 命中
	assert.Equal(t, "org-personal", best.OrganizationID)
}

func TestCandidatesWrappedListWithPositionalOrgs(t *testing.T) {
	access := makeJWT(t, map[string]any{
		"organizations": []any{
			map[string]any{"id": "org-a"},
			map[string]any{"id": "org-b"},
		},
		"workspaces": map[string]any{
			"items": []any{
				map[string]any{"account_id": "ws-a", "name": "A"},
				map[string]any{"account_id": "ws-b", "name": "B", "organization_id": "org-explicit"},
			},
		},
	})

	cands := Candidates(access, "")
	keys := make([]string, 0, len(cands))
	for _, c := range cands {
		keys = append(keys, c.Key())
	}
	// ws-a 通过位置映射到 org-a，与组织列表中的记录合并
	assert.Equal(t, []string{"org-a", "org-b", "org-explicit"}, keys)
	assert.Equal(t, "ws-b", cands[2].AccountID)
}

func TestPositionalOrgFallbackRequiresMatchingLength(t *testing.T) {
	rec := gjson.Parse(`{"account_id":"ws-a","name":"A"}`)

	c, ok := candidateFromRecord(rec, 0, false, 2, []string{"org-a", "org-b"}, "")
	require.True(t, ok)
	assert.Equal(t, "org-a", c.OrganizationID)

	c, ok = candidateFromRecord(rec, 0, false, 3, []string{"org-a", "org-b"}, "")
	require.True(t, ok)
	assert.Equal(t, "", c.OrganizationID)
	assert.Equal(t, "ws-a", c.Key())
}

func TestCandidatesIDTokenAccount(t *testing.T) {
	access := makeJWT(t, map[string]any{
		authClaim:       map[string]any{"chatgpt_account_id": "acc-1"},
		"organizations": []any{map[string]any{"id": "org-1", "title": "Work"}},
	})
	id := makeJWT(t, map[string]any{authClaim: map[string]any{"chatgpt_account_id": "acc-2"}})

	cands := Candidates(access, id)
	var found bool
	for _, c := range cands {
		if c.Source == models.SourceIDToken {
			found = true
			assert.Equal(t, "acc-2", c.AccountID)
		}
	}
	// org-1 已经占用了组织键，id_token 候选会被去重
	assert.False(t, found)

	best, ok := SelectBest(cands)
	require.True(t, ok)
	assert.Equal(t, "org-1", best.OrganizationID)
}

func TestSelectBestOrder(t *testing.T) {
	cands := []Candidate{
		{AccountID: "t", Source: models.SourceToken},
		{AccountID: "p", OrganizationID: "p", Source: models.SourceOrg, IsPersonal: true},
	}
	best, _ := SelectBest(cands)
	assert.Equal(t, "t", best.AccountID)

	cands = append(cands, Candidate{AccountID: "i", Source: models.SourceIDToken})
	best, _ = SelectBest(cands)
	assert.Equal(t, "i", best.AccountID)

	cands = append(cands, Candidate{AccountID: "d", OrganizationID: "d", Source: models.SourceOrg, IsDefault: true})
	best, _ = SelectBest(cands)
	assert.Equal(t, "d", best.AccountID)

	_, ok := SelectBest(nil)
	assert.False(t, ok)
}

func TestShouldUpdateAccountIDFromToken(t *testing.T) {
	assert.True(t, ShouldUpdateAccountIDFromToken("", "x"))
	assert.True(t, ShouldUpdateAccountIDFromToken(models.SourceOrg, ""))
	assert.True(t, ShouldUpdateAccountIDFromToken(models.SourceToken, "x"))
	assert.True(t, ShouldUpdateAccountIDFromToken(models.SourceIDToken, "x"))
	assert.False(t, ShouldUpdateAccountIDFromToken(models.SourceOrg, "x"))
	assert.False(t, ShouldUpdateAccountIDFromToken(models.SourceManual, "x"))
}

func TestDedupAccountsIdempotent(t *testing.T) {
	accounts := []models.Account{
		{RefreshToken: "r1", AccountID: "a", LastUsed: 1},
		{RefreshToken: "r2", AccountID: "a", LastUsed: 5},
		{RefreshToken: "r3", OrganizationID: "o1"},
		{RefreshToken: "r3", OrganizationID: "o2"},
	}
	once, remap := DedupAccounts(accounts)
	require.Len(t, once, 3)
	assert.Equal(t, "r2", once[0].RefreshToken)
	assert.Equal(t, []int{0, 0, 1, 2}, remap)

	twice, _ := DedupAccounts(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeStorageRemapsByIdentity(t *testing.T) {
	s := &models.AccountStorage{
		Version: 3,
		Accounts: []models.Account{
			{RefreshToken: "r1", AccountID: "a"},
			{RefreshToken: "r2", AccountID: "a"},
			{RefreshToken: "r3", AccountID: "b"},
		},
		ActiveIndex:         2,
		ActiveIndexByFamily: map[string]int{models.FamilyCodex: 1, models.FamilyGPT51: 2},
	}
	out := NormalizeStorage(s)
	require.Len(t, out.Accounts, 2)
	assert.Equal(t, 1, out.ActiveIndex)
	assert.Equal(t, 0, out.ActiveIndexByFamily[models.FamilyCodex])
	assert.Equal(t, 1, out.ActiveIndexByFamily[models.FamilyGPT51])
	assert.Len(t, s.Accounts, 3)

	assert.Equal(t, out, NormalizeStorage(out))
}

func TestClampIndex(t *testing.T) {
	assert.Equal(t, 0, ClampIndex(5, 0))
	assert.Equal(t, 2, ClampIndex(5, 3))
	assert.Equal(t, 0, ClampIndex(-1, 3))
	assert.Equal(t, 1, ClampIndex(1, 3))
}
