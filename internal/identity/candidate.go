package identity

import (
	"strings"

	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/tidwall/gjson"
)

// Candidate is one possible account identity carried by a token
type Candidate struct {
	AccountID      string                 `json:"accountId"`
	OrganizationID string                 `json:"organizationId,omitempty"`
	Source         models.AccountIDSource `json:"source"`
	Label          string                 `json:"label,omitempty"`
	IsDefault      bool                   `json:"isDefault"`
	IsPersonal     bool                   `json:"isPersonal"`
}

// Key is the dedup key of a candidate
func (c Candidate) Key() string {
	if c.OrganizationID != "" {
		return c.OrganizationID
	}
	return c.AccountID
}

var listKeys = []string{"organizations", "orgs", "accounts", "workspaces", "teams"}

// 当列表被包装在对象中时，依次尝试这些字段
var wrapperKeys = []string{"data", "items", "accounts", "organizations", "workspaces", "teams"}

// Candidates extracts and dedups every candidate found in the tokens
func Candidates(accessToken, idToken string) []Candidate {
	payload := DecodePayload(accessToken)
	if payload == "" {
		return nil
	}
	auth := gjson.Get(payload, ClaimPath)
	tokenAccountID := auth.Get("chatgpt_account_id").String()

	var out []Candidate
	if tokenAccountID != "" {
		out = append(out, Candidate{
			AccountID: tokenAccountID,
			Source:    models.SourceToken,
			IsDefault: true,
		})
	}

	orgIDs := canonicalOrgIDs(payload, auth)
	roots := []gjson.Result{gjson.Parse(payload)}
	if auth.Exists() {
		roots = append(roots, auth)
	}
	for _, root := range roots {
		for _, key := range listKeys {
			records := normalizeList(root.Get(key))
			isOrgList := key == "organizations" || key == "orgs"
			for i, rec := range records {
				if c, ok := candidateFromRecord(rec, i, isOrgList, len(records), orgIDs, tokenAccountID); ok {
					out = append(out, c)
				}
			}
		}
	}

	if idToken != "" {
		if idPayload := DecodePayload(idToken); idPayload != "" {
			idAccountID := gjson.Get(idPayload, ClaimPath+".chatgpt_account_id").String()
			if idAccountID != "" && idAccountID != tokenAccountID {
				c := Candidate{AccountID: idAccountID, Source: models.SourceIDToken}
				if len(orgIDs) > 0 {
					c.OrganizationID = orgIDs[0]
				}
				out = append(out, c)
			}
		}
	}

	return Dedup(out)
}

// Dedup collapses candidates by organizationId, then accountId, keeping the first seen
func Dedup(cands []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		k := c.Key()
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// SelectBest picks the candidate a freshly minted token should bind to
func SelectBest(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	preds := []func(Candidate) bool{
		func(c Candidate) bool { return c.Source == models.SourceOrg && c.IsDefault && !c.IsPersonal },
		func(c Candidate) bool { return c.Source == models.SourceOrg && c.IsDefault },
		func(c Candidate) bool { return c.Source == models.SourceIDToken },
		func(c Candidate) bool { return c.Source == models.SourceOrg && !c.IsPersonal },
		func(c Candidate) bool { return c.Source == models.SourceToken },
	}
	for _, pred := range preds {
		for _, c := range cands {
			if pred(c) {
				return c, true
			}
		}
	}
	return cands[0], true
}

// ShouldUpdateAccountIDFromToken keeps explicit org/manual selections sticky across refreshes
func ShouldUpdateAccountIDFromToken(source models.AccountIDSource, currentAccountID string) bool {
	if source == "" || currentAccountID == "" {
		return true
	}
	return source == models.SourceToken || source == models.SourceIDToken
}

func normalizeList(v gjson.Result) []gjson.Result {
	if !v.Exists() {
		return nil
	}
	if v.IsArray() {
		return v.Array()
	}
	if v.IsObject() {
		for _, k := range wrapperKeys {
			if inner := v.Get(k); inner.IsArray() {
				return inner.Array()
			}
		}
	}
	return nil
}

func canonicalOrgIDs(payload string, auth gjson.Result) []string {
	for _, root := range []gjson.Result{gjson.Parse(payload), auth} {
		for _, key := range []string{"organizations", "orgs"} {
			records := normalizeList(root.Get(key))
			if len(records) == 0 {
				continue
			}
			ids := make([]string, 0, len(records))
			for _, rec := range records {
				id := firstString(rec, "organization_id", "id")
				ids = append(ids, id)
			}
			return ids
		}
	}
	return nil
}

func candidateFromRecord(rec gjson.Result, pos int, isOrgList bool, listLen int, orgIDs []string, tokenAccountID string) (Candidate, bool) {
	if !rec.IsObject() {
		return Candidate{}, false
	}

	var orgID, accountID string
	if isOrgList {
		orgID = firstString(rec, "organization_id", "id")
		accountID = firstString(rec, "account_id", "chatgpt_account_id")
		if accountID == "" {
			accountID = tokenAccountID
		}
	} else {
		orgID = firstString(rec, "organization_id", "org_id")
		accountID = firstString(rec, "account_id", "chatgpt_account_id", "id")
		if orgID == "" && listLen == len(orgIDs) && pos < len(orgIDs) {
			orgID = orgIDs[pos]
		}
	}
	if accountID == "" && orgID == "" {
		return Candidate{}, false
	}
	if accountID == "" {
		accountID = orgID
	}

	title := firstString(rec, "name", "title", "display_name", "type", "slug")
	role := firstString(rec, "role")
	personal := rec.Get("personal").Bool() || rec.Get("is_personal").Bool() ||
		strings.EqualFold(rec.Get("type").String(), "personal") ||
		strings.EqualFold(title, "personal")

	return Candidate{
		AccountID:      accountID,
		OrganizationID: orgID,
		Source:         models.SourceOrg,
		Label:          buildLabel(title, role, personal),
		IsDefault:      rec.Get("is_default").Bool() || rec.Get("default").Bool(),
		IsPersonal:     personal,
	}, true
}

func buildLabel(title, role string, personal bool) string {
	label := title
	if role != "" {
		if label != "" {
			label += " "
		}
		label += "(" + role + ")"
	}
	if personal && !strings.EqualFold(title, "personal") {
		if label != "" {
			label += " "
		}
		label += "[personal]"
	}
	return label
}

func firstString(rec gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(rec.Get(k).String()); v != "" {
			return v
		}
	}
	return ""
}
