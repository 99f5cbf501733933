package identity

import (
	"github.com/antigravity/codex-proxy/internal/models"
)

// DedupAccounts collapses accounts sharing an identity key. The surviving record is the
// most recently used one and takes the position of the first occurrence. The returned
// slice maps every input index to its index in the result.
func DedupAccounts(accounts []models.Account) ([]models.Account, []int) {
	out := make([]models.Account, 0, len(accounts))
	remap := make([]int, len(accounts))
	byKey := make(map[string]int, len(accounts))

	for i := range accounts {
		acc := accounts[i]
		if acc.RefreshToken == "" {
			remap[i] = -1
			continue
		}
		key := acc.IdentityKey()
		if pos, ok := byKey[key]; ok {
			if acc.LastUsed > out[pos].LastUsed {
				out[pos] = acc
			}
			remap[i] = pos
			continue
		}
		byKey[key] = len(out)
		remap[i] = len(out)
		out = append(out, acc)
	}
	return out, remap
}

// NormalizeStorage dedups accounts and remaps every cursor onto the surviving records.
// The input is not modified.
func NormalizeStorage(s *models.AccountStorage) *models.AccountStorage {
	if s == nil {
		return nil
	}
	in := s.Clone()
	accounts, remap := DedupAccounts(in.Accounts)

	out := &models.AccountStorage{
		Version:  models.AccountStorageVersion,
		Accounts: accounts,
	}
	out.ActiveIndex = ClampIndex(mapIndex(remap, in.ActiveIndex), len(accounts))
	if len(in.ActiveIndexByFamily) > 0 {
		out.ActiveIndexByFamily = make(map[string]int, len(in.ActiveIndexByFamily))
		for family, idx := range in.ActiveIndexByFamily {
			out.ActiveIndexByFamily[family] = ClampIndex(mapIndex(remap, idx), len(accounts))
		}
	}
	for i := range out.Accounts {
		out.Accounts[i].AccountTags = models.NormalizeTags(out.Accounts[i].AccountTags)
		out.Accounts[i].AccountNote = models.NormalizeNote(out.Accounts[i].AccountNote)
	}
	return out
}

// ClampIndex clamps i into [0, n-1], or 0 when n is 0
func ClampIndex(i, n int) int {
	if n <= 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func mapIndex(remap []int, idx int) int {
	if idx < 0 || idx >= len(remap) {
		return idx
	}
	if remap[idx] < 0 {
		return 0
	}
	return remap[idx]
}
