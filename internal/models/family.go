package models

import "strings"

// 模型家族，即限流配额的作用域
const (
	FamilyCodex     = "codex"
	FamilyGPT51     = "gpt-5.1"
	FamilyCodexMax  = "codex-max"
	FamilyGPT52     = "gpt-5.2"
	FamilyGPT5Codex = "gpt-5-codex"
)

// ModelFamilies lists every known family in a stable order
var ModelFamilies = []string{
	FamilyCodex,
	FamilyGPT51,
	FamilyCodexMax,
	FamilyGPT52,
	FamilyGPT5Codex,
}

// IsFamily reports whether s is a known family
func IsFamily(s string) bool {
	for _, f := range ModelFamilies {
		if f == s {
			return true
		}
	}
	return false
}

// QuotaKey returns "family" or "family:model"
func QuotaKey(family, model string) string {
	if model == "" {
		return family
	}
	return family + ":" + model
}

// FamilyForModel maps a canonical model name to its quota family
func FamilyForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "codex-max"):
		return FamilyCodexMax
	case strings.Contains(m, "codex") && (strings.Contains(m, "5.2") || strings.Contains(m, "5.3")):
		return FamilyCodex
	case strings.Contains(m, "codex"):
		return FamilyGPT5Codex
	case strings.Contains(m, "gpt-5.2") || strings.Contains(m, "gpt-5.3"):
		return FamilyGPT52
	default:
		return FamilyGPT51
	}
}
