package transform

import "strings"

// 快速会话策略
const (
	FastSessionHybrid = "hybrid"
	FastSessionAlways = "always"
)

const (
	trivialMaxChars    = 160
	toolActivityWindow = 8
	longScaffoldChars  = 1200
)

// isTrivialTurn reports a short single-point user turn with no recent tool activity
func isTrivialTurn(xs items) bool {
	text, ok := lastUserText(xs)
	if !ok {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" || len([]rune(text)) > trivialMaxChars {
		return false
	}
	if strings.Count(text, "?") > 1 || strings.Count(text, "\n") > 1 {
		return false
	}
	for _, marker := range []string{"\n-", "\n*", "\n1.", "\n2."} {
		if strings.Contains(text, marker) {
			return false
		}
	}
	return !hasToolActivity(xs, toolActivityWindow)
}

// keepLast caps the input to its last n items
func keepLast(xs items, n int) items {
	if n <= 0 || len(xs) <= n {
		return xs
	}
	return append(items(nil), xs[len(xs)-n:]...)
}

// dropLongScaffolds removes long system/developer messages
func dropLongScaffolds(xs items) items {
	out := make(items, 0, len(xs))
	for _, it := range xs {
		role := itemRole(it)
		if itemType(it) == itemMessage && (role == "developer" || role == "system") &&
			len(messageText(it)) > longScaffoldChars {
			continue
		}
		out = append(out, it)
	}
	return out
}

// fastEffort is the effort used for a compacted trivial turn
func fastEffort(model string) string {
	if model == "gpt-5.1" {
		return EffortNone
	}
	return ClampEffort(model, EffortLow)
}
