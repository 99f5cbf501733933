package transform

import (
	"strings"
)

// 推理强度，从低到高
const (
	EffortNone    = "none"
	EffortMinimal = "minimal"
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"
	EffortXHigh   = "xhigh"
)

var effortOrder = []string{EffortNone, EffortMinimal, EffortLow, EffortMedium, EffortHigh, EffortXHigh}

// 保留原样的已知模型（按匹配优先级）
var knownCodexModels = []string{
	"gpt-5.3-codex-spark",
	"gpt-5.3-codex",
	"gpt-5.2-codex",
	"gpt-5.1-codex",
	"gpt-5-codex",
}

// ParseModel canonicalizes a caller-supplied model name. It strips a provider
// prefix and any trailing effort suffix (returned separately), then routes the
// name onto a model the Codex backend accepts. Unknown names become gpt-5.1.
func ParseModel(raw string) (model, effortSuffix string) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	for _, e := range effortOrder {
		if strings.HasSuffix(name, "-"+e) {
			name = strings.TrimSuffix(name, "-"+e)
			effortSuffix = e
			break
		}
	}
	return routeModel(name), effortSuffix
}

// CanonicalModel is ParseModel without the effort suffix
func CanonicalModel(raw string) string {
	m, _ := ParseModel(raw)
	return m
}

func routeModel(name string) string {
	switch {
	case strings.Contains(name, "codex-max"):
		return "gpt-5.1-codex-max"
	case strings.Contains(name, "codex-mini"):
		return "gpt-5.1-codex-mini"
	case strings.Contains(name, "codex"):
		for _, known := range knownCodexModels {
			if strings.Contains(name, known) {
				return known
			}
		}
		return "gpt-5-codex"
	case strings.Contains(name, "gpt-5.3"):
		return "gpt-5.3"
	case strings.Contains(name, "gpt-5.2"):
		return "gpt-5.2"
	case name == "gpt-5-mini" || name == "gpt-5-nano":
		return name
	default:
		return "gpt-5.1"
	}
}

// IsCodexModel reports whether the canonical model is a codex variant
func IsCodexModel(model string) bool {
	return strings.Contains(model, "codex")
}

// effortPolicy is the allowed effort set and default for one model class
type effortPolicy struct {
	allowed []string
	def     string
}

func policyFor(model string) effortPolicy {
	switch {
	case strings.Contains(model, "codex-mini"):
		return effortPolicy{allowed: []string{EffortMedium, EffortHigh}, def: EffortMedium}
	case strings.Contains(model, "codex-max"):
		return effortPolicy{allowed: []string{EffortLow, EffortMedium, EffortHigh, EffortXHigh}, def: EffortHigh}
	case strings.HasPrefix(model, "gpt-5.2-codex") || strings.HasPrefix(model, "gpt-5.3-codex"):
		return effortPolicy{allowed: []string{EffortLow, EffortMedium, EffortHigh, EffortXHigh}, def: EffortXHigh}
	case IsCodexModel(model):
		return effortPolicy{allowed: []string{EffortLow, EffortMedium, EffortHigh}, def: EffortHigh}
	case model == "gpt-5.2" || model == "gpt-5.3":
		return effortPolicy{allowed: []string{EffortNone, EffortLow, EffortMedium, EffortHigh, EffortXHigh}, def: EffortMedium}
	case model == "gpt-5-mini" || model == "gpt-5-nano":
		return effortPolicy{allowed: []string{EffortMinimal, EffortLow, EffortMedium, EffortHigh}, def: EffortMinimal}
	default:
		return effortPolicy{allowed: []string{EffortNone, EffortLow, EffortMedium, EffortHigh}, def: EffortMedium}
	}
}

// DefaultEffort returns the effort used when nothing was requested
func DefaultEffort(model string) string {
	return policyFor(model).def
}

// ClampEffort maps a requested effort onto the nearest level the model accepts.
// Ties go to the higher level, so none and minimal on codex become low.
func ClampEffort(model, effort string) string {
	p := policyFor(model)
	effort = strings.ToLower(strings.TrimSpace(effort))
	want := effortRank(effort)
	if want < 0 {
		return p.def
	}
	best, bestDist := p.def, len(effortOrder)
	for _, a := range p.allowed {
		d := effortRank(a) - want
		if d < 0 {
			d = -d
		}
		if d < bestDist || (d == bestDist && effortRank(a) > effortRank(best)) {
			best, bestDist = a, d
		}
	}
	return best
}

func effortRank(e string) int {
	for i, v := range effortOrder {
		if v == e {
			return i
		}
	}
	return -1
}

// ClampVerbosity keeps codex models at medium and validates the rest
func ClampVerbosity(model, verbosity string) string {
	if IsCodexModel(model) {
		return "medium"
	}
	switch v := strings.ToLower(strings.TrimSpace(verbosity)); v {
	case "low", "medium", "high":
		return v
	default:
		return "medium"
	}
}

// NormalizeSummary validates reasoning.summary
func NormalizeSummary(summary string) string {
	switch s := strings.ToLower(strings.TrimSpace(summary)); s {
	case "auto", "concise", "detailed":
		return s
	default:
		return "auto"
	}
}
