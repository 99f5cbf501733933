package proxy

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const unsupportedModelSignature = "model is not supported when using codex with a chatgpt account"

// isUnsupportedModel detects the ChatGPT-account model rejection
func isUnsupportedModel(status int, body []byte) bool {
	if status != http.StatusBadRequest {
		return false
	}
	if strings.Contains(strings.ToLower(string(body)), unsupportedModelSignature) {
		return true
	}
	code := gjson.GetBytes(body, "error.code").String()
	return code == "model_not_supported" || code == "unsupported_model"
}

// nextFallback returns the model to try after current, or "" when the chain ends
func (o FallbackOptions) nextFallback(current string) string {
	next := ""
	for i, m := range o.Chain {
		if m == current && i+1 < len(o.Chain) {
			next = o.Chain[i+1]
			break
		}
	}
	if next == "" {
		return ""
	}
	if !o.AllowGPT53ToGPT52 && strings.HasPrefix(current, "gpt-5.3") && strings.HasPrefix(next, "gpt-5.2") {
		return ""
	}
	return next
}
