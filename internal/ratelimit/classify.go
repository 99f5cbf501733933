package ratelimit

import (
	"net/http"
	"regexp"
	"strings"
)

var (
	usageLimitPattern  = regexp.MustCompile(`(?i)usage_limit_reached|rate_limit_exceeded|usage limit`)
	entitlementPattern = regexp.MustCompile(`(?i)usage_not_included|not.included.in.your.plan|subscription.does.not.include`)
)

// Kind is the classification of an upstream status + body
type Kind int

const (
	KindOther Kind = iota
	KindRateLimit
	KindEntitlement
)

// Classification is the result of Reclassify
type Classification struct {
	Status int
	Kind   Kind
}

// IsEntitlement reports whether the body says the plan does not include the feature
func IsEntitlement(body []byte) bool {
	return entitlementPattern.Match(body)
}

// Reclassify rewrites usage-limit 404s to 429 and entitlement errors to 403 before policy runs
func Reclassify(status int, body []byte) Classification {
	switch status {
	case http.StatusNotFound, http.StatusForbidden, http.StatusTooManyRequests:
		if IsEntitlement(body) {
			return Classification{Status: http.StatusForbidden, Kind: KindEntitlement}
		}
	}
	switch {
	case status == http.StatusTooManyRequests:
		return Classification{Status: status, Kind: KindRateLimit}
	case status == http.StatusNotFound && usageLimitPattern.Match(body):
		return Classification{Status: http.StatusTooManyRequests, Kind: KindRateLimit}
	}
	return Classification{Status: status, Kind: KindOther}
}

// UsageHeaders extracts the x-codex-*-used-percent headers for logging
func UsageHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for name, vals := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-codex-") && len(vals) > 0 {
			out[lower] = vals[0]
		}
	}
	return out
}
