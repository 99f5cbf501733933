package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultRetryAfter is used when upstream gives no usable signal
const DefaultRetryAfter = 60 * time.Second

var bodyHintFields = []string{"retry_after_ms", "retry_after", "resets_at", "reset_at"}

var headerHints = []string{
	"retry-after-ms",
	"retry-after",
	"x-codex-primary-reset-at",
	"x-codex-secondary-reset-at",
	"x-ratelimit-reset",
}

// ParseRetryAfter searches the error body and headers for a reset hint.
// found is false when nothing usable was present, in which case DefaultRetryAfter is returned.
func ParseRetryAfter(header http.Header, body []byte, now time.Time) (delay time.Duration, found bool) {
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		for _, field := range bodyHintFields {
			for _, path := range []string{"error." + field, field} {
				v := root.Get(path)
				if !v.Exists() {
					continue
				}
				if d, ok := interpretBodyHint(field, v, now); ok {
					return d, true
				}
			}
		}
	}

	for _, name := range headerHints {
		raw := strings.TrimSpace(header.Get(name))
		if raw == "" {
			continue
		}
		if d, ok := interpretHeaderHint(name, raw, now); ok {
			return d, true
		}
	}
	return DefaultRetryAfter, false
}

func interpretBodyHint(field string, v gjson.Result, now time.Time) (time.Duration, bool) {
	n, ok := numeric(v.String())
	if !ok {
		return 0, false
	}
	switch field {
	case "retry_after_ms":
		return positiveMillis(n)
	case "retry_after":
		return positiveMillis(n * 1000)
	default:
		return untilTimestamp(n, now)
	}
}

func interpretHeaderHint(name, raw string, now time.Time) (time.Duration, bool) {
	switch name {
	case "retry-after-ms":
		if n, ok := numeric(raw); ok {
			return positiveMillis(n)
		}
	case "retry-after":
		if n, ok := numeric(raw); ok {
			return positiveMillis(n * 1000)
		}
		if t, err := http.ParseTime(raw); err == nil {
			return positiveMillis(float64(t.Sub(now).Milliseconds()))
		}
	default:
		if n, ok := numeric(raw); ok {
			return untilTimestamp(n, now)
		}
	}
	return 0, false
}

// untilTimestamp accepts a relative delta in seconds, epoch seconds or epoch milliseconds
func untilTimestamp(n float64, now time.Time) (time.Duration, bool) {
	switch {
	case n < 1e9:
		return positiveMillis(n * 1000)
	case n < 1e12:
		return positiveMillis(n*1000 - float64(now.UnixMilli()))
	default:
		return positiveMillis(n - float64(now.UnixMilli()))
	}
}

func positiveMillis(ms float64) (time.Duration, bool) {
	if ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func numeric(s string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
