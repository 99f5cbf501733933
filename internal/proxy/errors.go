package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrStreamStalled is returned when the upstream stops sending data mid-response
var ErrStreamStalled = errors.New("upstream stream stalled")

const (
	errorTypeEntitlement = "entitlement_error"
	errorTypeRateLimit   = "rate_limit_error"
	errorTypeAuth        = "authentication_error"
	errorTypeUpstream    = "upstream_error"
	errorTypeInvalid     = "invalid_request_error"
	errorTypeUnavailable = "service_unavailable"
)

const (
	entitlementHint = "This ChatGPT plan does not include Codex access for the requested model. " +
		"Use a plan with Codex access or switch accounts with `codex-proxy accounts switch`."
	reauthHint = "Re-authenticate with `codex-proxy login`."
)

// 诊断信息来源头
var diagnosticHeaders = map[string]string{
	"X-Request-Id":     "request_id",
	"Cf-Ray":           "cf_ray",
	"X-Correlation-Id": "correlation_id",
	"X-Oai-Thread-Id":  "thread_id",
}

// UpstreamError is a terminal outcome rendered as a normalized JSON error
type UpstreamError struct {
	Status           int
	Message          string
	Type             string
	Code             string
	UnsupportedModel string
	Diagnostics      map[string]string
	// Header carries upstream headers worth returning (retry-after)
	Header http.Header
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %d: %s", e.Status, e.Message)
}

// Body renders {"error":{message,type,code,unsupported_model,diagnostics}}
func (e *UpstreamError) Body() []byte {
	out := []byte(`{"error":{}}`)
	out, _ = sjson.SetBytes(out, "error.message", e.Message)
	if e.Type != "" {
		out, _ = sjson.SetBytes(out, "error.type", e.Type)
	}
	if e.Code != "" {
		out, _ = sjson.SetBytes(out, "error.code", e.Code)
	}
	if e.UnsupportedModel != "" {
		out, _ = sjson.SetBytes(out, "error.unsupported_model", e.UnsupportedModel)
	}
	if len(e.Diagnostics) > 0 {
		out, _ = sjson.SetBytes(out, "error.diagnostics", e.Diagnostics)
	}
	return out
}

// AsUpstreamError unwraps err
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// upstreamError normalizes a non-2xx upstream response
func upstreamError(status int, header http.Header, body []byte) *UpstreamError {
	e := &UpstreamError{
		Status:      status,
		Message:     errorMessage(body),
		Type:        gjson.GetBytes(body, "error.type").String(),
		Code:        gjson.GetBytes(body, "error.code").String(),
		Diagnostics: diagnostics(header, status),
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if e.Type == "" {
		e.Type = errorTypeUpstream
	}
	if ra := header.Get("Retry-After"); ra != "" {
		e.Header = http.Header{"Retry-After": []string{ra}}
	}
	return e
}

func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "detail.message", "detail", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	text := strings.TrimSpace(string(body))
	if gjson.Valid(text) {
		return ""
	}
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}

func diagnostics(header http.Header, status int) map[string]string {
	d := map[string]string{"http_status": strconv.Itoa(status)}
	for name, key := range diagnosticHeaders {
		if v := header.Get(name); v != "" {
			d[key] = v
		}
	}
	return d
}

func entitlementError(status int, header http.Header, body []byte) *UpstreamError {
	e := upstreamError(http.StatusForbidden, header, body)
	e.Type = errorTypeEntitlement
	if e.Code == "" {
		e.Code = "usage_not_included"
	}
	e.Message = strings.TrimSpace(e.Message + " " + entitlementHint)
	e.Diagnostics["http_status"] = strconv.Itoa(status)
	return e
}

func unauthorizedError(header http.Header, body []byte) *UpstreamError {
	e := upstreamError(http.StatusUnauthorized, header, body)
	e.Type = errorTypeAuth
	e.Message = strings.TrimSpace(e.Message + " " + reauthHint)
	return e
}

func rateLimitError(header http.Header, body []byte) *UpstreamError {
	e := upstreamError(http.StatusTooManyRequests, header, body)
	e.Type = errorTypeRateLimit
	return e
}

func networkError(err error) *UpstreamError {
	status := http.StatusBadGateway
	if errors.Is(err, ErrStreamStalled) {
		status = http.StatusServiceUnavailable
	}
	return &UpstreamError{
		Status:      status,
		Message:     "upstream request failed: " + err.Error(),
		Type:        errorTypeUpstream,
		Code:        "network_error",
		Diagnostics: map[string]string{"http_status": strconv.Itoa(status)},
	}
}

func unavailableError(msg, code string) *UpstreamError {
	return &UpstreamError{
		Status:      http.StatusServiceUnavailable,
		Message:     msg,
		Type:        errorTypeUnavailable,
		Code:        code,
		Diagnostics: map[string]string{"http_status": strconv.Itoa(http.StatusServiceUnavailable)},
	}
}

func invalidRequestError(err error) *UpstreamError {
	return &UpstreamError{
		Status:  http.StatusBadRequest,
		Message: err.Error(),
		Type:    errorTypeInvalid,
		Code:    "invalid_request",
	}
}
