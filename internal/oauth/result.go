package oauth

import "fmt"

// ResultType discriminates TokenResult
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailed  ResultType = "failed"
)

// FailureReason classifies a failed token exchange or refresh
type FailureReason string

const (
	ReasonHTTPError       FailureReason = "http_error"
	ReasonInvalidResponse FailureReason = "invalid_response"
	ReasonMissingRefresh  FailureReason = "missing_refresh"
	ReasonNetworkError    FailureReason = "network_error"
)

// TokenResult is the outcome of a code exchange or refresh
type TokenResult struct {
	Type ResultType `json:"type"`

	// success
	Access       string `json:"access,omitempty"`
	Refresh      string `json:"refresh,omitempty"`
	Expires      int64  `json:"expires,omitempty"`
	IDToken      string `json:"idToken,omitempty"`
	MultiAccount bool   `json:"multiAccount,omitempty"`

	// failed
	Reason     FailureReason `json:"reason,omitempty"`
	StatusCode int           `json:"statusCode,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// OK reports a successful result
func (r TokenResult) OK() bool { return r.Type == ResultSuccess }

// Failed builds a failed result
func Failed(reason FailureReason, status int, msg string) TokenResult {
	return TokenResult{Type: ResultFailed, Reason: reason, StatusCode: status, Message: msg}
}

// IsInvalidGrant reports a refresh token the provider has revoked
func (r TokenResult) IsInvalidGrant() bool {
	return r.Type == ResultFailed && r.Reason == ReasonHTTPError && containsInvalidGrant(r.Message)
}

// Describe renders a failure for logs
func (r TokenResult) Describe() string {
	if r.OK() {
		return ""
	}
	if r.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", r.Reason, r.StatusCode, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}
