package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrStateMismatch is returned when pasted input carries another flow's state
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrMissingCode is returned when pasted input has no authorization code
	ErrMissingCode = errors.New("no authorization code found in input")
)

// ParseAuthorizationInput extracts code and state from what a user pasted: a full
// redirect URL (query or fragment), "code#state", a query string, or a bare code.
// A valid URL without OAuth fields yields nothing.
func ParseAuthorizationInput(input string) (code, state string) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ""
	}

	if u, err := url.Parse(input); err == nil && u.Scheme != "" && u.Host != "" {
		q := u.Query()
		if q.Get("code") != "" {
			return q.Get("code"), q.Get("state")
		}
		if frag, err := url.ParseQuery(u.Fragment); err == nil && frag.Get("code") != "" {
			return frag.Get("code"), frag.Get("state")
		}
		return "", ""
	}

	if strings.Contains(input, "code=") {
		raw := input
		if i := strings.Index(raw, "?"); i >= 0 {
			raw = raw[i+1:]
		}
		if q, err := url.ParseQuery(raw); err == nil && q.Get("code") != "" {
			return q.Get("code"), q.Get("state")
		}
	}
	if code, state, ok := strings.Cut(input, "#"); ok {
		return strings.TrimSpace(code), strings.TrimSpace(state)
	}
	return input, ""
}

// ValidatePasted returns the code from pasted input after checking its state
// against the flow. Input without a state (a bare code) is accepted.
func (f *AuthorizationFlow) ValidatePasted(input string) (string, error) {
	code, state := ParseAuthorizationInput(input)
	if code == "" {
		return "", ErrMissingCode
	}
	if state != "" && state != f.State {
		return "", ErrStateMismatch
	}
	return code, nil
}

// CompletePasted validates pasted input and exchanges its code. A state mismatch
// is terminal and never reaches the token endpoint.
func (c *Client) CompletePasted(ctx context.Context, flow *AuthorizationFlow, input string) TokenResult {
	code, err := flow.ValidatePasted(input)
	if err != nil {
		return Failed(ReasonInvalidResponse, 0, err.Error())
	}
	return c.Exchange(ctx, code, flow.Verifier)
}
