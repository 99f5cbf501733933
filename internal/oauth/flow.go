package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// AuthorizationFlow is one pending PKCE login
type AuthorizationFlow struct {
	Verifier  string
	Challenge string
	State     string
	URL       string
	Redirect  string
}

// NewAuthorizationFlow builds a PKCE verifier, state and the authorize URL.
// forceLogin adds prompt=login so the provider does not reuse its session.
func (c *Client) NewAuthorizationFlow(forceLogin bool) (*AuthorizationFlow, error) {
	state, err := generateState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "true"),
		oauth2.SetAuthURLParam("codex_cli_simplified_flow", "true"),
		oauth2.SetAuthURLParam("originator", c.originator),
	}
	if forceLogin {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "login"))
	}

	return &AuthorizationFlow{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     state,
		URL:       c.config.AuthCodeURL(state, opts...),
		Redirect:  c.config.RedirectURL,
	}, nil
}

// generateState returns 16 random bytes, hex encoded
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
