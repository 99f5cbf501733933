package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/identity"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// 内置的 OAuth 配置（Codex CLI 公共客户端）
const (
	DefaultClientID     = "app_EMoamEEZ73f0CkXaXp7hrann"
	DefaultAuthorizeURL = "https://auth.openai.com/oauth/authorize"
	DefaultTokenURL     = "https://auth.openai.com/oauth/token"
	DefaultRedirectURL  = "http://127.0.0.1:1455/auth/callback"
	DefaultOriginator   = "codex_cli_rs"
)

var defaultScopes = []string{"openid", "profile", "email", "offline_access"}

// Config holds the OAuth endpoints and client identity
type Config struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURL  string
	Originator   string
}

// DefaultConfig returns the public Codex CLI client settings
func DefaultConfig() Config {
	return Config{
		ClientID:     DefaultClientID,
		AuthorizeURL: DefaultAuthorizeURL,
		TokenURL:     DefaultTokenURL,
		RedirectURL:  DefaultRedirectURL,
		Originator:   DefaultOriginator,
	}
}

// Client handles OAuth operations
type Client struct {
	config     *oauth2.Config
	originator string
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger
}

// NewClient creates a new OAuth client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = def.AuthorizeURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = def.TokenURL
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = def.RedirectURL
	}
	if cfg.Originator == "" {
		cfg.Originator = def.Originator
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Scopes:      defaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
				// 公共客户端，没有 secret，client_id 放在表单里
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		originator: cfg.Originator,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
	}
}

// RedirectURL returns the configured loopback callback URL
func (c *Client) RedirectURL() string {
	return c.config.RedirectURL
}

// Exchange trades an authorization code for tokens
func (c *Client) Exchange(ctx context.Context, code, verifier string) TokenResult {
	if strings.TrimSpace(code) == "" {
		return Failed(ReasonInvalidResponse, 0, "missing authorization code")
	}
	token, err := c.config.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		res := c.failure(err)
		c.logger.Warn("Authorization code exchange failed",
			zap.String("reason", string(res.Reason)),
			zap.Int("status", res.StatusCode))
		return res
	}
	if token.RefreshToken == "" {
		return Failed(ReasonMissingRefresh, 0, "token response did not include a refresh token")
	}
	return c.success(token)
}

// Refresh trades a refresh token for a fresh access token. A response without a
// refresh token keeps the one passed in.
func (c *Client) Refresh(ctx context.Context, refreshToken string) TokenResult {
	if strings.TrimSpace(refreshToken) == "" {
		return Failed(ReasonMissingRefresh, 0, "refresh token is empty")
	}
	src := c.config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		res := c.failure(err)
		c.logger.Warn("Token refresh failed",
			zap.String("reason", string(res.Reason)),
			zap.Int("status", res.StatusCode))
		return res
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	c.logger.Debug("Token refreshed", zap.Time("expiry", token.Expiry))
	return c.success(token)
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) success(token *oauth2.Token) TokenResult {
	res := TokenResult{
		Type:    ResultSuccess,
		Access:  token.AccessToken,
		Refresh: token.RefreshToken,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		res.IDToken = idToken
	}

	switch {
	case !token.Expiry.IsZero():
		res.Expires = token.Expiry.UnixMilli()
	case identity.ExpiryMillis(token.AccessToken) > 0:
		res.Expires = identity.ExpiryMillis(token.AccessToken)
	default:
		res.Expires = c.clock.Now().Add(time.Hour).UnixMilli()
	}

	cands := identity.Candidates(res.Access, res.IDToken)
	res.MultiAccount = len(cands) > 1
	return res
}

// failure maps token endpoint errors onto the result taxonomy
func (c *Client) failure(err error) TokenResult {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		msg := strings.TrimSpace(string(re.Body))
		if msg == "" {
			msg = re.Error()
		}
		return Failed(ReasonHTTPError, status, msg)
	}

	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Failed(ReasonNetworkError, 0, err.Error())
	}
	// 2xx 但结构不对（缺 access_token、JSON 无法解析）
	return Failed(ReasonInvalidResponse, 0, err.Error())
}

func containsInvalidGrant(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "invalid_grant")
}
