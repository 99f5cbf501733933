package proxy

import "time"

// Codex 上游默认值
const (
	DefaultBaseURL       = "https://chatgpt.com/backend-api"
	DefaultResponsesPath = "/codex/responses"
	DefaultCallerPath    = "/responses"
	DefaultOriginator    = "codex_cli_rs"
)

// DefaultFallbackChain is tried in order when the upstream rejects a model for ChatGPT accounts
var DefaultFallbackChain = []string{
	"gpt-5.3-codex-spark",
	"gpt-5.3-codex",
	"gpt-5.2-codex",
	"gpt-5-codex",
}

// Budgets caps retries per failure category within one request
type Budgets struct {
	AuthRefresh    int
	Network        int
	Server         int
	RateLimitShort int
	EmptyResponse  int
}

// FallbackOptions configures the unsupported-model cascade
type FallbackOptions struct {
	Enabled           bool
	AllowGPT53ToGPT52 bool
	MaxHops           int
	Chain             []string
}

// Options configures the pipeline
type Options struct {
	BaseURL       string
	ResponsesPath string
	CallerPath    string
	Originator    string

	RefreshSkew          time.Duration
	NetworkErrorCooldown time.Duration

	Budgets                     Budgets
	ShortRetryThreshold         time.Duration
	RetryAllAccountsRateLimited bool
	RetryAllAccountsMaxWait     time.Duration
	RetryAllAccountsMaxRetries  int
	SameAccountAuthRetries      int

	Fallback FallbackOptions

	StallDetection bool
	StallTimeout   time.Duration
	FetchTimeout   time.Duration
}

// DefaultOptions returns the stock pipeline settings
func DefaultOptions() Options {
	return Options{
		BaseURL:              DefaultBaseURL,
		ResponsesPath:        DefaultResponsesPath,
		CallerPath:           DefaultCallerPath,
		Originator:           DefaultOriginator,
		RefreshSkew:          time.Minute,
		NetworkErrorCooldown: 10 * time.Second,
		Budgets: Budgets{
			AuthRefresh:    3,
			Network:        3,
			Server:         3,
			RateLimitShort: 3,
			EmptyResponse:  2,
		},
		ShortRetryThreshold:         5 * time.Second,
		RetryAllAccountsRateLimited: true,
		RetryAllAccountsMaxWait:     30 * time.Second,
		RetryAllAccountsMaxRetries:  1,
		SameAccountAuthRetries:      1,
		Fallback: FallbackOptions{
			Enabled:           true,
			AllowGPT53ToGPT52: true,
			MaxHops:           4,
			Chain:             DefaultFallbackChain,
		},
		StallDetection: true,
		StallTimeout:   60 * time.Second,
		FetchTimeout:   5 * time.Minute,
	}
}

func (o *Options) setDefaults() {
	def := DefaultOptions()
	if o.BaseURL == "" {
		o.BaseURL = def.BaseURL
	}
	if o.ResponsesPath == "" {
		o.ResponsesPath = def.ResponsesPath
	}
	if o.CallerPath == "" {
		o.CallerPath = def.CallerPath
	}
	if o.Originator == "" {
		o.Originator = def.Originator
	}
	if o.RefreshSkew <= 0 {
		o.RefreshSkew = def.RefreshSkew
	}
	if o.NetworkErrorCooldown <= 0 {
		o.NetworkErrorCooldown = def.NetworkErrorCooldown
	}
	if o.Budgets == (Budgets{}) {
		o.Budgets = def.Budgets
	}
	if o.ShortRetryThreshold <= 0 {
		o.ShortRetryThreshold = def.ShortRetryThreshold
	}
	if o.Fallback.MaxHops <= 0 {
		o.Fallback.MaxHops = def.Fallback.MaxHops
	}
	if len(o.Fallback.Chain) == 0 {
		o.Fallback.Chain = def.Fallback.Chain
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = def.StallTimeout
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = def.FetchTimeout
	}
}
