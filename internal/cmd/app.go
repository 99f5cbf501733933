package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/antigravity/codex-proxy/internal/accounts"
	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/config"
	"github.com/antigravity/codex-proxy/internal/identity"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/antigravity/codex-proxy/internal/proxy"
	"github.com/antigravity/codex-proxy/internal/ratelimit"
	"github.com/antigravity/codex-proxy/internal/storage"
	"github.com/antigravity/codex-proxy/internal/transform"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// app 持有一次命令运行所需的全部组件
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	clock  clock.Clock
	store  *storage.Store
	pool   *accounts.Manager
	oauth  *oauth.Client
	queue  *oauth.RefreshQueue
	usage  *storage.UsageStore
	prompt *transform.PromptStore
}

// fallbackAuthFile points at a Codex CLI auth.json merged into the pool on load
var fallbackAuthFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&fallbackAuthFile, "fallback-auth", "", "Codex CLI auth.json to merge into the pool")
}

// newApp wires the account pool and OAuth client. withUsage opens the bbolt usage store.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger, withUsage bool) (*app, error) {
	clk := clock.Real()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.Storage.DataDir, err)
	}

	store := storage.NewStore(cfg.Storage.DataDir, clk, log)

	trackerCfg := ratelimit.DefaultConfig()
	trackerCfg.BucketCapacity = cfg.Rotation.TokenBucketCapacity
	trackerCfg.RefillPerMinute = cfg.Rotation.TokenRefillPerMinute
	tracker := ratelimit.NewTracker(trackerCfg, clk)

	opts := accounts.Options{
		Strategy:             accounts.Strategy(cfg.Rotation.Strategy),
		PersistDebounce:      cfg.Rotation.PersistDebounce,
		ToastDebounce:        cfg.Rotation.ToastDebounce,
		AuthFailureThreshold: cfg.Rotation.AuthFailureThreshold,
		AuthFailureCooldown:  cfg.Rotation.AuthFailureCooldown,
		ForcedAccount:        cfg.Rotation.ForcedAccount,
	}
	if fallbackAuthFile != "" {
		fb, err := loadFallbackAuth(fallbackAuthFile)
		if err != nil {
			return nil, err
		}
		opts.Fallback = fb
	}

	pool := accounts.NewManager(store, tracker, clk, log, opts)
	if err := pool.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	client := oauth.NewClient(oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURL:  fmt.Sprintf("http://%s:%d%s", cfg.OAuth.CallbackHost, cfg.OAuth.CallbackPort, cfg.OAuth.CallbackPath),
		Originator:   cfg.Codex.Originator,
	}, nil, clk, log)

	queue := oauth.NewRefreshQueue(client)
	// 刷新结果在释放 singleflight 之前写回账号池
	queue.OnRefreshed(func(rt string, res oauth.TokenResult) { pool.ApplyRefresh(rt, res) })

	a := &app{
		cfg:   cfg,
		log:   log,
		clock: clk,
		store: store,
		pool:  pool,
		oauth: client,
		queue: queue,
	}

	if withUsage {
		usage, err := storage.NewUsageStore(cfg.Storage.UsageDB, cfg.Storage.UsageRetention, clk)
		if err != nil {
			return nil, fmt.Errorf("failed to open usage store: %w", err)
		}
		a.usage = usage
	}
	return a, nil
}

// pipeline builds the request pipeline from the config
func (a *app) pipeline() *proxy.Pipeline {
	cfg := a.cfg
	var provider transform.InstructionsProvider
	if cfg.Transform.PromptsDir != "" {
		provider = transform.FileProvider{Dir: cfg.Transform.PromptsDir}
	}
	a.prompt = transform.NewPromptStore(provider, cfg.Transform.PromptCacheTTL, a.clock, a.log)

	tr := transform.New(transform.Options{
		CodexMode:                cfg.Codex.CodexMode,
		ReasoningEffort:          cfg.Transform.ReasoningEffort,
		ReasoningSummary:         cfg.Transform.ReasoningSummary,
		TextVerbosity:            cfg.Transform.TextVerbosity,
		FastSession:              cfg.Transform.FastSession,
		FastSessionStrategy:      cfg.Transform.FastSessionStrategy,
		FastSessionMaxInputItems: cfg.Transform.FastSessionMaxInputItems,
		HostPromptPrefixes:       cfg.Transform.HostPromptPrefixes,
	}, a.prompt, a.log)

	opts := proxy.Options{
		BaseURL:              cfg.Codex.BaseURL,
		ResponsesPath:        cfg.Codex.ResponsesPath,
		CallerPath:           cfg.Codex.CallerPath,
		Originator:           cfg.Codex.Originator,
		RefreshSkew:          cfg.Rotation.RefreshSkew,
		NetworkErrorCooldown: cfg.Rotation.NetworkErrorCooldown,
		Budgets: proxy.Budgets{
			AuthRefresh:    cfg.Retry.AuthRefresh,
			Network:        cfg.Retry.Network,
			Server:         cfg.Retry.Server,
			RateLimitShort: cfg.Retry.RateLimitShort,
			EmptyResponse:  cfg.Retry.EmptyResponse,
		},
		ShortRetryThreshold:         cfg.Retry.ShortRetryThreshold,
		RetryAllAccountsRateLimited: config.Enabled(cfg.Retry.RetryAllAccountsRateLimit),
		RetryAllAccountsMaxWait:     cfg.Retry.RetryAllAccountsMaxWait,
		RetryAllAccountsMaxRetries:  cfg.Retry.RetryAllAccountsMaxRetries,
		SameAccountAuthRetries:      cfg.Retry.SameAccountAuthRetries,
		Fallback: proxy.FallbackOptions{
			Enabled:           config.Enabled(cfg.Fallback.Enabled),
			AllowGPT53ToGPT52: config.Enabled(cfg.Fallback.AllowGPT53ToGPT52),
			MaxHops:           cfg.Fallback.MaxHops,
			Chain:             cfg.Fallback.Chain,
		},
		StallDetection: config.Enabled(cfg.Stream.StallDetection),
		StallTimeout:   cfg.Stream.StallTimeout,
		FetchTimeout:   cfg.Stream.FetchTimeout,
	}

	deps := proxy.Deps{
		Pool:        a.pool,
		Transformer: tr,
		Refresher:   a.queue,
		Client:      &http.Client{Transport: proxy.NewTransport()},
		Clock:       a.clock,
		Logger:      a.log,
	}
	if a.usage != nil {
		deps.Usage = a.usage
	}
	return proxy.New(opts, deps)
}

// Close flushes pending account writes and closes the usage store
func (a *app) Close(ctx context.Context) {
	if err := a.pool.FlushPendingSave(ctx); err != nil {
		a.log.Error("Failed to flush accounts", zap.Error(err))
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.log.Warn("Failed to close usage store", zap.Error(err))
		}
	}
}

// loadFallbackAuth reads the tokens section of a Codex CLI auth.json
func loadFallbackAuth(path string) (*accounts.FallbackAuth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback auth %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("fallback auth %s is not valid JSON", path)
	}
	tokens := gjson.GetBytes(data, "tokens")
	refresh := tokens.Get("refresh_token").String()
	if refresh == "" {
		return nil, fmt.Errorf("fallback auth %s has no refresh token", path)
	}
	access := tokens.Get("access_token").String()
	fb := &accounts.FallbackAuth{
		Access:    access,
		Refresh:   refresh,
		Expires:   identity.ExpiryMillis(access),
		AccountID: tokens.Get("account_id").String(),
		Email:     identity.ExtractEmail(access, tokens.Get("id_token").String()),
	}
	if fb.AccountID == "" {
		fb.AccountID = identity.AccountIDFromToken(access)
	}
	return fb, nil
}
