package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override (CODEX_PROXY_SERVER_PORT, ...)
const EnvPrefix = "CODEX_PROXY"

// ForcedAccountEnv pins the active account regardless of stored selection
const ForcedAccountEnv = "CODEX_AUTH_ACCOUNT_ID"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Codex     CodexConfig     `mapstructure:"codex"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Rotation  RotationConfig  `mapstructure:"rotation"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Transform TransformConfig `mapstructure:"transform"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SecurityConfig struct {
	// APIKey 为空时代理接口不校验调用方
	APIKey         string   `mapstructure:"api_key"`
	AdminPassword  string   `mapstructure:"admin_password"`
	EnableCORS     bool     `mapstructure:"enable_cors"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Output        string `mapstructure:"output"`
	ConsoleOutput bool   `mapstructure:"console_output"`
	MaxSize       int    `mapstructure:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups"`
	MaxAge        int    `mapstructure:"max_age"`
	Compress      bool   `mapstructure:"compress"`
	BufferSize    int    `mapstructure:"buffer_size"`
}

type StorageConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	UsageDB        string `mapstructure:"usage_db"`
	UsageRetention int    `mapstructure:"usage_retention_days"`
}

type CodexConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	ResponsesPath string `mapstructure:"responses_path"`
	CallerPath    string `mapstructure:"caller_path"`
	Originator    string `mapstructure:"originator"`
	CodexMode     bool   `mapstructure:"codex_mode"`
}

type OAuthConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	AuthorizeURL string        `mapstructure:"authorize_url"`
	TokenURL     string        `mapstructure:"token_url"`
	CallbackHost string        `mapstructure:"callback_host"`
	CallbackPort int           `mapstructure:"callback_port"`
	CallbackPath string        `mapstructure:"callback_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RotationConfig struct {
	Strategy             string        `mapstructure:"strategy"`
	PersistDebounce      time.Duration `mapstructure:"persist_debounce"`
	ToastDebounce        time.Duration `mapstructure:"toast_debounce"`
	TokenBucketCapacity  float64       `mapstructure:"token_bucket_capacity"`
	TokenRefillPerMinute float64       `mapstructure:"token_refill_per_minute"`
	AuthFailureThreshold int           `mapstructure:"auth_failure_threshold"`
	AuthFailureCooldown  time.Duration `mapstructure:"auth_failure_cooldown"`
	NetworkErrorCooldown time.Duration `mapstructure:"network_error_cooldown"`
	RefreshSkew          time.Duration `mapstructure:"refresh_skew"`
	// ForcedAccount 来自 CODEX_AUTH_ACCOUNT_ID
	ForcedAccount string `mapstructure:"forced_account"`
}

type RetryConfig struct {
	AuthRefresh                int           `mapstructure:"auth_refresh"`
	Network                    int           `mapstructure:"network"`
	Server                     int           `mapstructure:"server"`
	RateLimitShort             int           `mapstructure:"rate_limit_short"`
	EmptyResponse              int           `mapstructure:"empty_response"`
	ShortRetryThreshold        time.Duration `mapstructure:"short_retry_threshold"`
	RetryAllAccountsRateLimit  *bool         `mapstructure:"retry_all_accounts_rate_limited"`
	RetryAllAccountsMaxWait    time.Duration `mapstructure:"retry_all_accounts_max_wait"`
	RetryAllAccountsMaxRetries int           `mapstructure:"retry_all_accounts_max_retries"`
	SameAccountAuthRetries     int           `mapstructure:"same_account_auth_retries"`
}

type FallbackConfig struct {
	Enabled           *bool    `mapstructure:"enabled"`
	AllowGPT53ToGPT52 *bool    `mapstructure:"allow_gpt53_to_gpt52"`
	MaxHops           int      `mapstructure:"max_hops"`
	Chain             []string `mapstructure:"chain"`
}

type StreamConfig struct {
	StallDetection *bool         `mapstructure:"stall_detection"`
	StallTimeout   time.Duration `mapstructure:"stall_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
}

type TransformConfig struct {
	ReasoningEffort          string        `mapstructure:"reasoning_effort"`
	ReasoningSummary         string        `mapstructure:"reasoning_summary"`
	TextVerbosity            string        `mapstructure:"text_verbosity"`
	FastSession              bool          `mapstructure:"fast_session"`
	FastSessionStrategy      string        `mapstructure:"fast_session_strategy"`
	FastSessionMaxInputItems int           `mapstructure:"fast_session_max_input_items"`
	HostPromptPrefixes       []string      `mapstructure:"host_prompt_prefixes"`
	PromptsDir               string        `mapstructure:"prompts_dir"`
	PromptCacheTTL           time.Duration `mapstructure:"prompt_cache_ttl"`
}

// LoadDotEnv reads .env files into the process environment. Missing files are ignored
// and variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// RegisterDefaults sets the defaults that a zero value cannot express
func RegisterDefaults(v *viper.Viper) {
	v.SetDefault("logging.console_output", true)
	v.SetDefault("codex.codex_mode", true)
}

// BindEnv wires CODEX_PROXY_* variables and the forced-account override into v
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal 只认识已知键，逐个绑定
	for _, key := range settingKeys(reflect.TypeOf(Config{}), "") {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("rotation.forced_account", ForcedAccountEnv)
	_ = v.BindEnv("security.api_key", EnvPrefix+"_SECURITY_API_KEY", EnvPrefix+"_API_KEY")
}

func settingKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			keys = append(keys, settingKeys(f.Type, key)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Load loads the configuration from v (file, env and bound flags)
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate 加载配置，如果不存在则写出一份默认配置
func LoadOrCreate(v *viper.Viper) (*Config, error) {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if _, err := os.Stat(configFile); err == nil {
		cfg, err := Load(v)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		return cfg, nil
	}

	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}

	// 首次运行生成管理口令
	if cfg.Security.AdminPassword == "" {
		cfg.Security.AdminPassword = strings.ReplaceAll(uuid.New().String(), "-", "")
		fmt.Printf("\n🔑 Generated admin password: %s\n", cfg.Security.AdminPassword)
		fmt.Println("   Send it as the X-Admin-Token header to use /admin endpoints.")
	}

	if err := SaveConfig(v, cfg, configFile); err != nil {
		fmt.Printf("\n⚠️  Warning: Failed to save config file: %v\n", err)
		fmt.Println("   Continuing with in-memory config...")
	} else {
		fmt.Printf("\n✅ Config file created: %s\n", configFile)
	}

	return cfg, nil
}

// SaveConfig 只写出用户常改的配置段
func SaveConfig(v *viper.Viper, cfg *Config, path string) error {
	out := viper.New()
	for key, val := range map[string]any{
		"server.host":                  cfg.Server.Host,
		"server.port":                  cfg.Server.Port,
		"server.mode":                  cfg.Server.Mode,
		"server.read_timeout":          cfg.Server.ReadTimeout.String(),
		"security.api_key":             cfg.Security.APIKey,
		"security.admin_password":      cfg.Security.AdminPassword,
		"security.enable_cors":         cfg.Security.EnableCORS,
		"logging.level":                cfg.Logging.Level,
		"logging.output":               cfg.Logging.Output,
		"logging.console_output":       cfg.Logging.ConsoleOutput,
		"storage.data_dir":             cfg.Storage.DataDir,
		"storage.usage_retention_days": cfg.Storage.UsageRetention,
		"codex.base_url":               cfg.Codex.BaseURL,
		"rotation.strategy":            cfg.Rotation.Strategy,
	} {
		out.Set(key, val)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := out.WriteConfigAs(path); err != nil {
		return err
	}
	v.SetConfigFile(path)
	return nil
}

// DefaultDataDir is $HOME/.codex-proxy, or ./data when no home directory is known
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	return filepath.Join(home, ".codex-proxy")
}

func boolPtr(b bool) *bool { return &b }

// Enabled dereferences an optional flag
func Enabled(b *bool) bool { return b != nil && *b }

func setDefaults(cfg *Config) {
	// 服务器配置
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8046
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	// 流式响应可能持续数分钟，写超时默认关闭

	// 日志配置
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}
	if cfg.Logging.BufferSize == 0 {
		cfg.Logging.BufferSize = 1000
	}

	// 存储配置
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = DefaultDataDir()
	}
	if cfg.Storage.UsageDB == "" {
		cfg.Storage.UsageDB = filepath.Join(cfg.Storage.DataDir, "usage.db")
	}
	if cfg.Storage.UsageRetention == 0 {
		cfg.Storage.UsageRetention = 30
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = filepath.Join(cfg.Storage.DataDir, "logs", "codex-proxy.log")
	}

	// Codex 上游
	if cfg.Codex.BaseURL == "" {
		cfg.Codex.BaseURL = "https://chatgpt.com/backend-api"
	}
	if cfg.Codex.ResponsesPath == "" {
		cfg.Codex.ResponsesPath = "/codex/responses"
	}
	if cfg.Codex.CallerPath == "" {
		cfg.Codex.CallerPath = "/responses"
	}
	if cfg.Codex.Originator == "" {
		cfg.Codex.Originator = "codex_cli_rs"
	}

	// OAuth
	if cfg.OAuth.CallbackHost == "" {
		cfg.OAuth.CallbackHost = "127.0.0.1"
	}
	if cfg.OAuth.CallbackPort == 0 {
		cfg.OAuth.CallbackPort = 1455
	}
	if cfg.OAuth.CallbackPath == "" {
		cfg.OAuth.CallbackPath = "/auth/callback"
	}
	if cfg.OAuth.Timeout == 0 {
		cfg.OAuth.Timeout = 5 * time.Minute
	}
	if cfg.OAuth.PollInterval == 0 {
		cfg.OAuth.PollInterval = 100 * time.Millisecond
	}

	// 轮换
	if cfg.Rotation.Strategy == "" {
		cfg.Rotation.Strategy = "hybrid"
	}
	if cfg.Rotation.PersistDebounce == 0 {
		cfg.Rotation.PersistDebounce = 400 * time.Millisecond
	}
	if cfg.Rotation.ToastDebounce == 0 {
		cfg.Rotation.ToastDebounce = 60 * time.Second
	}
	if cfg.Rotation.TokenBucketCapacity == 0 {
		cfg.Rotation.TokenBucketCapacity = 50
	}
	if cfg.Rotation.TokenRefillPerMinute == 0 {
		cfg.Rotation.TokenRefillPerMinute = 6
	}
	if cfg.Rotation.AuthFailureThreshold == 0 {
		cfg.Rotation.AuthFailureThreshold = 3
	}
	if cfg.Rotation.AuthFailureCooldown == 0 {
		cfg.Rotation.AuthFailureCooldown = 5 * time.Minute
	}
	if cfg.Rotation.NetworkErrorCooldown == 0 {
		cfg.Rotation.NetworkErrorCooldown = 10 * time.Second
	}
	if cfg.Rotation.RefreshSkew == 0 {
		cfg.Rotation.RefreshSkew = 60 * time.Second
	}
	cfg.Rotation.ForcedAccount = strings.TrimSpace(cfg.Rotation.ForcedAccount)

	// 重试预算
	if cfg.Retry.AuthRefresh == 0 {
		cfg.Retry.AuthRefresh = 3
	}
	if cfg.Retry.Network == 0 {
		cfg.Retry.Network = 3
	}
	if cfg.Retry.Server == 0 {
		cfg.Retry.Server = 3
	}
	if cfg.Retry.RateLimitShort == 0 {
		cfg.Retry.RateLimitShort = 3
	}
	if cfg.Retry.EmptyResponse == 0 {
		cfg.Retry.EmptyResponse = 2
	}
	if cfg.Retry.ShortRetryThreshold == 0 {
		cfg.Retry.ShortRetryThreshold = 5 * time.Second
	}
	if cfg.Retry.RetryAllAccountsRateLimit == nil {
		cfg.Retry.RetryAllAccountsRateLimit = boolPtr(true)
	}
	if cfg.Retry.RetryAllAccountsMaxWait == 0 {
		cfg.Retry.RetryAllAccountsMaxWait = 30 * time.Second
	}
	if cfg.Retry.RetryAllAccountsMaxRetries == 0 {
		cfg.Retry.RetryAllAccountsMaxRetries = 1
	}
	if cfg.Retry.SameAccountAuthRetries == 0 {
		cfg.Retry.SameAccountAuthRetries = 1
	}

	// 模型回退
	if cfg.Fallback.Enabled == nil {
		cfg.Fallback.Enabled = boolPtr(true)
	}
	if cfg.Fallback.AllowGPT53ToGPT52 == nil {
		cfg.Fallback.AllowGPT53ToGPT52 = boolPtr(true)
	}
	if cfg.Fallback.MaxHops == 0 {
		cfg.Fallback.MaxHops = 4
	}

	// 流
	if cfg.Stream.StallDetection == nil {
		cfg.Stream.StallDetection = boolPtr(true)
	}
	if cfg.Stream.StallTimeout == 0 {
		cfg.Stream.StallTimeout = 60 * time.Second
	}
	if cfg.Stream.FetchTimeout == 0 {
		cfg.Stream.FetchTimeout = 5 * time.Minute
	}

	// 请求改写
	if cfg.Transform.ReasoningSummary == "" {
		cfg.Transform.ReasoningSummary = "auto"
	}
	if cfg.Transform.TextVerbosity == "" {
		cfg.Transform.TextVerbosity = "medium"
	}
	if cfg.Transform.FastSessionStrategy == "" {
		cfg.Transform.FastSessionStrategy = "hybrid"
	}
	if cfg.Transform.FastSessionMaxInputItems == 0 {
		cfg.Transform.FastSessionMaxInputItems = 30
	}
	if cfg.Transform.PromptCacheTTL == 0 {
		cfg.Transform.PromptCacheTTL = 15 * time.Minute
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.OAuth.CallbackPort < 1 || cfg.OAuth.CallbackPort > 65535 {
		return fmt.Errorf("invalid oauth callback port: %d", cfg.OAuth.CallbackPort)
	}
	switch cfg.Rotation.Strategy {
	case "hybrid", "round-robin":
	default:
		return fmt.Errorf("invalid rotation strategy %q (want hybrid or round-robin)", cfg.Rotation.Strategy)
	}
	switch cfg.Transform.FastSessionStrategy {
	case "hybrid", "always":
	default:
		return fmt.Errorf("invalid fast_session_strategy %q (want hybrid or always)", cfg.Transform.FastSessionStrategy)
	}
	budgets := map[string]int{
		"retry.auth_refresh":     cfg.Retry.AuthRefresh,
		"retry.network":          cfg.Retry.Network,
		"retry.server":           cfg.Retry.Server,
		"retry.rate_limit_short": cfg.Retry.RateLimitShort,
		"retry.empty_response":   cfg.Retry.EmptyResponse,
		"fallback.max_hops":      cfg.Fallback.MaxHops,
	}
	for name, n := range budgets {
		if n < 0 {
			return fmt.Errorf("%s must not be negative: %d", name, n)
		}
	}
	if cfg.Rotation.TokenBucketCapacity < 1 {
		return fmt.Errorf("rotation.token_bucket_capacity must be at least 1")
	}
	return nil
}
