package server

import (
	"context"
	"sync"
	"time"

	"github.com/antigravity/codex-proxy/internal/accounts"
	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/config"
	"github.com/antigravity/codex-proxy/internal/logger"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/antigravity/codex-proxy/internal/proxy"
	"github.com/antigravity/codex-proxy/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pipeline runs one proxied request; *proxy.Pipeline satisfies it
type Pipeline interface {
	Do(ctx context.Context, req *proxy.Request) (*proxy.Response, error)
}

// UsageReader is the read side of the usage store
type UsageReader interface {
	accounts.UsageReader
	Recent(limit int) ([]storage.UsageRecord, error)
}

// LoginStarter creates PKCE flows and exchanges codes; *oauth.Client satisfies it
type LoginStarter interface {
	NewAuthorizationFlow(forceLogin bool) (*oauth.AuthorizationFlow, error)
	Exchange(ctx context.Context, code, verifier string) oauth.TokenResult
	CompletePasted(ctx context.Context, flow *oauth.AuthorizationFlow, input string) oauth.TokenResult
}

// Deps are the collaborators the HTTP surface drives
type Deps struct {
	Pool      *accounts.Manager
	Pipeline  Pipeline
	OAuth     LoginStarter
	Refresher accounts.Refresher
	Files     accounts.FileStore
	Usage     UsageReader
	Logs      *logger.LogBuffer
	Clock     clock.Clock
	Version   string
}

// Server represents the API server
type Server struct {
	cfg     *config.Config
	deps    Deps
	logger  *zap.Logger
	router  *gin.Engine
	started time.Time

	selections *selectionLog

	loginMu sync.Mutex
	login   *pendingLogin
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		router:     gin.New(),
		started:    deps.Clock.Now(),
		selections: &selectionLog{logger: logger, clock: deps.Clock},
	}
	if deps.Pool != nil {
		deps.Pool.Subscribe(s.selections)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Close stops a pending login receiver, if any
func (s *Server) Close() {
	s.loginMu.Lock()
	defer s.loginMu.Unlock()
	if s.login != nil {
		s.login.cancel()
		s.login = nil
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggerMiddleware())
	if s.cfg.Security.EnableCORS {
		s.router.Use(s.corsMiddleware())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ping", s.ping)

	// Responses 代理
	api := s.router.Group("/")
	api.Use(s.apiKeyAuthMiddleware())
	{
		api.POST("/v1/responses", s.responses)
		api.POST("/responses", s.responses)
	}

	// 管理接口
	admin := s.router.Group("/admin")
	admin.POST("/session", s.adminSession)
	auth := admin.Group("/")
	auth.Use(s.adminAuthMiddleware())
	{
		auth.GET("/accounts", s.listAccounts)
		auth.POST("/accounts/:index/switch", s.switchAccount)
		auth.PATCH("/accounts/:index", s.updateAccount)
		auth.DELETE("/accounts/:index", s.removeAccount)
		auth.POST("/accounts/:index/refresh", s.refreshAccount)
		auth.GET("/flagged", s.listFlagged)
		auth.POST("/flagged/:index/restore", s.restoreFlagged)

		auth.GET("/status", s.status)
		auth.GET("/health", s.accountHealth)
		auth.GET("/metrics", s.metrics)
		auth.GET("/usage", s.recentUsage)

		auth.GET("/export", s.exportAccounts)
		auth.POST("/import", s.importAccounts)

		auth.GET("/logs", s.getLogs)
		auth.DELETE("/logs", s.clearLogs)

		auth.POST("/login", s.startLogin)
		auth.POST("/login/complete", s.completeLogin)
		auth.GET("/login", s.loginStatus)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}

// selection 记录最近一次账号切换
type selection struct {
	Index  int                 `json:"index"`
	Reason models.SwitchReason `json:"reason"`
	At     time.Time           `json:"at"`
}

// selectionLog observes the pool and keeps the latest selection changes
type selectionLog struct {
	logger *zap.Logger
	clock  clock.Clock

	mu       sync.Mutex
	last     *selection
	switches int
}

// NotifyAccountSelected implements accounts.Observer
func (l *selectionLog) NotifyAccountSelected(index int, reason models.SwitchReason) {
	l.mu.Lock()
	l.last = &selection{Index: index, Reason: reason, At: l.clock.Now()}
	if reason != models.SwitchInitial {
		l.switches++
	}
	l.mu.Unlock()
	if reason == models.SwitchRateLimit {
		l.logger.Info("Switched account after rate limit", zap.Int("account", index))
	}
}

func (l *selectionLog) snapshot() (*selection, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil, l.switches
	}
	cp := *l.last
	return &cp, l.switches
}
