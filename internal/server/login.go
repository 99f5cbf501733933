package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 登录状态
const (
	loginPending  = "pending"
	loginComplete = "complete"
	loginFailed   = "failed"
)

// pendingLogin is the single in-flight PKCE login started from the admin API
type pendingLogin struct {
	flow     *oauth.AuthorizationFlow
	receiver *oauth.Receiver
	cancel   context.CancelFunc

	mu     sync.Mutex
	status string
	email  string
	index  int
	err    string
}

func (p *pendingLogin) finish(index int, email string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == loginComplete {
		return
	}
	if err != nil {
		p.status = loginFailed
		p.err = err.Error()
		return
	}
	p.status = loginComplete
	p.index = index
	p.email = email
}

func (p *pendingLogin) view() gin.H {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := gin.H{"status": p.status, "state": p.flow.State}
	switch p.status {
	case loginComplete:
		out["account"] = p.index
		out["email"] = p.email
	case loginFailed:
		out["error"] = p.err
	}
	return out
}

// startLogin begins a PKCE flow. The loopback receiver captures the redirect
// when its port is free; otherwise the caller pastes it to /admin/login/complete.
func (s *Server) startLogin(c *gin.Context) {
	if s.deps.OAuth == nil {
		c.JSON(503, gin.H{"error": "OAuth login is not configured"})
		return
	}
	var req struct {
		ForceLogin bool `json:"forceLogin"`
	}
	_ = c.ShouldBindJSON(&req)

	flow, err := s.deps.OAuth.NewAuthorizationFlow(req.ForceLogin)
	if err != nil {
		s.logger.Error("Failed to create authorization flow", zap.Error(err))
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	s.loginMu.Lock()
	if s.login != nil {
		// 新登录覆盖旧登录
		s.login.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	receiver := oauth.StartReceiver(flow.State, oauth.ReceiverOptions{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.OAuth.CallbackHost, s.cfg.OAuth.CallbackPort),
		Path:         s.cfg.OAuth.CallbackPath,
		Timeout:      s.cfg.OAuth.Timeout,
		PollInterval: s.cfg.OAuth.PollInterval,
	}, s.logger)
	p := &pendingLogin{
		flow:     flow,
		receiver: receiver,
		status:   loginPending,
		cancel: func() {
			cancel()
			receiver.Close()
		},
	}
	s.login = p
	s.loginMu.Unlock()

	if receiver.Ready {
		go s.awaitCallback(ctx, p)
	}

	s.logger.Info("OAuth login started", zap.Bool("callback_ready", receiver.Ready))
	c.JSON(200, gin.H{
		"url":           flow.URL,
		"state":         flow.State,
		"callbackReady": receiver.Ready,
	})
}

func (s *Server) awaitCallback(ctx context.Context, p *pendingLogin) {
	defer p.receiver.Close()
	code := p.receiver.WaitForCode(ctx)
	if code == "" {
		if ctx.Err() == nil {
			p.finish(-1, "", fmt.Errorf("no OAuth callback received; paste the redirect URL instead"))
		}
		return
	}
	res := s.deps.OAuth.Exchange(ctx, code, p.flow.Verifier)
	s.completeWith(ctx, p, res)
}

// completeWith stores the account from a token result and records the outcome
func (s *Server) completeWith(ctx context.Context, p *pendingLogin, res oauth.TokenResult) (int, error) {
	if !res.OK() {
		err := fmt.Errorf("token exchange failed: %s", res.Describe())
		s.logger.Warn("OAuth login failed", zap.String("reason", string(res.Reason)), zap.Error(err))
		p.finish(-1, "", err)
		return -1, err
	}
	index, err := s.deps.Pool.AddFromOAuth(res, nil)
	if err != nil {
		p.finish(-1, "", err)
		return -1, err
	}
	if err := s.deps.Pool.Save(ctx); err != nil {
		s.logger.Error("Failed to save accounts after login", zap.Error(err))
	}
	acc, _ := s.deps.Pool.Get(index)
	p.finish(index, acc.Email, nil)
	s.logger.Info("OAuth login successful", zap.Int("account", index), zap.String("email", acc.Email))
	return index, nil
}

// completeLogin finishes the pending flow with a pasted redirect URL, query or code
func (s *Server) completeLogin(c *gin.Context) {
	var req struct {
		Input string `json:"input" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	s.loginMu.Lock()
	p := s.login
	s.loginMu.Unlock()
	if p == nil {
		c.JSON(409, gin.H{"error": "No login in progress"})
		return
	}

	res := s.deps.OAuth.CompletePasted(c.Request.Context(), p.flow, req.Input)
	index, err := s.completeWith(c.Request.Context(), p, res)
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error(), "reason": res.Reason})
		return
	}
	// 手动完成后停止回调监听
	p.cancel()
	c.JSON(200, gin.H{"success": true, "account": index})
}

func (s *Server) loginStatus(c *gin.Context) {
	s.loginMu.Lock()
	p := s.login
	s.loginMu.Unlock()
	if p == nil {
		c.JSON(200, gin.H{"status": "idle"})
		return
	}
	c.JSON(200, p.view())
}
