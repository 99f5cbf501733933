package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 回调接收默认参数
const (
	DefaultCallbackAddr = "127.0.0.1:1455"
	DefaultCallbackPath = "/auth/callback"
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultPollInterval = 100 * time.Millisecond
)

const successPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Login Successful</title></head>
<body style="font-family: Arial, sans-serif; padding: 50px; text-align: center;">
	<h1 style="color: #27ae60;">Login Successful</h1>
	<p>Your ChatGPT account is now linked to codex-proxy.</p>
	<hr>
	<p style="color: #7f8c8d;">You can close this window and return to the terminal.</p>
</body>
</html>`

// ReceiverOptions configures the loopback callback receiver
type ReceiverOptions struct {
	Addr         string
	Path         string
	Timeout      time.Duration
	PollInterval time.Duration
}

func (o *ReceiverOptions) setDefaults() {
	if o.Addr == "" {
		o.Addr = DefaultCallbackAddr
	}
	if o.Path == "" {
		o.Path = DefaultCallbackPath
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultWaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// Receiver accepts the provider redirect on the loopback interface
type Receiver struct {
	opts   ReceiverOptions
	state  string
	server *http.Server
	ln     net.Listener
	logger *zap.Logger

	mu   sync.Mutex
	code string

	// Ready is false when the port could not be bound; callers fall back to a manual paste
	Ready bool
}

// StartReceiver binds the callback address and serves in the background. A bind
// failure is not an error: the returned receiver has Ready=false.
func StartReceiver(state string, opts ReceiverOptions, logger *zap.Logger) *Receiver {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver{opts: opts, state: state, logger: logger}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		logger.Warn("OAuth callback port unavailable, falling back to manual paste",
			zap.String("addr", opts.Addr), zap.Error(err))
		return r
	}
	r.ln = ln
	r.Ready = true
	r.server = &http.Server{
		Handler:           http.HandlerFunc(r.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("OAuth callback server error", zap.Error(err))
		}
	}()
	logger.Info("OAuth callback server started", zap.String("addr", ln.Addr().String()))
	return r
}

// Addr returns the bound address, or "" when not ready
func (r *Receiver) Addr() string {
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *Receiver) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet || req.URL.Path != r.opts.Path {
		http.NotFound(w, req)
		return
	}
	q := req.URL.Query()
	if q.Get("state") != r.state {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.code = code
	r.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, successPage)
}

// Code returns the captured code, if any
func (r *Receiver) Code() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// WaitForCode polls for the captured code until the timeout or ctx ends.
// It returns "" when nothing arrived.
func (r *Receiver) WaitForCode(ctx context.Context) string {
	if !r.Ready {
		return ""
	}
	deadline := time.NewTimer(r.opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if code := r.Code(); code != "" {
			return code
		}
		select {
		case <-ctx.Done():
			return ""
		case <-deadline.C:
			r.logger.Warn("OAuth callback timed out", zap.Duration("timeout", r.opts.Timeout))
			return ""
		case <-ticker.C:
		}
	}
}

// Close stops the receiver
func (r *Receiver) Close() {
	if r.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.server.Shutdown(ctx)
}
