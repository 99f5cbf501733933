package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antigravity/codex-proxy/internal/accounts"
	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/config"
	"github.com/antigravity/codex-proxy/internal/logger"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/antigravity/codex-proxy/internal/proxy"
	"github.com/antigravity/codex-proxy/internal/ratelimit"
	"github.com/antigravity/codex-proxy/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const adminPassword = "s3cret-admin"

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakePipeline struct {
	mu   sync.Mutex
	reqs []*proxy.Request
	do   func(req *proxy.Request) (*proxy.Response, error)
}

func (f *fakePipeline) Do(_ context.Context, req *proxy.Request) (*proxy.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.do(req)
}

type fakeLogin struct {
	flow *oauth.AuthorizationFlow
	res  oauth.TokenResult
}

func (f *fakeLogin) NewAuthorizationFlow(bool) (*oauth.AuthorizationFlow, error) {
	return f.flow, nil
}

func (f *fakeLogin) Exchange(context.Context, string, string) oauth.TokenResult {
	return f.res
}

func (f *fakeLogin) CompletePasted(_ context.Context, _ *oauth.AuthorizationFlow, input string) oauth.TokenResult {
	if strings.TrimSpace(input) == "" {
		return oauth.Failed(oauth.ReasonInvalidResponse, 0, "missing code")
	}
	return f.res
}

type testServer struct {
	srv      *Server
	pool     *accounts.Manager
	pipeline *fakePipeline
	logs     *logger.LogBuffer
	login    *fakeLogin
}

func newTestServer(t *testing.T, tweak func(*config.Config), ids ...string) *testServer {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(t0)

	cfg := &config.Config{}
	cfg.Server.Mode = gin.TestMode
	cfg.Security.AdminPassword = adminPassword
	cfg.OAuth.CallbackHost = "127.0.0.1"
	cfg.OAuth.CallbackPort = 0
	cfg.OAuth.CallbackPath = "/auth/callback"
	cfg.OAuth.Timeout = time.Minute
	if tweak != nil {
		tweak(cfg)
	}

	store := storage.NewStore(t.TempDir(), clk, zap.NewNop())
	var accs []models.Account
	for _, id := range ids {
		accs = append(accs, models.Account{AccountID: id, RefreshToken: "rt-" + id, Email: id + "@example.com"})
	}
	require.NoError(t, store.SaveAccounts(ctx, &models.AccountStorage{Version: 3, Accounts: accs}))
	pool := accounts.NewManager(store, ratelimit.NewTracker(ratelimit.DefaultConfig(), clk), clk, zap.NewNop(), accounts.Options{})
	require.NoError(t, pool.Load(ctx))

	ts := &testServer{
		pool:     pool,
		pipeline: &fakePipeline{},
		logs:     logger.NewLogBuffer(50),
		login: &fakeLogin{
			flow: &oauth.AuthorizationFlow{State: "state-1", URL: "https://auth.example.com/authorize?state=state-1", Verifier: "v"},
		},
	}
	ts.srv = New(cfg, Deps{
		Pool:     pool,
		Pipeline: ts.pipeline,
		OAuth:    ts.login,
		Files:    store,
		Logs:     ts.logs,
		Clock:    clk,
		Version:  "test",
	}, zap.NewNop())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) request(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) admin(method, path, body string) *httptest.ResponseRecorder {
	return ts.request(method, path, body, map[string]string{"X-Admin-Token": adminPassword})
}

func okResponse(body string) func(*proxy.Request) (*proxy.Response, error) {
	return func(*proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{
			Status: 200,
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func makeJWT(payload map[string]any) string {
	raw, _ := json.Marshal(payload)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(raw) + ".sig"
}

func TestResponsesRequiresAPIKey(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Security.APIKey = "sk-local-123456" }, "a")
	ts.pipeline.do = okResponse(`{"id":"resp_1"}`)

	w := ts.request("POST", "/v1/responses", `{"model":"gpt-5.1"}`, nil)
	assert.Equal(t, 401, w.Code)
	assert.Equal(t, "missing_api_key", gjson.Get(w.Body.String(), "error.code").String())

	w = ts.request("POST", "/v1/responses", `{"model":"gpt-5.1"}`, map[string]string{"Authorization": "Bearer wrong-key-0000"})
	assert.Equal(t, 401, w.Code)
	assert.Empty(t, ts.pipeline.reqs)

	w = ts.request("POST", "/v1/responses", `{"model":"gpt-5.1"}`, map[string]string{
		"Authorization": "Bearer sk-local-123456",
		"X-Request-Id":  "req-42",
	})
	require.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"id":"resp_1"}`, w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get("X-Request-Id"))

	require.Len(t, ts.pipeline.reqs, 1)
	got := ts.pipeline.reqs[0]
	assert.Equal(t, "req-42", got.ID)
	assert.Equal(t, "/v1/responses", got.URL.Path)
	assert.JSONEq(t, `{"model":"gpt-5.1"}`, string(got.Body))
}

func TestResponsesWithoutAPIKeyConfigured(t *testing.T) {
	ts := newTestServer(t, nil, "a")
	ts.pipeline.do = okResponse(`{}`)

	w := ts.request("POST", "/responses", `{}`, nil)
	assert.Equal(t, 200, w.Code)
	require.Len(t, ts.pipeline.reqs, 1)
	assert.NotEmpty(t, ts.pipeline.reqs[0].ID)
}

func TestResponsesUpstreamErrorPassthrough(t *testing.T) {
	ts := newTestServer(t, nil, "a")
	ts.pipeline.do = func(*proxy.Request) (*proxy.Response, error) {
		return nil, &proxy.UpstreamError{
			Status:  429,
			Message: "All accounts are rate limited",
			Type:    "usage_limit_reached",
			Header:  http.Header{"Retry-After": {"30"}},
		}
	}

	w := ts.request("POST", "/v1/responses", `{"model":"gpt-5.1"}`, nil)
	assert.Equal(t, 429, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "usage_limit_reached", gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, "All accounts are rate limited", gjson.Get(w.Body.String(), "error.message").String())
}

func TestResponsesStreamIsCopied(t *testing.T) {
	ts := newTestServer(t, nil, "a")
	events := "event: response.created\ndata: {\"type\":\"response.created\"}\n\n" +
		"event: response.completed\ndata: {\"type\":\"response.completed\"}\n\n"
	ts.pipeline.do = func(*proxy.Request) (*proxy.Response, error) {
		return &proxy.Response{
			Status: 200,
			Header: http.Header{"Content-Type": {"text/event-stream"}},
			Body:   io.NopCloser(strings.NewReader(events)),
			Stream: true,
		}, nil
	}

	w := ts.request("POST", "/v1/responses", `{"model":"gpt-5.1","stream":true}`, nil)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, events, w.Body.String())
}

func TestResponsesCanceledRequest(t *testing.T) {
	ts := newTestServer(t, nil, "a")
	ts.pipeline.do = func(*proxy.Request) (*proxy.Response, error) {
		return nil, context.Canceled
	}
	w := ts.request("POST", "/v1/responses", `{}`, nil)
	assert.Equal(t, 499, w.Code)
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t, nil, "a")

	assert.Equal(t, 401, ts.request("GET", "/admin/accounts", "", nil).Code)
	assert.Equal(t, 401, ts.request("GET", "/admin/accounts", "", map[string]string{"X-Admin-Token": "nope"}).Code)
	assert.Equal(t, 200, ts.admin("GET", "/admin/accounts", "").Code)

	w := ts.request("POST", "/admin/session", `{"password":"wrong"}`, nil)
	assert.Equal(t, 401, w.Code)

	w = ts.request("POST", "/admin/session", `{"password":"`+adminPassword+`"}`, nil)
	require.Equal(t, 200, w.Code)
	token := gjson.Get(w.Body.String(), "token").String()
	require.NotEmpty(t, token)
	assert.NotEqual(t, adminPassword, token)

	w = ts.request("GET", "/admin/accounts", "", map[string]string{"X-Admin-Token": token})
	assert.Equal(t, 200, w.Code)
}

func TestAdminAccounts(t *testing.T) {
	ts := newTestServer(t, nil, "a", "b", "c")

	w := ts.admin("GET", "/admin/accounts", "")
	require.Equal(t, 200, w.Code)
	list := gjson.Get(w.Body.String(), "accounts").Array()
	require.Len(t, list, 3)
	assert.Equal(t, "a@example.com", list[0].Get("email").String())
	assert.True(t, list[0].Get("active").Bool())

	w = ts.admin("POST", "/admin/accounts/2/switch", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "activeIndex").Int())
	assert.Equal(t, 2, ts.pool.ActiveIndex())

	assert.Equal(t, 404, ts.admin("POST", "/admin/accounts/9/switch", "").Code)
	assert.Equal(t, 400, ts.admin("POST", "/admin/accounts/x/switch", "").Code)

	w = ts.admin("PATCH", "/admin/accounts/1", `{"enabled":false,"tags":["Work"," work ","team"],"note":"  backup  "}`)
	require.Equal(t, 200, w.Code)
	acc := gjson.Get(w.Body.String(), "account")
	assert.False(t, acc.Get("enabled").Bool())
	assert.Equal(t, `["team","work"]`, acc.Get("tags").Raw)
	assert.Equal(t, "backup", acc.Get("note").String())

	got, err := ts.pool.Get(1)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled())

	w = ts.admin("DELETE", "/admin/accounts/0", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "a@example.com", gjson.Get(w.Body.String(), "removed").String())
	assert.Len(t, ts.pool.Accounts(), 2)
	// 删除前面的账号后游标前移
	assert.Equal(t, 1, ts.pool.ActiveIndex())
}

func TestAdminStatusAndHealth(t *testing.T) {
	ts := newTestServer(t, nil, "a", "b")
	_, err := ts.pool.SetActiveIndex(1)
	require.NoError(t, err)

	w := ts.admin("GET", "/admin/status", "")
	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Equal(t, "test", gjson.Get(body, "version").String())
	assert.Equal(t, int64(2), gjson.Get(body, "pool.total").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "lastSelection.index").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "switches").Int())

	w = ts.admin("GET", "/admin/health", "")
	require.Equal(t, 200, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "accounts").Array(), 2)

	// 未配置用量库时返回空列表
	w = ts.admin("GET", "/admin/metrics", "")
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "[]", gjson.Get(w.Body.String(), "accounts").Raw)
}

func TestAdminExportImport(t *testing.T) {
	ts := newTestServer(t, nil, "a")

	w := ts.admin("GET", "/admin/export", "")
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, "a", gjson.Get(w.Body.String(), "accounts.0.accountId").String())

	incoming := `{"version":3,"accounts":[` +
		`{"accountId":"a","refreshToken":"rt-a","email":"a@example.com"},` +
		`{"accountId":"z","refreshToken":"rt-z","email":"z@example.com"}]}`
	w = ts.admin("POST", "/admin/import?backupMode=none", incoming)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "imported").Int())
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "added").Int())
	assert.Len(t, ts.pool.Accounts(), 2)

	assert.Equal(t, 400, ts.admin("POST", "/admin/import?backupMode=sometimes", incoming).Code)
	assert.Equal(t, 400, ts.admin("POST", "/admin/import", "").Code)
}

func TestAdminLogs(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.logs.Add("info", "first", t0)
	ts.logs.Add("warn", "second", t0.Add(time.Second))

	w := ts.admin("GET", "/admin/logs?limit=1", "")
	require.Equal(t, 200, w.Code)
	logs := gjson.Get(w.Body.String(), "logs").Array()
	require.Len(t, logs, 1)
	assert.Equal(t, "second", logs[0].Get("message").String())

	assert.Equal(t, 200, ts.admin("DELETE", "/admin/logs", "").Code)
	assert.Equal(t, 0, ts.logs.Len())
}

func TestAdminLoginPasteFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.admin("GET", "/admin/login", "")
	assert.Equal(t, "idle", gjson.Get(w.Body.String(), "status").String())
	assert.Equal(t, 409, ts.admin("POST", "/admin/login/complete", `{"input":"code=abc"}`).Code)

	access := makeJWT(map[string]any{
		"https://api.openai.com/auth": map[string]any{"chatgpt_account_id": "acc-new"},
		"email":                       "new@example.com",
	})
	ts.login.res = oauth.TokenResult{
		Type:    oauth.ResultSuccess,
		Access:  access,
		Refresh: "rt-new",
		Expires: t0.Add(time.Hour).UnixMilli(),
	}

	w = ts.admin("POST", "/admin/login", `{}`)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "state-1", gjson.Get(w.Body.String(), "state").String())
	assert.Contains(t, gjson.Get(w.Body.String(), "url").String(), "state=state-1")

	w = ts.admin("POST", "/admin/login/complete", `{"input":"http://127.0.0.1:1455/auth/callback?code=abc&state=state-1"}`)
	require.Equal(t, 200, w.Code, w.Body.String())
	assert.Equal(t, int64(0), gjson.Get(w.Body.String(), "account").Int())

	accs := ts.pool.Accounts()
	require.Len(t, accs, 1)
	assert.Equal(t, "acc-new", accs[0].AccountID)
	assert.Equal(t, "new@example.com", accs[0].Email)

	w = ts.admin("GET", "/admin/login", "")
	assert.Equal(t, "complete", gjson.Get(w.Body.String(), "status").String())
	assert.Equal(t, "new@example.com", gjson.Get(w.Body.String(), "email").String())
}
