package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func accessToken(t *testing.T, accountID string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"https://api.openai.com/auth": map[string]any{"chatgpt_account_id": accountID},
	})
	require.NoError(t, err)
	return "e30." + base64.RawURLEncoding.EncodeToString(raw) + ".sig"
}

type tokenServer struct {
	*httptest.Server
	posts atomic.Int32
	forms chan url.Values
}

func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) *tokenServer {
	t.Helper()
	ts := &tokenServer{forms: make(chan url.Values, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.posts.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		select {
		case ts.forms <- r.PostForm:
		default:
		}
		handler(w, r.PostForm)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(ts *tokenServer) *Client {
	return NewClient(Config{TokenURL: ts.URL + "/oauth/token"}, ts.Client(), clock.NewManual(time.Unix(1_700_000_000, 0)), zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestAuthorizationFlowURL(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil)
	flow, err := c.NewAuthorizationFlow(false)
	require.NoError(t, err)

	u, err := url.Parse(flow.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "auth.openai.com", u.Host)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, DefaultClientID, q.Get("client_id"))
	assert.Equal(t, "http://127.0.0.1:1455/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email offline_access", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, flow.Challenge, q.Get("code_challenge"))
	assert.Equal(t, flow.State, q.Get("state"))
	assert.Equal(t, "true", q.Get("id_token_add_organizations"))
	assert.Equal(t, "true", q.Get("codex_cli_simplified_flow"))
	assert.Equal(t, "codex_cli_rs", q.Get("originator"))
	assert.Empty(t, q.Get("prompt"))
	assert.Regexp(t, `^[0-9a-f]{32}$`, flow.State)

	forced, err := c.NewAuthorizationFlow(true)
	require.NoError(t, err)
	fu, _ := url.Parse(forced.URL)
	assert.Equal(t, "login", fu.Query().Get("prompt"))
	assert.NotEqual(t, flow.State, forced.State)
}

func TestExchangeSuccess(t *testing.T) {
	access := accessToken(t, "acc-1")
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": "rt-1",
			"id_token":      "id.tok.en",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	})
	c := newTestClient(ts)

	res := c.Exchange(context.Background(), "the-code", "the-verifier")
	require.True(t, res.OK(), res.Describe())
	assert.Equal(t, access, res.Access)
	assert.Equal(t, "rt-1", res.Refresh)
	assert.Equal(t, "id.tok.en", res.IDToken)
	assert.Greater(t, res.Expires, int64(0))

	form := <-ts.forms
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "the-verifier", form.Get("code_verifier"))
	assert.Equal(t, DefaultClientID, form.Get("client_id"))
}

func TestRefreshReusesRefreshTokenWhenOmitted(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "new-access", "expires_in": 60})
	})
	c := newTestClient(ts)

	res := c.Refresh(context.Background(), "rt-keep")
	require.True(t, res.OK(), res.Describe())
	assert.Equal(t, "new-access", res.Access)
	assert.Equal(t, "rt-keep", res.Refresh)

	form := <-ts.forms
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-keep", form.Get("refresh_token"))
}

func TestRefreshFailures(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "revoked"})
		})
		res := newTestClient(ts).Refresh(context.Background(), "rt")
		assert.Equal(t, ResultFailed, res.Type)
		assert.Equal(t, ReasonHTTPError, res.Reason)
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		assert.Contains(t, res.Message, "invalid_grant")
		assert.True(t, res.IsInvalidGrant())
	})

	t.Run("invalid response", func(t *testing.T) {
		ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
			writeJSON(w, http.StatusOK, map[string]any{"unexpected": true})
		})
		res := newTestClient(ts).Refresh(context.Background(), "rt")
		assert.Equal(t, ReasonInvalidResponse, res.Reason)
		assert.False(t, res.IsInvalidGrant())
	})

	t.Run("network error", func(t *testing.T) {
		ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {})
		c := newTestClient(ts)
		ts.Close()
		res := c.Refresh(context.Background(), "rt")
		assert.Equal(t, ReasonNetworkError, res.Reason)
	})

	t.Run("missing refresh", func(t *testing.T) {
		res := NewClient(Config{}, nil, nil, nil).Refresh(context.Background(), "  ")
		assert.Equal(t, ReasonMissingRefresh, res.Reason)
	})
}

func TestRefreshQueueCoalescesConcurrentCallers(t *testing.T) {
	release := make(chan struct{})
	access := accessToken(t, "acc-1")
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access_token": access, "refresh_token": "rt-2", "expires_in": 3600})
	})
	q := NewRefreshQueue(newTestClient(ts))
	var hookCalls []string
	q.OnRefreshed(func(rt string, res TokenResult) {
		hookCalls = append(hookCalls, rt+"->"+res.Refresh)
	})

	const callers = 5
	results := make([]TokenResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Refresh(context.Background(), "rt-1")
		}(i)
	}

	require.Eventually(t, func() bool { return q.Waiting() == callers }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), ts.posts.Load())
	for _, res := range results {
		assert.True(t, res.OK())
		assert.Equal(t, access, res.Access)
		assert.Equal(t, "rt-2", res.Refresh)
	}
	// 回调只随共享请求执行一次，且在调用者返回前完成
	assert.Equal(t, []string{"rt-1->rt-2"}, hookCalls)

	// 完成后再次调用会发起新的请求
	res := q.Refresh(context.Background(), "rt-1")
	assert.True(t, res.OK())
	assert.Equal(t, int32(2), ts.posts.Load())
}

func TestRefreshQueueCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "expires_in": 60})
	})
	q := NewRefreshQueue(newTestClient(ts))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan TokenResult, 1)
	go func() { done <- q.Refresh(ctx, "rt") }()

	other := make(chan TokenResult, 1)
	go func() { other <- q.Refresh(context.Background(), "rt") }()

	require.Eventually(t, func() bool { return q.Waiting() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	cancelled := <-done
	assert.Equal(t, ReasonNetworkError, cancelled.Reason)

	close(release)
	res := <-other
	assert.True(t, res.OK())
	assert.Equal(t, int32(1), ts.posts.Load())
}

func TestParseAuthorizationInput(t *testing.T) {
	cases := []struct {
		name, input, code, state string
	}{
		{"redirect url", "http://127.0.0.1:1455/auth/callback?code=c1&state=s1", "c1", "s1"},
		{"fragment", "http://127.0.0.1:1455/auth/callback#code=c2&state=s2", "c2", "s2"},
		{"code hash state", "c3#s3", "c3", "s3"},
		{"query string", "code=c4&state=s4", "c4", "s4"},
		{"bare code", "  c5  ", "c5", ""},
		{"non oauth url", "https://example.com/page#section", "", ""},
		{"empty", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, state := ParseAuthorizationInput(tc.input)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.state, state)
		})
	}
}

func TestPastedStateMismatchNeverExchanges(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "a", "refresh_token": "r"})
	})
	c := newTestClient(ts)
	flow := &AuthorizationFlow{State: "abc", Verifier: "v"}

	res := c.CompletePasted(context.Background(), flow, "http://127.0.0.1:1455/auth/callback?code=c&state=wrong")
	assert.Equal(t, ResultFailed, res.Type)
	assert.Equal(t, ReasonInvalidResponse, res.Reason)
	assert.Equal(t, int32(0), ts.posts.Load())

	res = c.CompletePasted(context.Background(), flow, "c#abc")
	assert.True(t, res.OK(), res.Describe())
	assert.Equal(t, int32(1), ts.posts.Load())
}

func TestReceiverAcceptsOnlyCallback(t *testing.T) {
	r := StartReceiver("st", ReceiverOptions{Addr: "127.0.0.1:0", Timeout: 2 * time.Second, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	require.True(t, r.Ready)
	defer r.Close()
	base := "http://" + r.Addr()

	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	status, _ := get("/other?code=x&state=st")
	assert.Equal(t, http.StatusNotFound, status)

	resp, err := http.Post(base+"/auth/callback?code=x&state=st", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	status, _ = get("/auth/callback?code=x&state=bad")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = get("/auth/callback?state=st")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Empty(t, r.Code())

	status, body := get("/auth/callback?code=good&state=st")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Login Successful")
	assert.Equal(t, "good", r.WaitForCode(context.Background()))
}

func TestReceiverBindFailureFallsBack(t *testing.T) {
	first := StartReceiver("st", ReceiverOptions{Addr: "127.0.0.1:0"}, zap.NewNop())
	require.True(t, first.Ready)
	defer first.Close()

	second := StartReceiver("st", ReceiverOptions{Addr: first.Addr()}, zap.NewNop())
	assert.False(t, second.Ready)
	assert.Empty(t, second.WaitForCode(context.Background()))
	second.Close()
}

func TestReceiverTimesOut(t *testing.T) {
	r := StartReceiver("st", ReceiverOptions{Addr: "127.0.0.1:0", Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}, zap.NewNop())
	defer r.Close()
	start := time.Now()
	assert.Empty(t, r.WaitForCode(context.Background()))
	assert.Less(t, time.Since(start), time.Second, fmt.Sprintf("waited %s", time.Since(start)))
}

func TestRefreshQueueSkipsHooksOnFailure(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, form url.Values) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	})
	q := NewRefreshQueue(newTestClient(ts))
	called := false
	q.OnRefreshed(func(string, TokenResult) { called = true })

	res := q.Refresh(context.Background(), "rt")
	assert.True(t, res.IsInvalidGrant())
	assert.False(t, called)
}
