package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/antigravity/codex-proxy/internal/accounts"
	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/antigravity/codex-proxy/internal/ratelimit"
	"github.com/antigravity/codex-proxy/internal/storage"
	"github.com/antigravity/codex-proxy/internal/transform"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxErrorBody = 1 << 20

// Doer sends one upstream request; *http.Client satisfies it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UsageRecorder stores terminal outcomes
type UsageRecorder interface {
	Record(u storage.UsageRecord) error
}

// Deps are the collaborators of a Pipeline
type Deps struct {
	Pool        *accounts.Manager
	Transformer *transform.Transformer
	Refresher   oauth.TokenRefresher
	Client      Doer
	Usage       UsageRecorder
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Request is one caller request
type Request struct {
	ID     string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Response is a successful upstream response. Body must be closed.
type Response struct {
	Status       int
	Header       http.Header
	Body         io.ReadCloser
	Stream       bool
	Model        string
	AccountIndex int
	Attempts     int
}

// Pipeline runs requests against the Codex backend across retries and account rotations
type Pipeline struct {
	opts        Options
	pool        *accounts.Manager
	transformer *transform.Transformer
	refresher   oauth.TokenRefresher
	client      Doer
	usage       UsageRecorder
	clock       clock.Clock
	logger      *zap.Logger
}

// New creates a pipeline
func New(opts Options, deps Deps) *Pipeline {
	opts.setDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Transport: NewTransport()}
	}
	if deps.Transformer == nil {
		deps.Transformer = transform.New(transform.Options{CodexMode: true}, nil, deps.Logger)
	}
	return &Pipeline{
		opts:        opts,
		pool:        deps.Pool,
		transformer: deps.Transformer,
		refresher:   deps.Refresher,
		client:      deps.Client,
		usage:       deps.Usage,
		clock:       deps.Clock,
		logger:      deps.Logger,
	}
}

// run is the per-request retry state
type run struct {
	p           *Pipeline
	req         *Request
	start       time.Time
	budget      *budget
	exclude     accounts.Exclusion
	override    string
	hops        int
	attempts    int
	authRetries map[uint64]int
	pinned      uint64
	transforms  map[string]*transform.Result

	last        *UpstreamError
	lastOutcome string
	lastAccount *models.Account
}

// Do runs one request to a terminal outcome. Synthesized failures are returned
// as *UpstreamError; a cancelled ctx returns ctx.Err().
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	r := &run{
		p:           p,
		req:         req,
		start:       p.clock.Now(),
		budget:      newBudget(p.opts.Budgets, p.opts.RetryAllAccountsMaxRetries),
		exclude:     accounts.Exclusion{},
		authRetries: make(map[uint64]int),
		transforms:  make(map[string]*transform.Result),
	}
	return r.loop(ctx)
}

func (r *run) loop(ctx context.Context) (*Response, error) {
	p := r.p
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr, err := r.transform(ctx)
		if err != nil {
			return nil, r.finish(invalidRequestError(err), storage.OutcomeClientError)
		}

		acc, idx, err := r.pick(tr)
		if err != nil {
			if ne, ok := accounts.IsNoEligible(err); ok {
				if r.waitForRateLimits(ctx, tr, ne) {
					continue
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if r.last != nil {
					return nil, r.finish(r.last, r.lastOutcome)
				}
				return nil, r.finish(unavailableError(ne.Error(), "no_eligible_account"), storage.OutcomeNoAccounts)
			}
			return nil, r.finish(unavailableError(err.Error(), "no_accounts"), storage.OutcomeNoAccounts)
		}
		r.attempts++
		r.lastAccount = &acc

		resp, done, err := r.attempt(ctx, acc, idx, tr)
		if done {
			return resp, err
		}
		p.logger.Debug("Retrying request",
			zap.String("request_id", r.req.ID),
			zap.Int("attempt", r.attempts),
			zap.String("model", r.currentModel(tr)))
	}
}

func (r *run) currentModel(tr *transform.Result) string {
	if tr == nil {
		return r.override
	}
	return tr.Model
}

func (r *run) transform(ctx context.Context) (*transform.Result, error) {
	if tr, ok := r.transforms[r.override]; ok {
		return tr, nil
	}
	tr, err := r.p.transformer.Transform(ctx, r.req.Body, r.override)
	if err != nil {
		return nil, err
	}
	r.transforms[r.override] = tr
	return tr, nil
}

// pick returns the pinned account for a same-account retry, else selects one
func (r *run) pick(tr *transform.Result) (models.Account, int, error) {
	if r.pinned != 0 {
		uid := r.pinned
		r.pinned = 0
		if acc, idx, ok := r.p.pool.Lookup(uid); ok && acc.IsEnabled() {
			return acc, idx, nil
		}
	}
	acc, err := r.p.pool.Select(tr.Family, tr.Model, r.exclude)
	if err != nil {
		return models.Account{}, -1, err
	}
	return acc, r.p.pool.IndexOf(acc.UID), nil
}

// waitForRateLimits sleeps until the earliest reset when every account is rate-limited
func (r *run) waitForRateLimits(ctx context.Context, tr *transform.Result, ne *accounts.NoEligibleError) bool {
	p := r.p
	if !p.opts.RetryAllAccountsRateLimited || ne.Wait <= 0 || ne.Wait > p.opts.RetryAllAccountsMaxWait {
		return false
	}
	if !p.pool.AllRateLimited(tr.Family, tr.Model) || !r.budget.take(CategoryRateLimitGlobal) {
		return false
	}
	p.logger.Warn("All accounts rate-limited, waiting",
		zap.String("request_id", r.req.ID),
		zap.String("family", tr.Family),
		zap.String("model", tr.Model),
		zap.Duration("delay", ne.Wait))
	if err := p.clock.Sleep(ctx, ne.Wait); err != nil {
		return false
	}
	r.exclude = accounts.Exclusion{}
	return true
}

// attempt sends the request on acc. done reports a terminal outcome.
func (r *run) attempt(ctx context.Context, acc models.Account, idx int, tr *transform.Result) (*Response, bool, error) {
	p := r.p
	log := p.logger.With(
		zap.String("request_id", r.req.ID),
		zap.Int("account", idx),
		zap.String("email", acc.Email),
		zap.String("family", tr.Family),
		zap.String("model", tr.Model),
		zap.Int("attempt", r.attempts))

	access, err := r.ensureAccess(ctx, acc, idx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		log.Warn("Account has no usable access token", zap.Error(err))
		r.exclude.Add(acc.UID)
		r.fail(&UpstreamError{
			Status:      http.StatusUnauthorized,
			Message:     err.Error() + " " + reauthHint,
			Type:        errorTypeAuth,
			Code:        "token_refresh_failed",
			Diagnostics: map[string]string{"http_status": "401"},
		}, storage.OutcomeAuthFailed)
		if !r.budget.take(CategoryAuthRefresh) {
			return nil, true, r.finish(r.last, r.lastOutcome)
		}
		return nil, false, nil
	}

	if !p.pool.ConsumeToken(acc.UID, tr.Family) {
		log.Debug("Token bucket empty, rotating")
		r.exclude.Add(acc.UID)
		return nil, false, nil
	}

	target, err := RewriteURL(r.req.URL, p.opts.BaseURL, p.opts.CallerPath, p.opts.ResponsesPath)
	if err != nil {
		p.pool.RefundToken(acc.UID, tr.Family)
		return nil, true, r.finish(unavailableError(err.Error(), "bad_upstream_url"), storage.OutcomeClientError)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, target.String(), bytes.NewReader(tr.Body))
	if err != nil {
		cancel()
		p.pool.RefundToken(acc.UID, tr.Family)
		return nil, true, r.finish(invalidRequestError(err), storage.OutcomeClientError)
	}
	httpReq.Header = buildHeaders(r.req.Header, access, acc.AccountID, p.opts.Originator, tr.PromptCacheKey)

	log.Debug("Sending request upstream", zap.String("url", target.String()), zap.Int("body_length", len(tr.Body)))
	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		p.pool.RefundToken(acc.UID, tr.Family)
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		log.Warn("Upstream request failed", zap.Error(err))
		return r.onNetworkError(acc, tr, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return r.onSuccess(ctx, acc, idx, tr, resp, cancel, log)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	cancel()

	cls := ratelimit.Reclassify(resp.StatusCode, body)
	switch {
	case cls.Kind == ratelimit.KindEntitlement:
		log.Warn("Plan does not include this model", zap.Int("status", resp.StatusCode))
		return nil, true, r.finish(entitlementError(resp.StatusCode, resp.Header, body), storage.OutcomeEntitlement)

	case cls.Kind == ratelimit.KindRateLimit:
		return r.onRateLimit(ctx, acc, tr, resp.Header, body, log)

	case resp.StatusCode == http.StatusUnauthorized:
		return r.onUnauthorized(acc, tr, resp.Header, body, log)

	case isUnsupportedModel(resp.StatusCode, body):
		return r.onUnsupportedModel(tr, resp.Header, body, log)

	case resp.StatusCode >= 500:
		log.Warn("Upstream server error", zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(body, 512)))
		p.pool.RecordFailure(acc.UID, tr.Family)
		r.exclude.Add(acc.UID)
		r.fail(upstreamError(resp.StatusCode, resp.Header, body), storage.OutcomeServerError)
		if !r.budget.take(CategoryServer) {
			return nil, true, r.finish(r.last, r.lastOutcome)
		}
		return nil, false, nil

	default:
		log.Warn("Upstream rejected request", zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(body, 512)))
		return nil, true, r.finish(upstreamError(resp.StatusCode, resp.Header, body), storage.OutcomeClientError)
	}
}

// ensureAccess returns a valid access token, refreshing through the shared queue when
// the cached one expires within the skew
func (r *run) ensureAccess(ctx context.Context, acc models.Account, idx int) (string, error) {
	p := r.p
	if cur, _, ok := p.pool.Lookup(acc.UID); ok {
		acc = cur
	}
	if token, ok := r.cachedAccess(acc); ok {
		return token, nil
	}
	if acc.RefreshToken == "" || p.refresher == nil {
		return "", errors.New("account has no refresh token")
	}

	used := acc.RefreshToken
	res := p.refresher.Refresh(ctx, used)
	if !res.OK() {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// 另一个请求已经轮换了 refresh token，旧 token 的失败不计入该账号
		if cur, _, ok := p.pool.Lookup(acc.UID); ok && cur.RefreshToken != used {
			p.logger.Debug("Refresh token rotated by a concurrent refresh", zap.Int("account", idx))
			if token, ok := r.cachedAccess(cur); ok {
				return token, nil
			}
			return "", fmt.Errorf("token refresh raced with a rotation: %s", res.Describe())
		}
		count, cooled := p.pool.IncrementAuthFailures(acc.UID)
		p.logger.Warn("Token refresh failed",
			zap.Int("account", idx),
			zap.String("email", acc.Email),
			zap.Int("failures", count),
			zap.Bool("cooling_down", cooled),
			zap.String("reason", res.Describe()))
		if res.IsInvalidGrant() {
			if _, err := p.pool.FlagAccount(ctx, acc.UID, accounts.FlagReasonInvalidGrant, res.Message); err != nil {
				p.logger.Warn("Failed to flag account", zap.Int("account", idx), zap.Error(err))
			}
		}
		return "", fmt.Errorf("token refresh failed: %s", res.Describe())
	}
	// 队列的回调通常已经写回，这里只在未写回时补上
	p.pool.ApplyRefresh(used, res)
	if _, _, ok := p.pool.Lookup(acc.UID); !ok {
		return "", accounts.ErrAccountGone
	}
	p.pool.ClearAuthFailures(acc.UID)
	return res.Access, nil
}

func (r *run) cachedAccess(acc models.Account) (string, bool) {
	if acc.Access == "" || acc.Expires <= r.p.clock.Now().Add(r.p.opts.RefreshSkew).UnixMilli() {
		return "", false
	}
	return acc.Access, true
}

func (r *run) onSuccess(ctx context.Context, acc models.Account, idx int, tr *transform.Result, resp *http.Response, cancel context.CancelFunc, log *zap.Logger) (*Response, bool, error) {
	p := r.p
	stall := time.Duration(0)
	if p.opts.StallDetection {
		stall = p.opts.StallTimeout
	}
	body := newBodyReader(resp.Body, stall, cancel)

	if dep, sunset := resp.Header.Get("Deprecation"), resp.Header.Get("Sunset"); dep != "" || sunset != "" {
		log.Warn("Upstream deprecation notice", zap.String("deprecation", dep), zap.String("sunset", sunset))
	}
	if usage := ratelimit.UsageHeaders(resp.Header); len(usage) > 0 {
		log.Debug("Upstream usage", zap.Any("headers", usage))
	}

	header := responseHeaders(resp.Header)
	out := &Response{
		Status:       resp.StatusCode,
		Header:       header,
		Stream:       tr.Stream,
		Model:        tr.Model,
		AccountIndex: idx,
		Attempts:     r.attempts,
	}

	if tr.Stream {
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		out.Body = body
		r.succeed(acc, tr, resp.StatusCode, log)
		return out, true, nil
	}

	payload, err := materialize(body)
	body.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, true, ctx.Err()
		}
		if errors.Is(err, errEmptyResponse) {
			log.Warn("Upstream returned no final response")
			r.fail(&UpstreamError{
				Status:      http.StatusBadGateway,
				Message:     err.Error(),
				Type:        errorTypeUpstream,
				Code:        "empty_response",
				Diagnostics: diagnostics(resp.Header, resp.StatusCode),
			}, storage.OutcomeServerError)
			if !r.budget.take(CategoryEmptyResponse) {
				return nil, true, r.finish(r.last, r.lastOutcome)
			}
			r.pinned = acc.UID
			return nil, false, nil
		}
		log.Warn("Reading upstream response failed", zap.Error(err))
		return r.onNetworkError(acc, tr, err)
	}

	header.Set("Content-Type", "application/json")
	out.Body = io.NopCloser(bytes.NewReader(payload))
	r.succeed(acc, tr, resp.StatusCode, log)
	return out, true, nil
}

func (r *run) succeed(acc models.Account, tr *transform.Result, status int, log *zap.Logger) {
	p := r.p
	p.pool.RecordSuccess(acc.UID, tr.Family)
	p.pool.Tracker().ResetBackoff(accounts.TrackerKey(acc.UID), tr.Family)
	log.Info("Request succeeded",
		zap.Int("status", status),
		zap.Bool("stream", tr.Stream),
		zap.Duration("latency", p.clock.Now().Sub(r.start)))
	r.record(&acc, tr, status, storage.OutcomeSuccess)
}

func (r *run) onRateLimit(ctx context.Context, acc models.Account, tr *transform.Result, header http.Header, body []byte, log *zap.Logger) (*Response, bool, error) {
	p := r.p
	// 无提示时 ParseRetryAfter 返回 DefaultRetryAfter
	hint, _ := ratelimit.ParseRetryAfter(header, body, p.clock.Now())
	bo := p.pool.Tracker().RecordRateLimit(accounts.TrackerKey(acc.UID), tr.Family, hint)
	reason := "rate_limit"
	if code := gjson.GetBytes(body, "error.code").String(); code != "" {
		reason = code
	}
	p.pool.MarkRateLimited(acc.UID, bo.Delay, tr.Family, reason, tr.Model)
	r.fail(rateLimitError(header, body), storage.OutcomeRateLimited)

	fields := []zap.Field{zap.Duration("delay", bo.Delay), zap.Int("backoff_attempt", bo.Attempt), zap.Bool("duplicate", bo.IsDuplicate)}
	if p.pool.ShouldNotify(acc.UID) {
		log.Warn("Account rate-limited", fields...)
	} else {
		log.Debug("Account rate-limited", fields...)
	}

	r.exclude.Add(acc.UID)
	if p.pool.HasEligible(tr.Family, tr.Model, r.exclude) {
		return nil, false, nil
	}
	// 最后一个可用账号，短延迟时原地等待
	if bo.Delay < p.opts.ShortRetryThreshold && r.budget.take(CategoryRateLimitShort) {
		if err := p.clock.Sleep(ctx, bo.Delay); err != nil {
			return nil, true, err
		}
		delete(r.exclude, acc.UID)
		r.pinned = acc.UID
	}
	return nil, false, nil
}

func (r *run) onUnauthorized(acc models.Account, tr *transform.Result, header http.Header, body []byte, log *zap.Logger) (*Response, bool, error) {
	p := r.p
	p.pool.InvalidateAccess(acc.UID)
	r.fail(unauthorizedError(header, body), storage.OutcomeAuthFailed)
	if r.authRetries[acc.UID] < p.opts.SameAccountAuthRetries {
		r.authRetries[acc.UID]++
		r.pinned = acc.UID
		log.Info("Upstream rejected access token, refreshing")
		return nil, false, nil
	}
	count, _ := p.pool.IncrementAuthFailures(acc.UID)
	p.pool.RecordFailure(acc.UID, tr.Family)
	log.Warn("Account unauthorized, rotating", zap.Int("failures", count))
	r.exclude.Add(acc.UID)
	if !r.budget.take(CategoryAuthRefresh) {
		return nil, true, r.finish(r.last, r.lastOutcome)
	}
	return nil, false, nil
}

func (r *run) onUnsupportedModel(tr *transform.Result, header http.Header, body []byte, log *zap.Logger) (*Response, bool, error) {
	p := r.p
	next := ""
	if p.opts.Fallback.Enabled && r.hops < p.opts.Fallback.MaxHops {
		next = p.opts.Fallback.nextFallback(tr.Model)
	}
	if next == "" {
		e := upstreamError(http.StatusBadRequest, header, body)
		e.Type = errorTypeInvalid
		if e.Code == "" {
			e.Code = "unsupported_model"
		}
		e.UnsupportedModel = tr.Model
		return nil, true, r.finish(e, storage.OutcomeUnsupported)
	}
	r.hops++
	log.Warn("Model not supported for ChatGPT accounts, falling back",
		zap.String("fallback_model", next),
		zap.Int("hop", r.hops))
	r.override = next
	r.exclude = accounts.Exclusion{}
	return nil, false, nil
}

func (r *run) onNetworkError(acc models.Account, tr *transform.Result, err error) (*Response, bool, error) {
	p := r.p
	p.pool.RecordFailure(acc.UID, tr.Family)
	p.pool.MarkCoolingDown(acc.UID, p.opts.NetworkErrorCooldown, models.CooldownNetworkError)
	r.exclude.Add(acc.UID)
	r.fail(networkError(err), storage.OutcomeNetworkError)
	if !r.budget.take(CategoryNetwork) {
		return nil, true, r.finish(r.last, r.lastOutcome)
	}
	return nil, false, nil
}

func (r *run) fail(e *UpstreamError, outcome string) {
	r.last = e
	r.lastOutcome = outcome
}

// finish records a terminal failure and returns it
func (r *run) finish(e *UpstreamError, outcome string) error {
	var model string
	if tr, ok := r.transforms[r.override]; ok {
		model = tr.Model
	}
	r.p.logger.Warn("Request failed",
		zap.String("request_id", r.req.ID),
		zap.Int("status", e.Status),
		zap.String("code", e.Code),
		zap.String("model", model),
		zap.Int("attempts", r.attempts),
		zap.String("message", e.Message))
	r.record(r.lastAccount, r.transforms[r.override], e.Status, outcome)
	return e
}

func (r *run) record(acc *models.Account, tr *transform.Result, status int, outcome string) {
	if r.p.usage == nil {
		return
	}
	rec := storage.UsageRecord{
		Timestamp: r.p.clock.Now(),
		RequestID: r.req.ID,
		Status:    status,
		Outcome:   outcome,
		Attempts:  r.attempts,
		LatencyMs: r.p.clock.Now().Sub(r.start).Milliseconds(),
	}
	if acc != nil {
		rec.AccountKey = acc.IdentityKey()
		rec.Email = acc.Email
	}
	if tr != nil {
		rec.Model = tr.Model
		rec.Family = tr.Family
	}
	if err := r.p.usage.Record(rec); err != nil {
		r.p.logger.Warn("Failed to record usage", zap.Error(err))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
