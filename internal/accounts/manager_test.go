package accounts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/antigravity/codex-proxy/internal/oauth"
	"github.com/antigravity/codex-proxy/internal/ratelimit"
	"github.com/antigravity/codex-proxy/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

type countingStore struct {
	*storage.Store
	saves atomic.Int32
}

func (c *countingStore) SaveAccounts(ctx context.Context, s *models.AccountStorage) error {
	c.saves.Add(1)
	return c.Store.SaveAccounts(ctx, s)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []int
}

func (o *recordingObserver) NotifyAccountSelected(index int, _ models.SwitchReason) {
	o.mu.Lock()
	o.events = append(o.events, index)
	o.mu.Unlock()
}

func newTestManager(t *testing.T, opts Options, accs ...models.Account) (*Manager, *countingStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	st := &countingStore{Store: storage.NewStore(t.TempDir(), clk, zap.NewNop())}
	if len(accs) > 0 {
		require.NoError(t, st.Store.SaveAccounts(context.Background(), &models.AccountStorage{Version: 3, Accounts: accs}))
	}
	if opts.PersistDebounce == 0 {
		opts.PersistDebounce = 20 * time.Millisecond
	}
	m := NewManager(st, ratelimit.NewTracker(ratelimit.DefaultConfig(), clk), clk, zap.NewNop(), opts)
	require.NoError(t, m.Load(context.Background()))
	t.Cleanup(func() { _ = m.Save(context.Background()) })
	return m, st, clk
}

func acct(id string) models.Account {
	return models.Account{AccountID: id, RefreshToken: "rt-" + id, Email: id + "@example.com"}
}

func makeJWT(t *testing.T, payload map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return "e30." + base64.RawURLEncoding.EncodeToString(raw) + ".sig"
}

func TestSelectHybridKeepsActiveUntilRateLimited(t *testing.T) {
	m, _, _ := newTestManager(t, Options{}, acct("a"), acct("b"))
	obs := &recordingObserver{}
	m.Subscribe(obs)

	first, err := m.Select(models.FamilyCodex, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", first.AccountID)

	again, err := m.Select(models.FamilyCodex, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "a", again.AccountID)

	m.MarkRateLimited(first.UID, 2*time.Second, models.FamilyCodex, "429", "")
	next, err := m.Select(models.FamilyCodex, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", next.AccountID)
	assert.Equal(t, 1, m.ActiveIndexFor(models.FamilyCodex))
	assert.Equal(t, []int{0, 1}, obs.events)

	got, _ := m.Get(1)
	assert.Equal(t, models.SwitchRateLimit, got.LastSwitchReason)
}

func TestSelectHybridPrefersLeastRecentlyUsedOnTie(t *testing.T) {
	a, b, c := acct("a"), acct("b"), acct("c")
	b.LastUsed = 50
	c.LastUsed = 10
	m, _, _ := newTestManager(t, Options{}, a, b, c)
	accs := m.Accounts()

	m.MarkCoolingDown(accs[0].UID, time.Minute, models.CooldownNetworkError)
	got, err := m.Select(models.FamilyCodex, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "c", got.AccountID)
}

func TestSelectHybridPrefersHealth(t *testing.T) {
	a, b, c := acct("a"), acct("b"), acct("c")
	b.LastUsed = 50
	c.LastUsed = 10
	m, _, _ := newTestManager(t, Options{}, a, b, c)
	accs := m.Accounts()

	m.MarkCoolingDown(accs[0].UID, time.Minute, models.CooldownNetworkError)
	// c 的健康分下降后，b 胜出
	m.RecordFailure(accs[2].UID, models.FamilyCodex)
	got, err := m.Select(models.FamilyCodex, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.AccountID)
	assert.Greater(t, m.Tracker().Health(TrackerKey(accs[1].UID), models.FamilyCodex),
		m.Tracker().Health(TrackerKey(accs[2].UID), models.FamilyCodex))
}

func TestSelectRoundRobinAdvances(t *testing.T) {
	m, _, _ := newTestManager(t, Options{Strategy: StrategyRoundRobin}, acct("a"), acct("b"), acct("c"))
	var seen []string
	for i := 0; i < 4; i++ {
		got, err := m.Select(models.FamilyGPT51, "", nil)
		require.NoError(t, err)
		seen = append(seen, got.AccountID)
	}
	assert.Equal(t, []string{"b", "c", "a", "b"}, seen)
}

func TestSelectorNeverReturnsIneligible(t *testing.T) {
	disabled := acct("disabled")
	disabled.SetEnabled(false)
	m, _, _ := newTestManager(t, Options{}, acct("cool"), acct("empty"), disabled, acct("ok"))
	accs := m.Accounts()

	m.MarkCoolingDown(accs[0].UID, time.Minute, models.CooldownAuthFailure)
	for m.ConsumeToken(accs[1].UID, models.FamilyCodex) {
	}

	for i := 0; i < 5; i++ {
		got, err := m.Select(models.FamilyCodex, "", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", got.AccountID)
	}

	exp := m.Explain(models.FamilyCodex, "")
	assert.Equal(t, []string{ReasonCoolingDown}, exp[0].Reasons)
	assert.Equal(t, []string{ReasonTokenBucketEmpty}, exp[1].Reasons)
	assert.Equal(t, []string{ReasonDisabled}, exp[2].Reasons)
	assert.Equal(t, []string{ReasonEligible}, exp[3].Reasons)
	assert.True(t, exp[3].Eligible)
}

func TestSelectExclusionAndNoEligible(t *testing.T) {
	m, _, _ := newTestManager(t, Options{}, acct("a"), acct("b"))
	accs := m.Accounts()

	ex := Exclusion{}
	ex.Add(accs[0].UID)
	got, err := m.Select(models.FamilyCodex, "", ex)
	require.NoError(t, err)
	assert.Equal(t, "b", got.AccountID)

	m.MarkRateLimited(accs[0].UID, 30*time.Second, models.FamilyCodex, "429", "")
	m.MarkRateLimited(accs[1].UID, 10*time.Second, models.FamilyCodex, "429", "")
	_, err = m.Select(models.FamilyCodex, "", nil)
	ne, ok := IsNoEligible(err)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, ne.Wait)
	assert.True(t, m.AllRateLimited(models.FamilyCodex, ""))
	assert.False(t, m.AllRateLimited(models.FamilyGPT51, ""))
}

func TestSelectEmptyPool(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	_, err := m.Select(models.FamilyCodex, "", nil)
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestForcedAccountWins(t *testing.T) {
	m, _, _ := newTestManager(t, Options{ForcedAccount: "B@example.com"}, acct("a"), acct("b"))
	got, err := m.Select(models.FamilyCodex, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.AccountID)
}

func TestMarkRateLimitedIsMonotonic(t *testing.T) {
	m, _, clk := newTestManager(t, Options{}, acct("a"))
	uid := m.Accounts()[0].UID

	m.MarkRateLimited(uid, time.Minute, models.FamilyCodex, "429", "gpt-5.2-codex")
	clk.Advance(time.Second)
	m.MarkRateLimited(uid, time.Second, models.FamilyCodex, "429", "gpt-5.2-codex")

	got, _ := m.Get(0)
	want := t0.Add(time.Minute).UnixMilli()
	assert.Equal(t, want, got.RateLimitResetTimes[models.FamilyCodex])
	assert.Equal(t, want, got.RateLimitResetTimes["codex:gpt-5.2-codex"])
	assert.Less(t, m.Tracker().Tokens(TrackerKey(uid), models.FamilyCodex), 50.0)
}

func TestRemoveAccountRemapsIndexes(t *testing.T) {
	cases := []struct {
		active, remove, want int
	}{
		{active: 0, remove: 2, want: 0},
		{active: 1, remove: 2, want: 1},
		{active: 2, remove: 2, want: 1},
		{active: 3, remove: 2, want: 2},
		{active: 0, remove: 0, want: 0},
	}
	for _, tc := range cases {
		m, _, _ := newTestManager(t, Options{}, acct("a"), acct("b"), acct("c"), acct("d"))
		_, err := m.SetActiveIndex(tc.active)
		require.NoError(t, err)

		_, err = m.RemoveAccount(tc.remove)
		require.NoError(t, err)
		assert.Equal(t, tc.want, m.ActiveIndex(), "active=%d remove=%d", tc.active, tc.remove)
		assert.Equal(t, tc.want, m.ActiveIndexFor(models.FamilyCodex))
	}

	m, _, _ := newTestManager(t, Options{}, acct("a"))
	_, err := m.RemoveAccount(3)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestRemoveKeepsWorkspaceDistinctEntries(t *testing.T) {
	a := models.Account{RefreshToken: "shared", OrganizationID: "org-1"}
	b := models.Account{RefreshToken: "shared", OrganizationID: "org-2"}
	c := models.Account{RefreshToken: "other", AccountID: "x"}
	m, _, _ := newTestManager(t, Options{}, a, b, c)
	require.Equal(t, 3, m.Count())

	_, err := m.RemoveAccount(2)
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background()))

	snap := m.Snapshot()
	require.Len(t, snap.Accounts, 2)
	assert.Equal(t, "org-1", snap.Accounts[0].OrganizationID)
	assert.Equal(t, "org-2", snap.Accounts[1].OrganizationID)
}

func TestPersistIsDebounced(t *testing.T) {
	m, st, _ := newTestManager(t, Options{PersistDebounce: 50 * time.Millisecond}, acct("a"), acct("b"))
	accs := m.Accounts()

	m.MarkRateLimited(accs[0].UID, 2*time.Second, models.FamilyCodex, "429", "")
	_, err := m.Select(models.FamilyCodex, "", nil)
	require.NoError(t, err)
	m.RecordSuccess(accs[1].UID, models.FamilyCodex)

	require.Eventually(t, func() bool { return st.saves.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), st.saves.Load())

	loaded, err := st.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.ActiveIndexByFamily[models.FamilyCodex])
	assert.Equal(t, t0.Add(2*time.Second).UnixMilli(), loaded.Accounts[0].RateLimitResetTimes[models.FamilyCodex])
}

func TestFlushPendingSave(t *testing.T) {
	m, st, _ := newTestManager(t, Options{PersistDebounce: time.Hour}, acct("a"))
	_, err := m.SetNote(0, "  primary  ")
	require.NoError(t, err)

	require.NoError(t, m.FlushPendingSave(context.Background()))
	assert.Equal(t, int32(1), st.saves.Load())
	require.NoError(t, m.FlushPendingSave(context.Background()))
	assert.Equal(t, int32(1), st.saves.Load())

	loaded, _ := st.LoadAccounts(context.Background())
	assert.Equal(t, "primary", loaded.Accounts[0].AccountNote)
}

func TestAuthFailuresTriggerCooldown(t *testing.T) {
	m, _, _ := newTestManager(t, Options{AuthFailureThreshold: 3, AuthFailureCooldown: time.Minute}, acct("a"))
	uid := m.Accounts()[0].UID

	for i := 1; i < 3; i++ {
		n, cooled := m.IncrementAuthFailures(uid)
		assert.Equal(t, i, n)
		assert.False(t, cooled)
	}
	_, cooled := m.IncrementAuthFailures(uid)
	assert.True(t, cooled)

	got, _ := m.Get(0)
	assert.Equal(t, models.CooldownAuthFailure, got.CooldownReason)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), got.CoolingDownUntil)

	m.ClearAuthFailures(uid)
	got, _ = m.Get(0)
	assert.Zero(t, got.ConsecutiveAuthFailures)
	assert.Zero(t, got.CoolingDownUntil)
}

func TestUpdateFromAuthRespectsStickySource(t *testing.T) {
	tokenBound := acct("old")
	tokenBound.AccountIDSource = models.SourceToken
	orgBound := models.Account{AccountID: "org-acc", OrganizationID: "org", AccountIDSource: models.SourceOrg, RefreshToken: "rt-org"}
	m, _, _ := newTestManager(t, Options{}, tokenBound, orgBound)
	accs := m.Accounts()

	access := makeJWT(t, map[string]any{"https://api.openai.com/auth": map[string]any{"chatgpt_account_id": "new"}})
	res := oauth.TokenResult{Type: oauth.ResultSuccess, Access: access, Refresh: "rt-next", Expires: 123}

	require.NoError(t, m.UpdateFromAuth(accs[0].UID, res))
	require.NoError(t, m.UpdateFromAuth(accs[1].UID, res))

	got0, _ := m.Get(0)
	got1, _ := m.Get(1)
	assert.Equal(t, "new", got0.AccountID)
	assert.Equal(t, "rt-next", got0.RefreshToken)
	assert.Equal(t, access, got0.Access)
	assert.Equal(t, "org-acc", got1.AccountID)
	assert.Equal(t, int64(123), got1.Expires)
}

func TestShouldNotifyDebounces(t *testing.T) {
	m, _, clk := newTestManager(t, Options{ToastDebounce: time.Minute}, acct("a"))
	uid := m.Accounts()[0].UID

	assert.True(t, m.ShouldNotify(uid))
	assert.False(t, m.ShouldNotify(uid))
	clk.Advance(61 * time.Second)
	assert.True(t, m.ShouldNotify(uid))
}

func TestLoadMergesFallback(t *testing.T) {
	clk := clock.NewManual(t0)
	dir := t.TempDir()
	st := storage.NewStore(dir, clk, zap.NewNop())
	require.NoError(t, st.SaveAccounts(context.Background(), &models.AccountStorage{Version: 3, Accounts: []models.Account{acct("a"), acct("b")}}))

	byID := NewManager(st, nil, clk, zap.NewNop(), Options{Fallback: &FallbackAuth{AccountID: "b", Refresh: "fresh", Access: "acc"}})
	require.NoError(t, byID.Load(context.Background()))
	got, _ := byID.Get(1)
	assert.Equal(t, "fresh", got.RefreshToken)
	assert.Equal(t, 2, byID.Count())
	require.NoError(t, byID.Save(context.Background()))

	byEmail := NewManager(st, nil, clk, zap.NewNop(), Options{Fallback: &FallbackAuth{Email: "A@example.com", Refresh: "fresh-a"}})
	require.NoError(t, byEmail.Load(context.Background()))
	got, _ = byEmail.Get(0)
	assert.Equal(t, "fresh-a", got.RefreshToken)
	require.NoError(t, byEmail.Save(context.Background()))

	appended := NewManager(st, nil, clk, zap.NewNop(), Options{Fallback: &FallbackAuth{AccountID: "zzz", Refresh: "new"}})
	require.NoError(t, appended.Load(context.Background()))
	assert.Equal(t, 3, appended.Count())
	require.NoError(t, appended.Save(context.Background()))
}

func TestAddFromOAuthUpserts(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	access := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{"chatgpt_account_id": "acc-1"},
		"email":                       "me@example.com",
	})
	res := oauth.TokenResult{Type: oauth.ResultSuccess, Access: access, Refresh: "r1", Expires: 1}

	idx, err := m.AddFromOAuth(res, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	res.Refresh = "r2"
	idx, err = m.AddFromOAuth(res, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, 1, m.Count())
	got, _ := m.Get(0)
	assert.Equal(t, "r2", got.RefreshToken)
	assert.Equal(t, "me@example.com", got.Email)

	_, err = m.AddFromOAuth(oauth.Failed(oauth.ReasonHTTPError, 400, "bad"), nil)
	assert.Error(t, err)
}

type fakeRefresher struct {
	res   oauth.TokenResult
	calls int
}

func (f *fakeRefresher) Refresh(context.Context, string) oauth.TokenResult {
	f.calls++
	return f.res
}

func TestRefreshInvalidGrantFlagsAccount(t *testing.T) {
	m, st, _ := newTestManager(t, Options{}, acct("a"), acct("b"))
	r := &fakeRefresher{res: oauth.Failed(oauth.ReasonHTTPError, 400, `{"error":"invalid_grant"}`)}

	_, err := m.RefreshAccount(context.Background(), 0, r)
	require.Error(t, err)
	assert.Equal(t, 1, m.Count())

	flagged, err := m.Flagged(context.Background())
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, FlagReasonInvalidGrant, flagged[0].FlaggedReason)
	assert.Equal(t, "rt-a", flagged[0].RefreshToken)

	restored, err := m.RestoreFlagged(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "a", restored.AccountID)
	assert.Equal(t, 2, m.Count())

	remaining, err := st.LoadFlagged(context.Background())
	require.NoError(t, err)
	require.NotNil(t, remaining)
	assert.Empty(t, remaining.Accounts)
}

func TestRefreshSuccessUpdatesTokens(t *testing.T) {
	m, _, _ := newTestManager(t, Options{}, acct("a"))
	r := &fakeRefresher{res: oauth.TokenResult{Type: oauth.ResultSuccess, Access: "x", Refresh: "rt-new", Expires: 99}}
	_, err := m.RefreshAccount(context.Background(), 0, r)
	require.NoError(t, err)
	got, _ := m.Get(0)
	assert.Equal(t, "rt-new", got.RefreshToken)
}

func TestApplyRefreshNeverRollsBackRotation(t *testing.T) {
	m, _, _ := newTestManager(t, Options{}, acct("a"), acct("b"))
	first := oauth.TokenResult{Type: oauth.ResultSuccess, Access: "at-1", Refresh: "rt-a2", Expires: 100}
	assert.Equal(t, 1, m.ApplyRefresh("rt-a", first))

	// 迟到的同一结果与旧 token 的结果都不再生效
	assert.Zero(t, m.ApplyRefresh("rt-a", first))
	second := oauth.TokenResult{Type: oauth.ResultSuccess, Access: "at-2", Refresh: "rt-a3", Expires: 200}
	assert.Equal(t, 1, m.ApplyRefresh("rt-a2", second))
	assert.Zero(t, m.ApplyRefresh("rt-a", first))

	a, _ := m.Get(0)
	b, _ := m.Get(1)
	assert.Equal(t, "rt-a3", a.RefreshToken)
	assert.Equal(t, "at-2", a.Access)
	assert.Equal(t, "rt-b", b.RefreshToken)
	assert.Empty(t, b.Access)

	// 未轮换的刷新不会用更早的过期时间覆盖
	stale := oauth.TokenResult{Type: oauth.ResultSuccess, Access: "at-old", Expires: 150}
	assert.Zero(t, m.ApplyRefresh("rt-a3", stale))
	assert.Zero(t, m.ApplyRefresh("rt-b", oauth.Failed(oauth.ReasonHTTPError, 400, "boom")))
}

type rotatedElsewhere struct {
	m *Manager
}

func (r rotatedElsewhere) Refresh(_ context.Context, rt string) oauth.TokenResult {
	r.m.ApplyRefresh(rt, oauth.TokenResult{Type: oauth.ResultSuccess, Access: "winner", Refresh: rt + "-next", Expires: 50})
	return oauth.Failed(oauth.ReasonHTTPError, 400, `{"error":"invalid_grant"}`)
}

func TestRefreshInvalidGrantAfterRotationDoesNotFlag(t *testing.T) {
	m, _, _ := newTestManager(t, Options{}, acct("a"))
	_, err := m.RefreshAccount(context.Background(), 0, rotatedElsewhere{m: m})
	require.Error(t, err)

	require.Equal(t, 1, m.Count())
	got, _ := m.Get(0)
	assert.Equal(t, "rt-a-next", got.RefreshToken)
	assert.Zero(t, got.ConsecutiveAuthFailures)
	flagged, err := m.Flagged(context.Background())
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestImportMergesAndPreservesRuntimeIDs(t *testing.T) {
	m, st, _ := newTestManager(t, Options{}, acct("a"))
	before := m.Accounts()[0].UID
	require.NoError(t, m.UpdateFromAuth(before, oauth.TokenResult{Type: oauth.ResultSuccess, Access: "live", Expires: 1}))

	src := filepath.Join(t.TempDir(), "import.json")
	data, err := json.Marshal(models.AccountStorage{Version: 3, Accounts: []models.Account{acct("a"), acct("b")}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(src, data, 0o600))

	res, err := m.Import(context.Background(), st.Store, src, storage.BackupRequired)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Total)
	assert.NotEmpty(t, res.BackupPath)

	accs := m.Accounts()
	assert.Equal(t, before, accs[0].UID)
	assert.Equal(t, "live", accs[0].Access)
}

func TestStatusAndHealthReports(t *testing.T) {
	m, _, _ := newTestManager(t, Options{}, acct("a"), acct("b"))
	status := m.Status()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Enabled)
	assert.Len(t, status.Eligibility[models.FamilyCodex], 2)

	health := m.Health()
	require.Len(t, health, 2)
	assert.Equal(t, 50.0, health[0].Tokens[models.FamilyCodex])

	views := m.List()
	assert.True(t, views[0].Active)
	assert.False(t, views[1].Active)
}
