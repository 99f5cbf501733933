package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageStoreRecordAndAggregate(t *testing.T) {
	clk := clock.NewManual(testNow)
	s, err := NewUsageStore(filepath.Join(t.TempDir(), "usage.db"), 30, clk)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(UsageRecord{AccountKey: "acct1", Email: "a@x.com", Status: 200, Outcome: OutcomeSuccess, LatencyMs: 100}))
	require.NoError(t, s.Record(UsageRecord{AccountKey: "acct1", Status: 429, Outcome: OutcomeRateLimited, LatencyMs: 50}))
	require.NoError(t, s.Record(UsageRecord{AccountKey: "acct2", Status: 502, Outcome: OutcomeServerError}))

	agg, err := s.AccountUsage("acct1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Requests)
	assert.Equal(t, int64(1), agg.Successes)
	assert.Equal(t, int64(1), agg.RateLimited)
	assert.Equal(t, int64(75), agg.AvgLatencyMs())
	assert.Equal(t, "a@x.com", agg.Email)
	assert.Equal(t, 429, agg.LastStatus)

	all, err := s.AllAccountUsage()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int64(1), all["acct2"].Failures)
}

func TestUsageStorePruneAndRecent(t *testing.T) {
	clk := clock.NewManual(testNow)
	s, err := NewUsageStore(filepath.Join(t.TempDir(), "usage.db"), 1, clk)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(UsageRecord{AccountKey: "a", Timestamp: testNow.Add(-48 * time.Hour), Outcome: OutcomeSuccess}))
	require.NoError(t, s.Record(UsageRecord{AccountKey: "a", Timestamp: testNow, Outcome: OutcomeSuccess, RequestID: "new"}))

	s.Prune()

	recent, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].RequestID)
}
