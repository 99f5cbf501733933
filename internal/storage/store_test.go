package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/antigravity/codex-proxy/internal/clock"
	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 4, 5, 6, 7, 890*int(time.Millisecond), time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testNow)
	return NewStore(t.TempDir(), clk, zap.NewNop()), clk
}

func TestLoadAccountsMissingFile(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	in := &models.AccountStorage{
		Version: models.AccountStorageVersion,
		Accounts: []models.Account{
			{RefreshToken: "r1", AccountID: "a1", Email: "a@example.com", AddedAt: 1, LastUsed: 2,
				RateLimitResetTimes: map[string]int64{models.FamilyCodex: 99}},
			{RefreshToken: "r2", OrganizationID: "o2", AccountTags: []string{"team"}},
		},
		ActiveIndex:         1,
		ActiveIndexByFamily: map[string]int{models.FamilyCodex: 1},
	}
	require.NoError(t, s.SaveAccounts(ctx, in))

	out, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	info, err := os.Stat(s.AccountsPath())
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	// 不应残留临时文件
	matches, _ := filepath.Glob(filepath.Join(s.Dir(), "*.tmp"))
	assert.Empty(t, matches)
}

func TestSaveDedupsBeforeWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccounts(ctx, &models.AccountStorage{
		Version: 3,
		Accounts: []models.Account{
			{RefreshToken: "old", AccountID: "same", LastUsed: 1},
			{RefreshToken: "new", AccountID: "same", LastUsed: 2},
		},
		ActiveIndex: 1,
	}))

	out, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, "new", out.Accounts[0].RefreshToken)
	assert.Equal(t, 0, out.ActiveIndex)
}

func TestMigrateV1FansOutFutureResetTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	future := testNow.Add(time.Minute).UnixMilli()
	past := testNow.Add(-time.Minute).UnixMilli()

	v1 := map[string]any{
		"version":     1,
		"activeIndex": 0,
		"accounts": []any{
			map[string]any{"refreshToken": "ra", "accountId": "A", "rateLimitResetTime": future},
			map[string]any{"refreshToken": "rb", "accountId": "B", "rateLimitResetTime": past},
		},
	}
	data, err := json.Marshal(v1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.AccountsPath(), data, 0o600))

	out, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, out.Accounts, 2)
	assert.Equal(t, models.AccountStorageVersion, out.Version)
	for _, family := range models.ModelFamilies {
		assert.Equal(t, future, out.Accounts[0].RateLimitResetTimes[family], family)
	}
	assert.Empty(t, out.Accounts[1].RateLimitResetTimes)

	// 迁移结果已写回磁盘
	raw, err := os.ReadFile(s.AccountsPath())
	require.NoError(t, err)
	var persisted map[string]any
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.EqualValues(t, 3, persisted["version"])
}

func TestMigrationIdempotent(t *testing.T) {
	now := testNow.UnixMilli()
	v1 := []byte(`{"version":1,"activeIndex":1,"accounts":[{"refreshToken":"a"},{"refreshToken":"b","rateLimitResetTime":` +
		"9999999999999" + `}]}`)

	first, err := ParseAccountStorage(v1, now)
	require.NoError(t, err)
	require.True(t, first.Migrated)

	again, err := json.Marshal(first.Storage)
	require.NoError(t, err)
	second, err := ParseAccountStorage(again, now)
	require.NoError(t, err)
	assert.False(t, second.Migrated)
	assert.Equal(t, first.Storage, second.Storage)
}

func TestUnknownVersionIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	original := []byte(`{"version":7,"accounts":[]}`)
	require.NoError(t, os.WriteFile(s.AccountsPath(), original, 0o600))

	out, err := s.LoadAccounts(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)

	raw, _ := os.ReadFile(s.AccountsPath())
	assert.Equal(t, original, raw)
}

func TestParseWarnsOnUnknownFields(t *testing.T) {
	res, err := ParseAccountStorage([]byte(`{"version":3,"extra":1,"accounts":[{"refreshToken":"r","mystery":true},{"email":"x"}]}`), 0)
	require.NoError(t, err)
	assert.Contains(t, res.Warnings, "unknown field extra")
	assert.Contains(t, res.Warnings, "unknown field accounts[0].mystery")
	assert.Len(t, res.Storage.Accounts, 1)
}

func TestClearMissingIsNotError(t *testing.T) {
	s, _ := newTestStore(t)
	assert.NoError(t, s.ClearAccounts(context.Background()))
	assert.NoError(t, s.ClearFlagged(context.Background()))
}

func TestRenameRetriesOnBusy(t *testing.T) {
	s, clk := newTestStore(t)
	failures := 2
	s.rename = func(from, to string) error {
		if failures > 0 {
			failures--
			return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EBUSY}
		}
		return os.Rename(from, to)
	}

	require.NoError(t, s.SaveAccounts(context.Background(), &models.AccountStorage{Version: 3}))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, clk.Sleeps())
}

func TestRenameFailureIsTyped(t *testing.T) {
	s, clk := newTestStore(t)
	s.rename = func(from, to string) error {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.EPERM}
	}

	err := s.SaveAccounts(context.Background(), &models.AccountStorage{Version: 3})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "EPERM", se.Code)
	assert.Equal(t, s.AccountsPath(), se.Path)
	assert.NotEmpty(t, se.Hint)
	assert.Len(t, clk.Sleeps(), renameAttempts-1)

	matches, _ := filepath.Glob(filepath.Join(s.Dir(), "*.tmp"))
	assert.Empty(t, matches)
}

func TestNoRetryOnNoSpace(t *testing.T) {
	s, clk := newTestStore(t)
	s.rename = func(from, to string) error {
		return &os.LinkError{Op: "rename", Old: from, New: to, Err: syscall.ENOSPC}
	}
	err := s.SaveAccounts(context.Background(), &models.AccountStorage{Version: 3})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ENOSPC", se.Code)
	assert.Empty(t, clk.Sleeps())
}

func TestStorageHintIsPlatformAware(t *testing.T) {
	assert.Contains(t, storageHint("windows", "EPERM", "/x/y.json"), "antivirus")
	assert.Contains(t, storageHint("linux", "EACCES", "/x/y.json"), "chmod")
}

func TestFlaggedLegacyMigration(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	legacy := []byte(`{"version":1,"accounts":[{"refreshToken":"r","flaggedAt":1},{"refreshToken":"r","flaggedAt":5,"lastError":"invalid_grant"}]}`)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), LegacyFlaggedFile), legacy, 0o600))

	got, err := s.LoadFlagged(ctx)
	require.NoError(t, err)
	require.Len(t, got.Accounts, 1)
	assert.Equal(t, "invalid_grant", got.Accounts[0].LastError)

	_, err = os.Stat(filepath.Join(s.Dir(), LegacyFlaggedFile))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.FlaggedPath())
	assert.NoError(t, err)
}

func TestBackupPathFormat(t *testing.T) {
	s, _ := newTestStore(t)
	path := s.BackupPath("codex-accounts")
	assert.Equal(t, filepath.Join(s.Dir(), BackupsDir), filepath.Dir(path))
	assert.Regexp(t, regexp.MustCompile(`^codex-accounts-20250304-050607890-[0-9a-f-]{8}\.json$`), filepath.Base(path))
}

func TestBackupAndImportFile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	path, err := s.BackupAccounts(ctx, "pre-import")
	require.NoError(t, err)
	assert.Empty(t, path)

	in := &models.AccountStorage{Version: 3, Accounts: []models.Account{{RefreshToken: "r"}}}
	require.NoError(t, s.SaveAccounts(ctx, in))
	path, err = s.BackupAccounts(ctx, "pre-import")
	require.NoError(t, err)
	assert.FileExists(t, path)

	dest := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, s.ExportAccounts(ctx, in, dest, false))
	assert.Error(t, s.ExportAccounts(ctx, in, dest, false))
	require.NoError(t, s.ExportAccounts(ctx, in, dest, true))

	imported, err := s.ReadImportFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "r", imported.Accounts[0].RefreshToken)
}

func TestParseBackupMode(t *testing.T) {
	m, err := ParseBackupMode("")
	require.NoError(t, err)
	assert.Equal(t, BackupBestEffort, m)
	_, err = ParseBackupMode("sometimes")
	assert.Error(t, err)
}

func TestGitignoreAppendedOnce(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".gitignore"), []byte("node_modules"), 0o644))

	s := NewStore(filepath.Join(repo, ".codex"), clock.NewManual(testNow), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.SaveAccounts(ctx, &models.AccountStorage{Version: 3}))
	require.NoError(t, s.SaveFlagged(ctx, &models.FlaggedAccountStorage{Version: 1}))

	raw, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "node_modules\n.codex/\n", string(raw))

	// 新实例也不会重复追加
	s2 := NewStore(filepath.Join(repo, ".codex"), clock.NewManual(testNow), zap.NewNop())
	require.NoError(t, s2.SaveAccounts(ctx, &models.AccountStorage{Version: 3}))
	raw, _ = os.ReadFile(filepath.Join(repo, ".gitignore"))
	assert.Equal(t, "node_modules\n.codex/\n", string(raw))
}

func TestGitignoreCheckedOnEverySave(t *testing.T) {
	repo := t.TempDir()
	s := NewStore(filepath.Join(repo, ".codex"), clock.NewManual(testNow), zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.SaveAccounts(ctx, &models.AccountStorage{Version: 3}))
	_, err := os.Stat(filepath.Join(repo, ".gitignore"))
	assert.True(t, os.IsNotExist(err))

	// 启动后才初始化的仓库在下一次保存时被发现
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755))
	require.NoError(t, s.SaveAccounts(ctx, &models.AccountStorage{Version: 3}))
	raw, err := os.ReadFile(filepath.Join(repo, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, ".codex/\n", string(raw))
}

func TestMutexIsFIFO(t *testing.T) {
	m := NewMutex()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, m.Lock(cancelled), context.Canceled)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, m.Lock(ctx))
		m.Unlock()
		close(done)
	}()
	m.Unlock()
	<-done
}
