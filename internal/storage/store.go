package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/antigravity/codex-proxy/internal/clock"
	"go.uber.org/zap"
)

// 存储文件名
const (
	AccountsFile      = "openai-codex-accounts.json"
	FlaggedFile       = "openai-codex-flagged-accounts.json"
	LegacyFlaggedFile = "openai-codex-blocked-accounts.json"
	BackupsDir        = "backups"
)

// Store persists the account pool and the flagged list under one directory.
// All reads and writes are serialized by a single FIFO mutex.
type Store struct {
	dir    string
	mu     *Mutex
	clock  clock.Clock
	logger *zap.Logger

	// 便于测试注入重命名失败
	rename func(oldpath, newpath string) error
}

// NewStore creates a store rooted at dir
func NewStore(dir string, clk clock.Clock, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		mu:     NewMutex(),
		clock:  clk,
		logger: logger,
		rename: os.Rename,
	}
}

// Dir returns the config directory
func (s *Store) Dir() string { return s.dir }

// AccountsPath returns the accounts file path
func (s *Store) AccountsPath() string { return filepath.Join(s.dir, AccountsFile) }

// FlaggedPath returns the flagged accounts file path
func (s *Store) FlaggedPath() string { return filepath.Join(s.dir, FlaggedFile) }

func (s *Store) legacyFlaggedPath() string { return filepath.Join(s.dir, LegacyFlaggedFile) }

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	if err := s.mu.Lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return fn()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return newStorageError("remove", path, err)
	}
	return nil
}
