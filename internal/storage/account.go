package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/antigravity/codex-proxy/internal/identity"
	"github.com/antigravity/codex-proxy/internal/models"
	"go.uber.org/zap"
)

// LoadAccounts reads the pool. A missing file or an unknown version yields (nil, nil).
// A version 1 file is migrated and the migrated form is written back best-effort.
func (s *Store) LoadAccounts(ctx context.Context) (*models.AccountStorage, error) {
	var out *models.AccountStorage
	err := s.withLock(ctx, func() error {
		path := s.AccountsPath()
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return newStorageError("read", path, err)
		}

		res, err := ParseAccountStorage(data, s.clock.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, w := range res.Warnings {
			s.logger.Warn("Account storage warning", zap.String("path", path), zap.String("warning", w))
		}
		if res.Storage == nil {
			return nil
		}

		if res.Migrated {
			s.logger.Info("Migrated account storage", zap.Int("version", models.AccountStorageVersion))
			if err := s.saveAccountsLocked(ctx, res.Storage); err != nil {
				s.logger.Warn("Failed to persist migrated storage", zap.Error(err))
			}
		}
		out = res.Storage
		return nil
	})
	return out, err
}

// SaveAccounts normalizes and atomically writes the pool
func (s *Store) SaveAccounts(ctx context.Context, storage *models.AccountStorage) error {
	return s.withLock(ctx, func() error {
		return s.saveAccountsLocked(ctx, storage)
	})
}

func (s *Store) saveAccountsLocked(ctx context.Context, storage *models.AccountStorage) error {
	if storage == nil {
		storage = &models.AccountStorage{}
	}
	normalized := identity.NormalizeStorage(storage)
	if normalized.Accounts == nil {
		normalized.Accounts = []models.Account{}
	}

	data, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account storage: %w", err)
	}
	if err := s.writeAtomic(ctx, s.AccountsPath(), data); err != nil {
		return err
	}
	s.ensureGitignore()
	return nil
}

// ClearAccounts removes the accounts file; a missing file is not an error
func (s *Store) ClearAccounts(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		return removeIfExists(s.AccountsPath())
	})
}
