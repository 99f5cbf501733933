package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/antigravity/codex-proxy/internal/models"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// LoadFlagged reads the flagged list, migrating the legacy blocked-accounts file on first load
func (s *Store) LoadFlagged(ctx context.Context) (*models.FlaggedAccountStorage, error) {
	var out *models.FlaggedAccountStorage
	err := s.withLock(ctx, func() error {
		path := s.FlaggedPath()
		data, err := os.ReadFile(path)
		migrated := false
		if os.IsNotExist(err) {
			legacy := s.legacyFlaggedPath()
			data, err = os.ReadFile(legacy)
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil {
				return newStorageError("read", legacy, err)
			}
			migrated = true
		} else if err != nil {
			return newStorageError("read", path, err)
		}

		if !gjson.ValidBytes(data) {
			return fmt.Errorf("failed to parse %s: invalid JSON", path)
		}
		if v := gjson.GetBytes(data, "version").Int(); v != models.FlaggedStorageVersion {
			s.logger.Warn("Unsupported flagged storage version", zap.Int64("version", v))
			return nil
		}
		var storage models.FlaggedAccountStorage
		if err := json.Unmarshal(data, &storage); err != nil {
			return fmt.Errorf("failed to decode flagged storage: %w", err)
		}
		normalized := normalizeFlagged(&storage)

		if migrated {
			if err := s.saveFlaggedLocked(ctx, normalized); err != nil {
				s.logger.Warn("Failed to migrate legacy flagged storage", zap.Error(err))
			} else if err := removeIfExists(s.legacyFlaggedPath()); err != nil {
				s.logger.Warn("Failed to remove legacy flagged storage", zap.Error(err))
			} else {
				s.logger.Info("Migrated legacy flagged storage", zap.String("path", path))
			}
		}
		out = normalized
		return nil
	})
	return out, err
}

// SaveFlagged writes the flagged list deduplicated by refresh token
func (s *Store) SaveFlagged(ctx context.Context, storage *models.FlaggedAccountStorage) error {
	return s.withLock(ctx, func() error {
		return s.saveFlaggedLocked(ctx, storage)
	})
}

func (s *Store) saveFlaggedLocked(ctx context.Context, storage *models.FlaggedAccountStorage) error {
	if storage == nil {
		storage = &models.FlaggedAccountStorage{}
	}
	data, err := json.MarshalIndent(normalizeFlagged(storage), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal flagged storage: %w", err)
	}
	if err := s.writeAtomic(ctx, s.FlaggedPath(), data); err != nil {
		return err
	}
	s.ensureGitignore()
	return nil
}

// ClearFlagged removes the flagged file
func (s *Store) ClearFlagged(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		return removeIfExists(s.FlaggedPath())
	})
}

// 按 refreshToken 去重，保留最近一次标记的记录
func normalizeFlagged(in *models.FlaggedAccountStorage) *models.FlaggedAccountStorage {
	out := &models.FlaggedAccountStorage{
		Version:  models.FlaggedStorageVersion,
		Accounts: make([]models.FlaggedAccount, 0, len(in.Accounts)),
	}
	pos := make(map[string]int, len(in.Accounts))
	for _, acc := range in.Accounts {
		if acc.RefreshToken == "" {
			continue
		}
		if i, ok := pos[acc.RefreshToken]; ok {
			if acc.FlaggedAt >= out.Accounts[i].FlaggedAt {
				out.Accounts[i] = acc
			}
			continue
		}
		pos[acc.RefreshToken] = len(out.Accounts)
		out.Accounts = append(out.Accounts, acc)
	}
	return out
}
