package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antigravity/codex-proxy/internal/models"
)

// BackupMode controls the pre-import backup
type BackupMode string

const (
	BackupNone       BackupMode = "none"
	BackupBestEffort BackupMode = "best-effort"
	BackupRequired   BackupMode = "required"
)

// ParseBackupMode validates a user-supplied mode
func ParseBackupMode(s string) (BackupMode, error) {
	switch BackupMode(s) {
	case "":
		return BackupBestEffort, nil
	case BackupNone, BackupBestEffort, BackupRequired:
		return BackupMode(s), nil
	}
	return "", fmt.Errorf("invalid backup mode %q (want none, best-effort or required)", s)
}

// BackupPath returns <dir>/backups/<prefix>-YYYYMMDD-HHMMSSmmm-<nonce>.json for the current time
func (s *Store) BackupPath(prefix string) string {
	now := s.clock.Now()
	stamp := fmt.Sprintf("%s%03d", now.Format("20060102-150405"), now.Nanosecond()/int(1e6))
	return filepath.Join(s.dir, BackupsDir, fmt.Sprintf("%s-%s-%s.json", prefix, stamp, nonce()))
}

// BackupAccounts copies the current accounts file into the backups directory.
// It returns "" when there is nothing to back up.
func (s *Store) BackupAccounts(ctx context.Context, prefix string) (string, error) {
	var path string
	err := s.withLock(ctx, func() error {
		data, err := os.ReadFile(s.AccountsPath())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return newStorageError("read", s.AccountsPath(), err)
		}
		path = s.BackupPath(prefix)
		return s.writeAtomic(ctx, path, data)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// ExportAccounts writes storage to dest. An existing dest is only overwritten with force.
func (s *Store) ExportAccounts(ctx context.Context, storage *models.AccountStorage, dest string, force bool) error {
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		}
	}
	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	return s.writeAtomic(ctx, dest, data)
}

// ReadImportFile decodes an exported file (version 1 or 3)
func (s *Store) ReadImportFile(src string) (*models.AccountStorage, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, newStorageError("read", src, err)
	}
	res, err := ParseAccountStorage(data, s.clock.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", src, err)
	}
	if res.Storage == nil {
		return nil, fmt.Errorf("%s: %v", src, res.Warnings)
	}
	return res.Storage, nil
}
