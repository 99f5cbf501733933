package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	renameAttempts  = 5
	renameBaseDelay = 10 * time.Millisecond
)

var errEmptyWrite = errors.New("temporary file is empty after write")

func nonce() string {
	return uuid.NewString()[:8]
}

// writeAtomic writes data to a temp file next to path and renames it over path
func (s *Store) writeAtomic(ctx context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return newStorageError("mkdir", filepath.Dir(path), err)
	}

	tmp := fmt.Sprintf("%s.%d.%s.tmp", path, s.clock.Now().UnixMilli(), nonce())
	if err := writeTemp(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return newStorageError("write", tmp, err)
	}

	if err := s.renameWithRetry(ctx, tmp, path); err != nil {
		_ = os.Remove(tmp)
		return newStorageError("rename", path, err)
	}
	return nil
}

func writeTemp(tmp string, data []byte) error {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errEmptyWrite
	}
	return nil
}

func (s *Store) renameWithRetry(ctx context.Context, from, to string) error {
	delay := renameBaseDelay
	var err error
	for attempt := 1; attempt <= renameAttempts; attempt++ {
		if err = s.rename(from, to); err == nil {
			return nil
		}
		if !retryableRename(err) || attempt == renameAttempts {
			break
		}
		s.logger.Debug("Rename failed, retrying",
			zap.String("path", to),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if sleepErr := s.clock.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay *= 2
	}
	return err
}
