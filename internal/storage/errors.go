package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"syscall"
)

// StorageError is returned for every failed file-system operation of the store
type StorageError struct {
	Op   string
	Code string
	Path string
	Hint string
	Err  error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage %s %s: %s (%v)", e.Op, e.Path, e.Code, e.Err)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

func newStorageError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	code := errorCode(err)
	return &StorageError{
		Op:   op,
		Code: code,
		Path: path,
		Hint: storageHint(runtime.GOOS, code, path),
		Err:  err,
	}
}

func errorCode(err error) string {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EACCES:
			return "EACCES"
		case syscall.EPERM:
			return "EPERM"
		case syscall.EBUSY:
			return "EBUSY"
		case syscall.ENOSPC:
			return "ENOSPC"
		case syscall.EROFS:
			return "EROFS"
		case syscall.ENOENT:
			return "ENOENT"
		}
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return "EACCES"
	case errors.Is(err, fs.ErrNotExist):
		return "ENOENT"
	case errors.Is(err, errEmptyWrite):
		return "EEMPTY"
	}
	return "UNKNOWN"
}

func storageHint(goos, code, path string) string {
	dir := filepath.Dir(path)
	switch code {
	case "EACCES", "EPERM", "EBUSY":
		if goos == "windows" {
			return fmt.Sprintf("the file may be locked by antivirus or another process; add %s to your antivirus exclusions and retry", dir)
		}
		return fmt.Sprintf("check permissions with: chmod 700 %s && chmod 600 %s", dir, path)
	case "ENOSPC":
		return "the disk is full; free some space and retry"
	case "EROFS":
		return fmt.Sprintf("%s is on a read-only file system; set storage.data_dir to a writable location", dir)
	case "EEMPTY":
		return "the temporary file was empty after writing; check disk health"
	}
	return ""
}

// retryableRename reports transient lock errors raised while replacing a file
func retryableRename(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EBUSY)
}
