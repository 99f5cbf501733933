package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ensureGitignore adds the config directory to the enclosing repository's .gitignore.
// It runs on every save; an entry that is already listed is left alone.
func (s *Store) ensureGitignore() {
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return
	}
	root := findRepoRoot(filepath.Dir(dir))
	if root == "" {
		return
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	entry := filepath.ToSlash(rel)
	if err := appendGitignore(filepath.Join(root, ".gitignore"), entry); err != nil {
		s.logger.Debug("Failed to update .gitignore", zap.Error(err))
	}
}

func findRepoRoot(start string) string {
	for dir := start; ; {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func appendGitignore(path, entry string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(existing)))
	for scanner.Scan() {
		line := strings.Trim(strings.TrimSpace(scanner.Text()), "/")
		if line == entry {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + entry + "/\n")
	return err
}
