package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// FileDSN converts a filesystem path into an on-disk SQLite DSN with sensible
// defaults. DSNs that already use the file: scheme are returned unchanged.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	if strings.HasPrefix(trimmed, "file:") {
		return trimmed, nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}
