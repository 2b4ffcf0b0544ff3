package storage

import (
	"os"
	"path/filepath"
	"time"
)

// EnsureParentDir ensures the directory holding path exists with default permissions.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// RetentionCutoff returns the instant before which records older than days expire.
func RetentionCutoff(now time.Time, days int) time.Time {
	return now.AddDate(0, 0, -days)
}
