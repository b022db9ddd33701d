package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crossbario/crossbar-sub003/internal/logging"
)

// CleanResult contains the outcome of a staging cleanup operation.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// ActiveFunc reports whether a staging directory name belongs to a tracked upload.
type ActiveFunc func(name string) bool

// CleanStale removes untracked staging directories older than maxAge.
// Tracked uploads are left alone; idle eviction handles those.
func CleanStale(ctx context.Context, stagingDir string, maxAge time.Duration, active ActiveFunc, logger *slog.Logger) CleanResult {
	result := CleanResult{}
	entries, ok := readRoot(stagingDir, &result)
	if !ok {
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() || (active != nil && active(entry.Name())) {
			continue
		}

		dirPath := filepath.Join(stagingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		removeDir(dirPath, "stale", &result, logger, logging.Duration("age", time.Since(info.ModTime())))
	}
	return result
}

// CleanOrphaned removes staging directories that don't belong to any tracked upload.
// The active check runs per directory, immediately before removal, so an upload
// admitted while the sweep is in progress keeps its directory.
func CleanOrphaned(ctx context.Context, stagingDir string, active ActiveFunc, logger *slog.Logger) CleanResult {
	result := CleanResult{}
	entries, ok := readRoot(stagingDir, &result)
	if !ok {
		return result
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() {
			continue
		}
		if active != nil && active(entry.Name()) {
			continue
		}
		removeDir(filepath.Join(stagingDir, entry.Name()), "orphaned", &result, logger)
	}
	return result
}

func readRoot(stagingDir string, result *CleanResult) ([]os.DirEntry, bool) {
	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return nil, false
	}
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: stagingDir, Error: err})
		}
		return nil, false
	}
	return entries, true
}

func removeDir(dirPath, reason string, result *CleanResult, logger *slog.Logger, extra ...slog.Attr) {
	if err := os.RemoveAll(dirPath); err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
		if logger != nil {
			logger.Warn("failed to remove "+reason+" staging directory",
				logging.String("path", dirPath),
				logging.Error(err),
				logging.String(logging.FieldEventType, "staging_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
		}
		return
	}
	result.Removed = append(result.Removed, dirPath)
	if logger != nil {
		attrs := []any{
			logging.String("path", dirPath),
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "staging_cleanup"),
		}
		for _, attr := range extra {
			attrs = append(attrs, attr)
		}
		logger.Info("removed "+reason+" staging directory", attrs...)
	}
}

// ListDirectories returns all directories in the staging directory with their metadata.
func ListDirectories(stagingDir string) ([]DirInfo, error) {
	stagingDir = strings.TrimSpace(stagingDir)
	if stagingDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		dirPath := filepath.Join(stagingDir, entry.Name())
		size, chunks := dirUsage(dirPath)

		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    size,
			Chunks:  chunks,
		})
	}

	return dirs, nil
}

// DirInfo contains metadata about a staging directory.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
	Chunks  int
}

// dirUsage sums file sizes beneath path and counts committed chunk files.
func dirUsage(path string) (int64, int) {
	var size int64
	var chunks int
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best effort
		}
		if info.IsDir() {
			return nil
		}
		size += info.Size()
		if _, ok := IsChunkName(info.Name()); ok {
			chunks++
		}
		return nil
	})
	return size, chunks
}
