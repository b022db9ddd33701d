package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/crossbario/crossbar-sub003/internal/config"
)

const (
	runLogPattern  = "uploader-*.log"
	currentLogName = "uploader.log"
)

// NewFromConfig opens the daemon logger. Records go to stdout and to a
// per-run file in cfg.Paths.LogDir, uploader.log is relinked to that file,
// and run files older than cfg.Logging.RetentionDays are pruned. level
// overrides cfg.Logging.Level when set. The run file path is returned.
func NewFromConfig(cfg *config.Config, level string, development bool) (*slog.Logger, string, error) {
	if cfg == nil {
		return nil, "", errors.New("config is required")
	}
	if level == "" {
		level = cfg.Logging.Level
	}
	sinks := []string{"stdout"}
	var runPath string
	if dir := cfg.Paths.LogDir; dir != "" {
		stamp := time.Now().UTC().Format("20060102T150405.000Z")
		runPath = filepath.Join(dir, fmt.Sprintf("uploader-%s.log", stamp))
		sinks = append(sinks, runPath)
	}
	logger, err := New(Options{Level: level, Format: cfg.Logging.Format, Sinks: sinks, Development: development})
	if err != nil {
		return nil, "", err
	}
	if runPath == "" {
		return logger, "", nil
	}
	if err := linkCurrentLog(cfg.Paths.LogDir, runPath); err != nil {
		WarnWithContext(logger, "current log link not updated", "log_link_failed",
			Error(err),
			String(FieldErrorHint, "check log_dir permissions"),
			String(FieldImpact, "uploader.log shows an earlier run"),
		)
	}
	pruneRunLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, runPath)
	return logger, runPath, nil
}

func linkCurrentLog(dir, target string) error {
	current := filepath.Join(dir, currentLogName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log link: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link current log: %w", err)
	}
	return nil
}

// pruneRunLogs removes run files last written before the retention window.
// Zero retention keeps everything.
func pruneRunLogs(logger *slog.Logger, dir string, retentionDays int, keep string) {
	if retentionDays <= 0 {
		return
	}
	names, err := doublestar.Glob(os.DirFS(dir), runLogPattern)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, name := range names {
		path := filepath.Join(dir, name)
		if path == keep {
			continue
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "run log not pruned", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check log_dir ownership"),
				String(FieldImpact, "old run log stays on disk"),
			)
			continue
		}
		logger.Info("run log pruned", String("path", path), String(FieldEventType, "log_pruned"))
	}
}
