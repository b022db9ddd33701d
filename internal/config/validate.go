package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateFields(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.UploadDir == "" {
		return errors.New("paths.upload_dir must be set")
	}
	if c.Paths.StagingDir == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if nested(c.Paths.UploadDir, c.Paths.StagingDir) || nested(c.Paths.StagingDir, c.Paths.UploadDir) {
		return fmt.Errorf("paths.upload_dir %q and paths.staging_dir %q must not overlap", c.Paths.UploadDir, c.Paths.StagingDir)
	}
	return nil
}

// nested reports whether child equals parent or lies beneath it.
func nested(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (c *Config) validateUpload() error {
	for _, entry := range c.Upload.FileTypes {
		if !doublestar.ValidatePattern(entry) {
			return fmt.Errorf("upload.file_types: invalid pattern %q", entry)
		}
	}
	if _, _, err := c.FileMode(); err != nil {
		return err
	}
	if c.Upload.IdleTimeoutMinutes < 0 {
		return errors.New("upload.idle_timeout_minutes must not be negative")
	}
	if c.Upload.StaleStagingHours < 0 {
		return errors.New("upload.stale_staging_hours must not be negative")
	}
	return nil
}

func (c *Config) validateFields() error {
	names := map[string]string{
		"file_name":    c.Fields.FileName,
		"mime_type":    c.Fields.MimeType,
		"total_size":   c.Fields.TotalSize,
		"chunk_number": c.Fields.ChunkNumber,
		"chunk_size":   c.Fields.ChunkSize,
		"total_chunks": c.Fields.TotalChunks,
		"content":      c.Fields.Content,
		"on_progress":  c.Fields.OnProgress,
		"session":      c.Fields.Session,
		"chunk_extra":  c.Fields.ChunkExtra,
		"finish_extra": c.Fields.FinishExtra,
	}
	owners := make(map[string]string, len(names))
	for key, wire := range names {
		if other, dup := owners[wire]; dup {
			first, second := other, key
			if second < first {
				first, second = second, first
			}
			return fmt.Errorf("fields.%s and fields.%s both use %q", first, second, wire)
		}
		owners[wire] = key
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RetryMax < 0 {
		return errors.New("notifications.retry_max must not be negative")
	}
	url := c.Notifications.NtfyURL
	if url != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("notifications.ntfy_url must be an http(s) URL, got %q", url)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must not be negative")
	}
	return nil
}
