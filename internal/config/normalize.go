package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeUpload(); err != nil {
		return err
	}
	c.normalizeFields()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return fmt.Errorf("paths.upload_dir: %w", err)
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIPath = strings.TrimSpace(c.Paths.APIPath)
	if c.Paths.APIPath == "" {
		c.Paths.APIPath = defaultAPIPath
	}
	if !strings.HasPrefix(c.Paths.APIPath, "/") {
		c.Paths.APIPath = "/" + c.Paths.APIPath
	}
	if len(c.Paths.APIPath) > 1 {
		c.Paths.APIPath = strings.TrimRight(c.Paths.APIPath, "/")
	}
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("UPLOADER_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeUpload() error {
	c.Upload.MaxFileSize = strings.TrimSpace(c.Upload.MaxFileSize)
	if c.Upload.MaxFileSize != "" {
		if _, err := units.RAMInBytes(c.Upload.MaxFileSize); err != nil {
			return fmt.Errorf("upload.max_file_size: %w", err)
		}
	}

	types := make([]string, 0, len(c.Upload.FileTypes))
	seen := make(map[string]struct{}, len(c.Upload.FileTypes))
	for _, entry := range c.Upload.FileTypes {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if _, dup := seen[entry]; dup {
			continue
		}
		seen[entry] = struct{}{}
		types = append(types, entry)
	}
	c.Upload.FileTypes = types

	c.Upload.FilePermissions = strings.TrimSpace(c.Upload.FilePermissions)
	if c.Upload.SweepIntervalSeconds <= 0 {
		c.Upload.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	return nil
}

func (c *Config) normalizeFields() {
	defaults := DefaultFields()
	fill := func(value *string, fallback string) {
		*value = strings.TrimSpace(*value)
		if *value == "" {
			*value = fallback
		}
	}
	fill(&c.Fields.FileName, defaults.FileName)
	fill(&c.Fields.MimeType, defaults.MimeType)
	fill(&c.Fields.TotalSize, defaults.TotalSize)
	fill(&c.Fields.ChunkNumber, defaults.ChunkNumber)
	fill(&c.Fields.ChunkSize, defaults.ChunkSize)
	fill(&c.Fields.TotalChunks, defaults.TotalChunks)
	fill(&c.Fields.Content, defaults.Content)
	fill(&c.Fields.OnProgress, defaults.OnProgress)
	fill(&c.Fields.Session, defaults.Session)
	fill(&c.Fields.ChunkExtra, defaults.ChunkExtra)
	fill(&c.Fields.FinishExtra, defaults.FinishExtra)
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyURL = strings.TrimRight(strings.TrimSpace(c.Notifications.NtfyURL), "/")
	if c.Notifications.NtfyURL == "" {
		if value, ok := os.LookupEnv("UPLOADER_NTFY_URL"); ok {
			c.Notifications.NtfyURL = strings.TrimRight(strings.TrimSpace(value), "/")
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
