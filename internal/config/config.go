package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	UploadDir  string `toml:"upload_dir" yaml:"upload_dir"`
	StagingDir string `toml:"staging_dir" yaml:"staging_dir"`
	StateDir   string `toml:"state_dir" yaml:"state_dir"`
	LogDir     string `toml:"log_dir" yaml:"log_dir"`
	APIBind    string `toml:"api_bind" yaml:"api_bind"`
	APIPath    string `toml:"api_path" yaml:"api_path"`
	APIToken   string `toml:"api_token" yaml:"api_token"`
}

// Upload contains the size, type, and permission policy applied to uploads.
type Upload struct {
	// MaxFileSize accepts human sizes such as "256MiB" or "2g". Empty disables the limit.
	MaxFileSize string `toml:"max_file_size" yaml:"max_file_size"`
	// FileTypes lists allowed extensions (".png") or doublestar patterns ("*.tar.gz").
	// An empty list allows every type.
	FileTypes []string `toml:"file_types" yaml:"file_types"`
	// FilePermissions is an octal mode ("0640") applied to finished files.
	FilePermissions      string `toml:"file_permissions" yaml:"file_permissions"`
	OverwriteExisting    bool   `toml:"overwrite_existing" yaml:"overwrite_existing"`
	IdleTimeoutMinutes   int    `toml:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	StaleStagingHours    int    `toml:"stale_staging_hours" yaml:"stale_staging_hours"`
}

// Fields maps each logical request field to the wire name a client uses for it.
type Fields struct {
	FileName    string `toml:"file_name" yaml:"file_name"`
	MimeType    string `toml:"mime_type" yaml:"mime_type"`
	TotalSize   string `toml:"total_size" yaml:"total_size"`
	ChunkNumber string `toml:"chunk_number" yaml:"chunk_number"`
	ChunkSize   string `toml:"chunk_size" yaml:"chunk_size"`
	TotalChunks string `toml:"total_chunks" yaml:"total_chunks"`
	Content     string `toml:"content" yaml:"content"`
	OnProgress  string `toml:"on_progress" yaml:"on_progress"`
	Session     string `toml:"session" yaml:"session"`
	ChunkExtra  string `toml:"chunk_extra" yaml:"chunk_extra"`
	FinishExtra string `toml:"finish_extra" yaml:"finish_extra"`
}

// Notifications contains configuration for progress event publishing.
type Notifications struct {
	// NtfyURL is the base URL; the per-upload progress topic is appended as a path segment.
	NtfyURL        string `toml:"ntfy_url" yaml:"ntfy_url"`
	RequestTimeout int    `toml:"request_timeout" yaml:"request_timeout"`
	RetryMax       int    `toml:"retry_max" yaml:"retry_max"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format" yaml:"format"`
	Level         string `toml:"level" yaml:"level"`
	RetentionDays int    `toml:"retention_days" yaml:"retention_days"`
}

// Config encapsulates all configuration values for the upload service.
//
// Configuration sections by subsystem:
//   - Paths: destination, staging, and state directories plus the API bind address
//   - Upload: size limit, allowed types, permissions, idle eviction
//   - Fields: wire names of the chunk request fields
//   - Notifications: ntfy progress publishing
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths" yaml:"paths"`
	Upload        Upload        `toml:"upload" yaml:"upload"`
	Fields        Fields        `toml:"fields" yaml:"fields"`
	Notifications Notifications `toml:"notifications" yaml:"notifications"`
	Logging       Logging       `toml:"logging" yaml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/uploader/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := decode(resolvedPath, file, &cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decode(path string, r io.Reader, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		dec := toml.NewDecoder(r)
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("UPLOADER_CONFIG"))
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("uploader.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.UploadDir, c.Paths.StagingDir, c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the SQLite ledger location inside the state directory.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "ledger.db")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "uploader.lock")
}

// MaxFileSizeBytes returns the parsed size limit; zero means unlimited.
// Load rejects unparsable sizes, so a parse failure here also reads as unlimited.
func (c *Config) MaxFileSizeBytes() int64 {
	value := strings.TrimSpace(c.Upload.MaxFileSize)
	if value == "" {
		return 0
	}
	size, err := units.RAMInBytes(value)
	if err != nil || size < 0 {
		return 0
	}
	return size
}

// FileMode returns the configured permission bits for finished files.
// The boolean is false when no permissions were configured; a value that is
// not an octal mode up to 0777 is an error.
func (c *Config) FileMode() (os.FileMode, bool, error) {
	value := strings.TrimSpace(c.Upload.FilePermissions)
	if value == "" {
		return 0, false, nil
	}
	mode, err := strconv.ParseUint(value, 8, 32)
	if err != nil {
		return 0, false, fmt.Errorf("upload.file_permissions must be an octal mode, got %q", value)
	}
	if mode > 0o777 {
		return 0, false, fmt.Errorf("upload.file_permissions %q exceeds 0777", value)
	}
	return os.FileMode(mode), true, nil
}

// IdleTimeout returns how long an upload may sit untouched before eviction.
// Zero disables idle eviction.
func (c *Config) IdleTimeout() time.Duration {
	if c.Upload.IdleTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Upload.IdleTimeoutMinutes) * time.Minute
}

// SweepInterval returns the period of the housekeeping sweeper.
func (c *Config) SweepInterval() time.Duration {
	if c.Upload.SweepIntervalSeconds <= 0 {
		return time.Duration(defaultSweepIntervalSeconds) * time.Second
	}
	return time.Duration(c.Upload.SweepIntervalSeconds) * time.Second
}

// StaleStagingAge returns the age past which untracked staging directories are removed.
func (c *Config) StaleStagingAge() time.Duration {
	if c.Upload.StaleStagingHours <= 0 {
		return 0
	}
	return time.Duration(c.Upload.StaleStagingHours) * time.Hour
}

// AllowsFile reports whether name passes the file type allow-list.
// Entries starting with "." are matched as case-insensitive extensions; other
// entries are doublestar patterns matched against the lowercased base name.
func (c *Config) AllowsFile(name string) bool {
	if len(c.Upload.FileTypes) == 0 {
		return true
	}
	base := strings.ToLower(filepath.Base(name))
	ext := filepath.Ext(base)
	for _, entry := range c.Upload.FileTypes {
		if strings.HasPrefix(entry, ".") && !strings.ContainsAny(entry, "*?[{") {
			if ext == entry {
				return true
			}
			continue
		}
		if ok, err := doublestar.Match(entry, base); err == nil && ok {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
