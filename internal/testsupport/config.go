package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/crossbario/crossbar-sub003/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.UploadDir = filepath.Join(base, "files")
	cfgVal.Paths.StagingDir = filepath.Join(base, "staging")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithMaxFileSize sets the upload size limit, e.g. "64B" or "1MiB".
func WithMaxFileSize(size string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Upload.MaxFileSize = size
	}
}

// WithFileTypes sets the upload allow-list.
func WithFileTypes(types ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Upload.FileTypes = types
	}
}

// WithFilePermissions sets the octal mode applied to finished files.
func WithFilePermissions(mode string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Upload.FilePermissions = mode
	}
}

// WithOverwrite toggles replacement of existing finished files.
func WithOverwrite(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Upload.OverwriteExisting = enabled
	}
}

// WithAPIToken sets the bearer token required by the HTTP API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StagingDir)
}
