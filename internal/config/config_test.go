package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/crossbario/crossbar-sub003/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("UPLOADER_CONFIG", "")
	t.Setenv("UPLOADER_API_TOKEN", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantUpload := filepath.Join(tempHome, ".local", "share", "uploader", "files")
	if cfg.Paths.UploadDir != wantUpload {
		t.Fatalf("unexpected upload dir: got %q want %q", cfg.Paths.UploadDir, wantUpload)
	}
	wantStaging := filepath.Join(tempHome, ".local", "share", "uploader", "staging")
	if cfg.Paths.StagingDir != wantStaging {
		t.Fatalf("unexpected staging dir: got %q want %q", cfg.Paths.StagingDir, wantStaging)
	}
	if cfg.Paths.APIBind != "127.0.0.1:7488" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Paths.APIPath != "/upload" {
		t.Fatalf("unexpected api path: %q", cfg.Paths.APIPath)
	}
	if got := cfg.MaxFileSizeBytes(); got != 1<<30 {
		t.Fatalf("expected 1GiB limit, got %d", got)
	}
	if _, ok, err := cfg.FileMode(); ok || err != nil {
		t.Fatal("expected no file mode by default")
	}
	if cfg.Fields.ChunkNumber != "resumableChunkNumber" {
		t.Fatalf("unexpected chunk number field: %q", cfg.Fields.ChunkNumber)
	}
	if cfg.IdleTimeout() != 24*time.Hour {
		t.Fatalf("unexpected idle timeout: %s", cfg.IdleTimeout())
	}
	if cfg.LedgerPath() != filepath.Join(cfg.Paths.StateDir, "ledger.db") {
		t.Fatalf("unexpected ledger path: %q", cfg.LedgerPath())
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("UPLOADER_API_TOKEN", "")

	configPath := filepath.Join(t.TempDir(), "uploader.toml")
	payload := struct {
		Paths struct {
			UploadDir  string `toml:"upload_dir"`
			StagingDir string `toml:"staging_dir"`
			APIPath    string `toml:"api_path"`
		} `toml:"paths"`
		Upload struct {
			MaxFileSize     string   `toml:"max_file_size"`
			FileTypes       []string `toml:"file_types"`
			FilePermissions string   `toml:"file_permissions"`
		} `toml:"upload"`
		Fields struct {
			ChunkNumber string `toml:"chunk_number"`
		} `toml:"fields"`
	}{}
	payload.Paths.UploadDir = "~/incoming"
	payload.Paths.StagingDir = "~/chunks"
	payload.Paths.APIPath = "api/files/"
	payload.Upload.MaxFileSize = "256MiB"
	payload.Upload.FileTypes = []string{".PNG", "*.tar.gz", ".png"}
	payload.Upload.FilePermissions = "0640"
	payload.Fields.ChunkNumber = "chunk"

	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Paths.UploadDir != filepath.Join(tempHome, "incoming") {
		t.Fatalf("unexpected upload dir: %q", cfg.Paths.UploadDir)
	}
	if cfg.Paths.APIPath != "/api/files" {
		t.Fatalf("unexpected api path: %q", cfg.Paths.APIPath)
	}
	if got := cfg.MaxFileSizeBytes(); got != 256<<20 {
		t.Fatalf("unexpected size limit: %d", got)
	}
	if len(cfg.Upload.FileTypes) != 2 {
		t.Fatalf("expected duplicate file types to collapse, got %v", cfg.Upload.FileTypes)
	}
	mode, ok, err := cfg.FileMode()
	if err != nil || !ok || mode != 0o640 {
		t.Fatalf("unexpected file mode: %o (set=%v)", mode, ok)
	}
	if cfg.Fields.ChunkNumber != "chunk" {
		t.Fatalf("unexpected chunk number field: %q", cfg.Fields.ChunkNumber)
	}
	if cfg.Fields.FileName != "resumableFilename" {
		t.Fatalf("expected untouched fields to keep defaults, got %q", cfg.Fields.FileName)
	}
}

func TestLoadYAMLConfig(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "uploader.yaml")
	content := strings.Join([]string{
		"paths:",
		"  upload_dir: ~/files",
		"  staging_dir: ~/staging",
		"upload:",
		"  max_file_size: 2g",
		"  overwrite_existing: true",
		"logging:",
		"  format: json",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.Paths.StagingDir != filepath.Join(tempHome, "staging") {
		t.Fatalf("unexpected staging dir: %q", cfg.Paths.StagingDir)
	}
	if cfg.MaxFileSizeBytes() != 2<<30 {
		t.Fatalf("unexpected size limit: %d", cfg.MaxFileSizeBytes())
	}
	if !cfg.Upload.OverwriteExisting {
		t.Fatal("expected overwrite_existing to be honoured")
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("unexpected log format: %q", cfg.Logging.Format)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "uploader.toml")
	if err := os.WriteFile(configPath, []byte("[upload]\nmax_size = \"1g\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestEnvVarSuppliesAPIToken(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("UPLOADER_API_TOKEN", "secret")
	configPath := filepath.Join(t.TempDir(), "uploader.toml")
	if err := os.WriteFile(configPath, []byte("[paths]\napi_bind = \"127.0.0.1:9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.APIToken != "secret" {
		t.Fatalf("expected token from env, got %q", cfg.Paths.APIToken)
	}

	if err := os.WriteFile(configPath, []byte("[paths]\napi_token = \"from-file\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	cfg, _, _, err = config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.APIToken != "from-file" {
		t.Fatalf("expected file token to win, got %q", cfg.Paths.APIToken)
	}
}

func TestCreateSample(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample config to load cleanly, exists=%v err=%v", exists, err)
	}
}

func TestAllowsFile(t *testing.T) {
	cfg := config.Default()
	if !cfg.AllowsFile("anything.bin") {
		t.Fatal("expected empty allow-list to admit every file")
	}

	cfg.Upload.FileTypes = []string{".png", "*.tar.gz", "report-*"}
	cases := map[string]bool{
		"photo.png":      true,
		"photo.PNG":      true,
		"backup.tar.gz":  true,
		"backup.gz":      false,
		"report-q3.xlsx": true,
		"notes.txt":      false,
	}
	for name, want := range cases {
		if got := cfg.AllowsFile(name); got != want {
			t.Fatalf("AllowsFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFileModeRejectsInvalidValues(t *testing.T) {
	cfg := config.Default()
	for _, value := range []string{"rw-r--r--", "0999", "1777"} {
		cfg.Upload.FilePermissions = value
		if _, ok, err := cfg.FileMode(); err == nil || ok {
			t.Fatalf("FileMode(%q) = ok=%v err=%v, want error", value, ok, err)
		}
	}
	cfg.Upload.FilePermissions = " 0600 "
	mode, ok, err := cfg.FileMode()
	if err != nil || !ok || mode != 0o600 {
		t.Fatalf("unexpected file mode: %o ok=%v err=%v", mode, ok, err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "overlapping dirs",
			content: "[paths]\nupload_dir = \"/srv/files\"\nstaging_dir = \"/srv/files/staging\"\n",
			want:    "must not overlap",
		},
		{
			name:    "bad size",
			content: "[upload]\nmax_file_size = \"lots\"\n",
			want:    "upload.max_file_size",
		},
		{
			name:    "bad permissions",
			content: "[upload]\nfile_permissions = \"rw-r--r--\"\n",
			want:    "upload.file_permissions",
		},
		{
			name:    "bad pattern",
			content: "[upload]\nfile_types = [\"[abc\"]\n",
			want:    "upload.file_types",
		},
		{
			name:    "duplicate field",
			content: "[fields]\nchunk_number = \"file\"\n",
			want:    "both use",
		},
		{
			name:    "bad log format",
			content: "[logging]\nformat = \"xml\"\n",
			want:    "logging.format",
		},
		{
			name:    "bad ntfy url",
			content: "[notifications]\nntfy_url = \"ntfy.sh\"\n",
			want:    "notifications.ntfy_url",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, _, _, err := config.Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
