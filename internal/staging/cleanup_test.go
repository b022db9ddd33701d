package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crossbario/crossbar-sub003/internal/logging"
)

func TestCleanStaleInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanStale(context.Background(), dir, time.Hour, nil, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanStaleRemovesOldDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	// Create old directory
	oldDir := filepath.Join(tmpDir, "old-staging")
	if err := os.Mkdir(oldDir, 0o755); err != nil {
		t.Fatalf("create old dir: %v", err)
	}
	// Set modification time to 2 hours ago
	oldTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldDir, oldTime, oldTime); err != nil {
		t.Fatalf("set old time: %v", err)
	}

	// Create recent directory
	recentDir := filepath.Join(tmpDir, "recent-staging")
	if err := os.Mkdir(recentDir, 0o755); err != nil {
		t.Fatalf("create recent dir: %v", err)
	}

	result := CleanStale(context.Background(), tmpDir, time.Hour, nil, logging.NewNop())

	if len(result.Removed) != 1 {
		t.Fatalf("expected 1 removed, got %d", len(result.Removed))
	}
	if result.Removed[0] != oldDir {
		t.Errorf("expected %s to be removed, got %s", oldDir, result.Removed[0])
	}

	// Old dir should be gone
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Error("old directory should have been removed")
	}

	// Recent dir should still exist
	if _, err := os.Stat(recentDir); err != nil {
		t.Error("recent directory should still exist")
	}
}

func TestCleanStaleIgnoresFiles(t *testing.T) {
	tmpDir := t.TempDir()

	// Create an old file (should be ignored)
	oldFile := filepath.Join(tmpDir, "old-file.txt")
	if err := os.WriteFile(oldFile, []byte("test"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}
	oldTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldFile, oldTime, oldTime); err != nil {
		t.Fatalf("set old time: %v", err)
	}

	result := CleanStale(context.Background(), tmpDir, time.Hour, nil, logging.NewNop())

	if len(result.Removed) != 0 {
		t.Errorf("expected no removals for files, got %d", len(result.Removed))
	}

	// File should still exist
	if _, err := os.Stat(oldFile); err != nil {
		t.Error("file should not have been removed")
	}
}

func TestCleanOrphanedEmptyDir(t *testing.T) {
	for _, dir := range []string{"", "   "} {
		result := CleanOrphaned(context.Background(), dir, nil, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func activeSet(names ...string) ActiveFunc {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[name]
		return ok
	}
}

func TestCleanOrphanedRemovesUntrackedUploads(t *testing.T) {
	tmpDir := t.TempDir()

	knownDir := filepath.Join(tmpDir, "report.pdf")
	if err := os.Mkdir(knownDir, 0o755); err != nil {
		t.Fatalf("create known dir: %v", err)
	}
	unknownDir := filepath.Join(tmpDir, "leftover.bin")
	if err := os.Mkdir(unknownDir, 0o755); err != nil {
		t.Fatalf("create unknown dir: %v", err)
	}

	result := CleanOrphaned(context.Background(), tmpDir, activeSet("report.pdf"), logging.NewNop())

	if len(result.Removed) != 1 {
		t.Fatalf("expected 1 removed, got %d", len(result.Removed))
	}
	if result.Removed[0] != unknownDir {
		t.Errorf("expected %s to be removed, got %s", unknownDir, result.Removed[0])
	}
	if _, err := os.Stat(unknownDir); !os.IsNotExist(err) {
		t.Error("unknown directory should have been removed")
	}
	if _, err := os.Stat(knownDir); err != nil {
		t.Error("known directory should still exist")
	}
}

func TestCleanOrphanedIsCaseSensitive(t *testing.T) {
	tmpDir := t.TempDir()

	dir := filepath.Join(tmpDir, "photo.png")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("create dir: %v", err)
	}

	result := CleanOrphaned(context.Background(), tmpDir, activeSet("PHOTO.PNG"), logging.NewNop())

	if len(result.Removed) != 1 {
		t.Fatalf("expected upload ids to match exactly, got %d removals", len(result.Removed))
	}
}

func TestCleanOrphanedStopsOnCancelledContext(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.Mkdir(filepath.Join(tmpDir, "orphan"), 0o755); err != nil {
		t.Fatalf("create dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := CleanOrphaned(ctx, tmpDir, nil, logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("expected no removals after cancel, got %v", result.Removed)
	}
}

func TestCleanStaleSkipsActiveUploads(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, "slow.iso")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("create dir: %v", err)
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
		t.Fatalf("set old time: %v", err)
	}

	result := CleanStale(context.Background(), tmpDir, time.Hour, activeSet("slow.iso"), logging.NewNop())
	if len(result.Removed) != 0 {
		t.Fatalf("expected tracked upload to survive, got %v", result.Removed)
	}
}

func TestListDirectoriesInvalidPaths(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/path/12345"} {
		dirs, err := ListDirectories(path)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", path, err)
		}
		if dirs != nil {
			t.Errorf("expected nil for path %q, got %v", path, dirs)
		}
	}
}

func TestListDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	// Create some directories
	dir1 := filepath.Join(tmpDir, "staging-1")
	if err := os.Mkdir(dir1, 0o755); err != nil {
		t.Fatalf("create dir1: %v", err)
	}

	dir2 := filepath.Join(tmpDir, "staging-2")
	if err := os.Mkdir(dir2, 0o755); err != nil {
		t.Fatalf("create dir2: %v", err)
	}

	// Create a file (should be ignored)
	file := filepath.Join(tmpDir, "not-a-dir.txt")
	if err := os.WriteFile(file, []byte("test"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}

	// Add a chunk and a stray file inside dir1 for size calculation
	if err := os.WriteFile(filepath.Join(dir1, "chunk_1"), []byte("12345"), 0o644); err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir1, ".chunk_2.x.tmp"), []byte("67"), 0o644); err != nil {
		t.Fatalf("create temp: %v", err)
	}

	dirs, err := ListDirectories(tmpDir)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}

	if len(dirs) != 2 {
		t.Fatalf("expected 2 directories, got %d", len(dirs))
	}

	// Check that dir1 has the correct size
	var foundDir1 bool
	for _, d := range dirs {
		if d.Name == "staging-1" {
			foundDir1 = true
			if d.Size != 7 {
				t.Errorf("dir1 size = %d, want 7", d.Size)
			}
			if d.Chunks != 1 {
				t.Errorf("dir1 chunks = %d, want 1", d.Chunks)
			}
		}
	}
	if !foundDir1 {
		t.Error("did not find staging-1 in results")
	}
}

func TestDirInfo(t *testing.T) {
	tmpDir := t.TempDir()

	dir := filepath.Join(tmpDir, "test-staging")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("create dir: %v", err)
	}

	dirs, err := ListDirectories(tmpDir)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}

	if len(dirs) != 1 {
		t.Fatalf("expected 1 directory, got %d", len(dirs))
	}

	info := dirs[0]
	if info.Name != "test-staging" {
		t.Errorf("Name = %q, want test-staging", info.Name)
	}
	if info.Path != dir {
		t.Errorf("Path = %q, want %q", info.Path, dir)
	}
	if info.ModTime.IsZero() {
		t.Error("ModTime should not be zero")
	}
}
