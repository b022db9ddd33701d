package staging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "staging"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestIsChunkName(t *testing.T) {
	cases := map[string]struct {
		n  int
		ok bool
	}{
		"chunk_1":          {1, true},
		"chunk_42":         {42, true},
		"chunk_0":          {0, false},
		"chunk_01":         {0, false},
		"chunk_":           {0, false},
		"chunk_-3":         {0, false},
		".chunk_1.abc.tmp": {0, false},
		"chunk_1.tmp":      {0, false},
		"part_1":           {0, false},
	}
	for name, want := range cases {
		n, ok := IsChunkName(name)
		if ok != want.ok || (ok && n != want.n) {
			t.Errorf("IsChunkName(%q) = (%d, %v), want (%d, %v)", name, n, ok, want.n, want.ok)
		}
	}
	if got := ChunkName(7); got != "chunk_7" {
		t.Fatalf("ChunkName(7) = %q", got)
	}
}

func TestWriteChunkAndConcatenate(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.WriteChunk("f", 2, strings.NewReader("KLMNOP"), 0); err != nil {
		t.Fatalf("write chunk 2: %v", err)
	}
	if _, err := store.WriteChunk("f", 1, strings.NewReader("ABCDEFGHIJ"), 0); err != nil {
		t.Fatalf("write chunk 1: %v", err)
	}

	chunks, err := store.ListChunks("f")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if !reflect.DeepEqual(chunks, []int{1, 2}) {
		t.Fatalf("unexpected chunks: %v", chunks)
	}

	var buf bytes.Buffer
	n, err := store.Concatenate("f", 2, &buf)
	if err != nil {
		t.Fatalf("Concatenate: %v", err)
	}
	if n != 16 || buf.String() != "ABCDEFGHIJKLMNOP" {
		t.Fatalf("unexpected concatenation: n=%d content=%q", n, buf.String())
	}
}

func TestWriteChunkOverwritesSameNumber(t *testing.T) {
	store := newTestStore(t)
	for _, body := range []string{"first", "again"} {
		if _, err := store.WriteChunk("f", 1, strings.NewReader(body), 0); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	data, err := os.ReadFile(filepath.Join(store.Dir("f"), "chunk_1"))
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if string(data) != "again" {
		t.Fatalf("expected latest body, got %q", data)
	}
	entries, _ := os.ReadDir(store.Dir("f"))
	if len(entries) != 1 {
		t.Fatalf("expected a single committed file, got %d entries", len(entries))
	}
}

func TestWriteChunkRejectsOversizedBody(t *testing.T) {
	store := newTestStore(t)
	_, err := store.WriteChunk("f", 1, strings.NewReader("0123456789"), 4)
	if !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("expected ErrChunkTooLarge, got %v", err)
	}
	entries, err := os.ReadDir(store.Dir("f"))
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no leftovers, found %d entries", len(entries))
	}
}

func TestConcatenateReportsMissingChunk(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.WriteChunk("f", 1, strings.NewReader("a"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.WriteChunk("f", 3, strings.NewReader("c"), 0); err != nil {
		t.Fatal(err)
	}
	_, err := store.Concatenate("f", 3, &bytes.Buffer{})
	if !errors.Is(err, ErrMissingChunk) {
		t.Fatalf("expected ErrMissingChunk, got %v", err)
	}
	if !strings.Contains(err.Error(), "2") {
		t.Fatalf("expected missing chunk number in error, got %v", err)
	}
}

func TestScrubRemovesStrayEntries(t *testing.T) {
	store := newTestStore(t)
	dir := store.Dir("f")
	if _, err := store.WriteChunk("f", 1, strings.NewReader("a"), 0); err != nil {
		t.Fatal(err)
	}
	stray := []string{".chunk_2.dead.tmp", "notes.txt", "chunk_02"}
	for _, name := range stray {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}

	chunks, removed, err := store.Scrub("f")
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	if !reflect.DeepEqual(chunks, []int{1}) {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
	if len(removed) != 4 {
		t.Fatalf("expected 4 stray entries removed, got %v", removed)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "chunk_1" {
		t.Fatalf("expected only chunk_1 to remain, got %v", entries)
	}
}

func TestPurgeAndUploads(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"a.bin", "b.bin"} {
		if _, err := store.WriteChunk(id, 1, strings.NewReader("x"), 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(store.Root(), "loose-file"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := store.Uploads()
	if err != nil {
		t.Fatalf("Uploads: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"a.bin", "b.bin"}) {
		t.Fatalf("unexpected uploads: %v", names)
	}

	if err := store.Purge("a.bin"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if err := store.Purge("a.bin"); err != nil {
		t.Fatalf("second Purge should be a no-op: %v", err)
	}
	chunks, err := store.ListChunks("a.bin")
	if err != nil || len(chunks) != 0 {
		t.Fatalf("expected purged upload to list no chunks, got %v (err=%v)", chunks, err)
	}
}
