package testsupport

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// Pattern returns size bytes cycling through A..Z, so misordered chunks are
// visible in a byte comparison.
func Pattern(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte('A' + i%26)
	}
	return buf
}

// Split cuts data into pieces of chunkSize bytes; the last piece carries the remainder.
func Split(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		return [][]byte{data}
	}
	var parts [][]byte
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		parts = append(parts, data[start:end])
	}
	if len(parts) == 0 {
		parts = append(parts, nil)
	}
	return parts
}

// WriteChunkFile places a committed chunk file directly into a staging
// directory, bypassing the store, to simulate state left by a previous process.
func WriteChunkFile(t testing.TB, stagingDir, id string, n int, content []byte) string {
	t.Helper()
	return WriteFile(t, filepath.Join(stagingDir, id, "chunk_"+strconv.Itoa(n)), content)
}

// WriteFile creates path with content, making parent directories as needed.
func WriteFile(t testing.TB, path string, content []byte) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
