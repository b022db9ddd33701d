package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/crossbario/crossbar-sub003/internal/fileutil"
)

const chunkPrefix = "chunk_"

var (
	// ErrMissingChunk reports a gap in the chunk range during concatenation.
	ErrMissingChunk = errors.New("missing chunk")
	// ErrChunkTooLarge reports a chunk body longer than the permitted limit.
	ErrChunkTooLarge = errors.New("chunk exceeds size limit")
)

// Store keeps in-flight chunks under <root>/<upload id>/chunk_<n>.
// Callers are responsible for validating upload ids before they reach the store.
type Store struct {
	root string
}

// NewStore creates the staging root when needed and returns a store over it.
func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("staging root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the staging root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the staging directory for an upload.
func (s *Store) Dir(id string) string { return filepath.Join(s.root, id) }

// ChunkName returns the committed file name of chunk n.
func ChunkName(n int) string { return chunkPrefix + strconv.Itoa(n) }

// IsChunkName parses a committed chunk file name. Temp names, zero-padded
// numbers, and non-positive numbers are rejected.
func IsChunkName(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, chunkPrefix)
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 || strconv.Itoa(n) != digits {
		return 0, false
	}
	return n, true
}

// WriteChunk stages chunk n of upload id. The body is written under a private
// temp name, synced, and renamed into place, so a reader never observes a
// partial chunk. Bodies longer than limit fail with ErrChunkTooLarge and
// leave nothing behind; limit <= 0 disables the check.
func (s *Store) WriteChunk(id string, n int, r io.Reader, limit int64) (int64, error) {
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	temp := filepath.Join(dir, fmt.Sprintf(".%s%d.%s.tmp", chunkPrefix, n, uuid.NewString()))
	written, err := fileutil.WriteAtomic(temp, filepath.Join(dir, ChunkName(n)), r, limit)
	if err != nil {
		if errors.Is(err, fileutil.ErrLimitExceeded) {
			return written, fmt.Errorf("%w: chunk %d over %d bytes", ErrChunkTooLarge, n, limit)
		}
		return written, fmt.Errorf("stage chunk %d: %w", n, err)
	}
	return written, nil
}

// ListChunks returns the chunk numbers physically present for id, ascending.
// A missing directory yields an empty list.
func (s *Store) ListChunks(id string) ([]int, error) {
	entries, err := os.ReadDir(s.Dir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var chunks []int
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if n, ok := IsChunkName(entry.Name()); ok {
			chunks = append(chunks, n)
		}
	}
	sort.Ints(chunks)
	return chunks, nil
}

// Scrub deletes everything in the upload's staging directory that is not a
// committed chunk file and returns the surviving chunk numbers with the paths
// it removed.
func (s *Store) Scrub(id string) ([]int, []string, error) {
	dir := s.Dir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var (
		chunks  []int
		removed []string
	)
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			if n, ok := IsChunkName(entry.Name()); ok {
				chunks = append(chunks, n)
				continue
			}
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return nil, removed, fmt.Errorf("remove stray %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	sort.Ints(chunks)
	return chunks, removed, nil
}

// Concatenate streams chunk_1..chunk_total into w in ascending order.
// It fails with ErrMissingChunk when any chunk in the range is absent.
func (s *Store) Concatenate(id string, total int, w io.Writer) (int64, error) {
	var written int64
	for n := 1; n <= total; n++ {
		copied, err := s.copyChunk(id, n, w)
		written += copied
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Store) copyChunk(id string, n int, w io.Writer) (int64, error) {
	f, err := os.Open(filepath.Join(s.Dir(id), ChunkName(n)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %d", ErrMissingChunk, n)
		}
		return 0, fmt.Errorf("open chunk %d: %w", n, err)
	}
	defer f.Close()
	copied, err := io.Copy(w, f)
	if err != nil {
		return copied, fmt.Errorf("read chunk %d: %w", n, err)
	}
	return copied, nil
}

// ChunkBytes sums the sizes of the listed chunk files of id.
func (s *Store) ChunkBytes(id string, chunks []int) (int64, error) {
	var total int64
	for _, n := range chunks {
		info, err := os.Stat(filepath.Join(s.Dir(id), ChunkName(n)))
		if err != nil {
			return total, err
		}
		total += info.Size()
	}
	return total, nil
}

// RemoveIfEmpty removes the upload's staging directory when it holds nothing.
func (s *Store) RemoveIfEmpty(id string) error {
	err := os.Remove(s.Dir(id))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

// Purge removes the upload's staging directory and everything in it.
func (s *Store) Purge(id string) error {
	return os.RemoveAll(s.Dir(id))
}

// Uploads returns the names of every directory under the staging root.
func (s *Store) Uploads() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
