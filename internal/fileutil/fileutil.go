package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrLimitExceeded reports that a reader produced more bytes than allowed.
var ErrLimitExceeded = errors.New("size limit exceeded")

// CopyLimited streams r into w, failing with ErrLimitExceeded once more than
// limit bytes have been read. A limit <= 0 disables the check.
func CopyLimited(w io.Writer, r io.Reader, limit int64) (int64, error) {
	if limit <= 0 {
		return io.Copy(w, r)
	}
	written, err := io.Copy(w, io.LimitReader(r, limit+1))
	if err != nil {
		return written, err
	}
	if written > limit {
		return written, fmt.Errorf("%w: read more than %d bytes", ErrLimitExceeded, limit)
	}
	return written, nil
}

// SyncAndClose flushes f to stable storage and closes it.
func SyncAndClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.Name(), err)
	}
	return nil
}

// CommitRename renames src to dst and syncs the destination directory so the
// new name survives a crash.
func CommitRename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(dst))
}

// SyncDir fsyncs a directory entry list.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// WriteAtomic streams r into tempPath, syncs it, and renames it to finalPath.
// The temp file is removed on every failure path, so finalPath is either
// absent or complete.
func WriteAtomic(tempPath, finalPath string, r io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tempPath)
		}
	}()

	written, err := CopyLimited(f, r, limit)
	if err != nil {
		return written, err
	}
	if err := SyncAndClose(f); err != nil {
		return written, err
	}
	if err := CommitRename(tempPath, finalPath); err != nil {
		return written, err
	}
	committed = true
	return written, nil
}
