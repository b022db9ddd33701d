package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/crossbario/crossbar-sub003/internal/fileutil"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/registry"
	"github.com/crossbario/crossbar-sub003/internal/staging"
)

// merge assembles a complete upload and exposes it at <upload_root>/<id>.
// On error nothing is visible at the public path and the staged chunks are
// left in place.
func (e *Engine) merge(id string, decl registry.Declaration) (string, int64, error) {
	if err := e.verifyCoverage(id, decl.TotalChunks); err != nil {
		return "", 0, err
	}

	tempPath, written, err := e.assemble(id, decl.TotalChunks)
	if err != nil {
		return "", written, err
	}

	path, err := e.commit(id, decl, tempPath, written)
	if err != nil {
		return "", written, err
	}

	if err := e.store.Purge(id); err != nil {
		logging.WarnWithContext(e.logger, "purge staging after merge failed", "staging_purge_failed",
			logging.String(logging.FieldUploadID, id),
			logging.Error(err),
			logging.String(logging.FieldImpact, "staging directory left for the reaper"),
		)
	}
	return path, written, nil
}

// verifyCoverage re-checks the chunk set on disk, which is authoritative over
// the registry.
func (e *Engine) verifyCoverage(id string, total int) error {
	present, err := e.store.ListChunks(id)
	if err != nil {
		return fmt.Errorf("list staged chunks: %w", err)
	}
	have := make(map[int]struct{}, len(present))
	for _, n := range present {
		have[n] = struct{}{}
	}
	var missing []int
	for n := 1; n <= total; n++ {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 || total < 1 {
		return fmt.Errorf("%w: %s missing chunks %v of %d", ErrIncompleteChunkSet, id, missing, total)
	}
	return nil
}

// assemble concatenates chunk_1..chunk_total into a temp file in the upload
// root's incoming area.
func (e *Engine) assemble(id string, total int) (string, int64, error) {
	f, tempPath, err := e.createTemp()
	if err != nil {
		return "", 0, err
	}
	written, err := e.store.Concatenate(id, total, f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		if errors.Is(err, staging.ErrMissingChunk) {
			return "", written, fmt.Errorf("%w: %v", ErrIncompleteChunkSet, err)
		}
		return "", written, fmt.Errorf("assemble %s: %w", id, err)
	}
	if err := fileutil.SyncAndClose(f); err != nil {
		_ = os.Remove(tempPath)
		return "", written, err
	}
	return tempPath, written, nil
}

// writeTemp streams body into a fresh temp file in the incoming area.
func (e *Engine) writeTemp(body io.Reader, limit int64) (string, int64, error) {
	f, tempPath, err := e.createTemp()
	if err != nil {
		return "", 0, err
	}
	written, err := fileutil.CopyLimited(f, body, limit)
	if err == nil {
		err = fileutil.SyncAndClose(f)
	} else {
		_ = f.Close()
	}
	if err != nil {
		_ = os.Remove(tempPath)
		if errors.Is(err, fileutil.ErrLimitExceeded) {
			return "", written, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
		}
		return "", written, fmt.Errorf("write upload: %w", err)
	}
	return tempPath, written, nil
}

func (e *Engine) createTemp() (*os.File, string, error) {
	tempPath := filepath.Join(e.incoming, uuid.NewString()+".tmp")
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("create temp file: %w", err)
	}
	return f, tempPath, nil
}

// commit verifies the assembled size, applies permissions, and renames the
// temp file into place. The temp file is removed on every failure.
func (e *Engine) commit(id string, decl registry.Declaration, tempPath string, written int64) (string, error) {
	if decl.TotalSize > 0 && written != decl.TotalSize {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%w: %s assembled %d bytes, declared %d", ErrSizeMismatch, id, written, decl.TotalSize)
	}
	mode, ok, err := e.cfg.FileMode()
	if err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("%w: %s: %v", ErrPermissionApply, id, err)
	}
	if ok {
		if err := e.chmod(tempPath, mode); err != nil {
			_ = os.Remove(tempPath)
			return "", fmt.Errorf("%w: %s mode %o: %v", ErrPermissionApply, id, mode, err)
		}
	}
	final := e.artifactPath(id)
	if err := fileutil.CommitRename(tempPath, final); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("publish %s: %w", id, err)
	}
	return final, nil
}
