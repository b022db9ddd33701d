package upload

import (
	"errors"

	"github.com/crossbario/crossbar-sub003/internal/registry"
)

var (
	// ErrOwnerConflict reports that another owner holds the upload id.
	ErrOwnerConflict = registry.ErrOwnerConflict
	// ErrBusy reports that the upload is being merged or was just retired.
	ErrBusy = registry.ErrBusy
	// ErrCapacityExceeded reports a declared or staged size above the configured maximum.
	ErrCapacityExceeded = registry.ErrCapacityExceeded
	// ErrUnsupportedType reports a file name outside the configured allow-list.
	ErrUnsupportedType = errors.New("file type not allowed")
	// ErrInvalidChunk reports a malformed chunk request.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrArtifactExists reports that a finished file already occupies the upload id.
	ErrArtifactExists = errors.New("file already exists")
	// ErrPermissionApply reports that the configured mode could not be applied to the assembled file.
	ErrPermissionApply = errors.New("apply file permissions")
	// ErrIncompleteChunkSet reports a gap found on disk when merging.
	ErrIncompleteChunkSet = errors.New("incomplete chunk set")
	// ErrSizeMismatch reports an assembled size different from the declared total.
	ErrSizeMismatch = errors.New("assembled size mismatch")
)

// ErrorKind groups errors by how a client should react.
type ErrorKind string

const (
	// KindConflict errors clear once the other owner finishes or a new id is used.
	KindConflict ErrorKind = "conflict"
	// KindValidation errors are rejected before any state changes.
	KindValidation ErrorKind = "validation"
	// KindMerge errors abort the upload; the client must start over.
	KindMerge ErrorKind = "merge"
	// KindInternal covers I/O and other server-side failures.
	KindInternal ErrorKind = "internal"
)

// Kind classifies err. A nil error has no kind.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOwnerConflict), errors.Is(err, ErrBusy), errors.Is(err, ErrArtifactExists):
		return KindConflict
	case errors.Is(err, ErrInvalidChunk), errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrUnsupportedType):
		return KindValidation
	case errors.Is(err, ErrIncompleteChunkSet), errors.Is(err, ErrPermissionApply), errors.Is(err, ErrSizeMismatch):
		return KindMerge
	default:
		return KindInternal
	}
}
