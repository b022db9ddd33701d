package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/crossbario/crossbar-sub003/internal/config"
	"github.com/crossbario/crossbar-sub003/internal/ledger"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/notify"
	"github.com/crossbario/crossbar-sub003/internal/registry"
	"github.com/crossbario/crossbar-sub003/internal/staging"
)

const (
	incomingDirName = ".incoming"
	maxIDBytes      = 255
)

// Ledger is the persistence the engine needs. *ledger.Store satisfies it.
type Ledger interface {
	Begin(ctx context.Context, rec ledger.Record) error
	RecordChunk(ctx context.Context, id string, n int, size int64) error
	Get(ctx context.Context, id string) (*ledger.Record, error)
	List(ctx context.Context) ([]ledger.Record, error)
	Delete(ctx context.Context, id string) error
}

// Chunk is one decoded chunk request.
type Chunk struct {
	// FileName is the destination name and doubles as the upload id.
	FileName    string
	MimeType    string
	TotalSize   int64
	ChunkNumber int
	ChunkSize   int64
	TotalChunks int
	// Topic receives progress events; empty disables them.
	Topic       string
	Owner       string
	ChunkExtra  any
	FinishExtra any
	Body        io.Reader
}

// Result reports what happened to an accepted chunk.
type Result struct {
	ID        string
	Chunk     int
	Outcome   registry.Outcome
	Status    notify.Status
	Received  int
	Total     int
	Remaining int
	Duplicate bool
	// Path is the finished file, set only when this chunk completed the upload.
	Path string
	Size int64
}

// Finished reports whether the chunk completed the upload.
func (r Result) Finished() bool { return r.Status == notify.StatusFinished }

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the registry time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// Engine coordinates admission, staging, merging, and notification.
type Engine struct {
	cfg        *config.Config
	registry   *registry.Registry
	store      *staging.Store
	ledger     Ledger
	notifier   *notify.Notifier
	logger     *slog.Logger
	uploadRoot string
	incoming   string
	clock      func() time.Time
	chmod      func(string, os.FileMode) error
	report     RecoveryReport
}

// New prepares the upload and staging roots, recovers interrupted uploads
// from staging, and returns an engine ready for traffic. A nil ledger disables
// persistence; a nil notifier disables events.
func New(ctx context.Context, cfg *config.Config, led Ledger, notifier *notify.Notifier, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("upload: config is required")
	}
	if _, _, err := cfg.FileMode(); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if led == nil {
		led = nopLedger{}
	}
	if notifier == nil {
		notifier = notify.New(nil, logger)
	}

	e := &Engine{
		cfg:        cfg,
		ledger:     led,
		notifier:   notifier,
		logger:     logging.NewComponentLogger(logger, "upload"),
		uploadRoot: cfg.Paths.UploadDir,
		incoming:   filepath.Join(cfg.Paths.UploadDir, incomingDirName),
		chmod:      os.Chmod,
	}
	for _, opt := range opts {
		opt(e)
	}

	regOpts := []registry.Option{registry.WithMaxBytes(cfg.MaxFileSizeBytes())}
	if e.clock != nil {
		regOpts = append(regOpts, registry.WithClock(e.clock))
	}
	e.registry = registry.New(regOpts...)

	if err := os.MkdirAll(e.incoming, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	store, err := staging.NewStore(cfg.Paths.StagingDir)
	if err != nil {
		return nil, err
	}
	e.store = store

	report, err := e.recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover staging: %w", err)
	}
	e.report = report
	return e, nil
}

// Recovery returns the report produced while the engine was constructed.
func (e *Engine) Recovery() RecoveryReport { return e.report }

// Registry exposes the in-memory upload index for read-only inspection.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// StagingRoot returns the staging directory.
func (e *Engine) StagingRoot() string { return e.store.Root() }

// HandleChunk admits, stages, and records one chunk. The chunk that completes
// an upload is merged before HandleChunk returns.
func (e *Engine) HandleChunk(ctx context.Context, c Chunk) (Result, error) {
	id, decl, err := e.validate(c)
	if err != nil {
		return Result{}, err
	}
	ctx = logging.WithUploadID(ctx, id)
	logger := logging.WithContext(ctx, e.logger).With(logging.Int(logging.FieldChunk, c.ChunkNumber))

	adm, err := e.registry.Admit(id, c.Owner, decl)
	if err != nil {
		if errors.Is(err, registry.ErrDeclarationMismatch) {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
		}
		logger.Info("chunk rejected",
			logging.String(logging.FieldOwner, c.Owner),
			logging.String("reason", err.Error()),
			logging.String(logging.FieldEventType, "chunk_rejected"),
		)
		return Result{}, err
	}
	defer e.registry.Release(adm)
	decl = adm.Declaration

	// A finished upload leaves the registry only after its rename, so a new
	// entry for an existing artifact is always detected here.
	if adm.Outcome == registry.Created && !e.cfg.Upload.OverwriteExisting {
		if _, statErr := os.Stat(e.artifactPath(id)); statErr == nil {
			e.abandon(ctx, adm)
			return Result{}, fmt.Errorf("%w: %s", ErrArtifactExists, id)
		}
	}

	if adm.Outcome != registry.Accepted {
		e.ledgerBegin(ctx, logger, id, decl, adm.Owner)
	}
	if adm.Outcome == registry.Resumed {
		logger.Info("resumed interrupted upload",
			logging.String(logging.FieldOwner, c.Owner),
			logging.String(logging.FieldEventType, "upload_resumed"),
		)
	}
	if adm.Outcome == registry.Created {
		e.reap(ctx)
	}

	_, seen := e.registry.Recorded(adm, c.ChunkNumber)
	if decl.TotalChunks == 1 && !seen {
		return e.handleSingle(ctx, logger, id, decl, c, adm)
	}

	var written int64
	if !seen {
		written, err = e.store.WriteChunk(id, c.ChunkNumber, c.Body, chunkLimit(decl, e.cfg.MaxFileSizeBytes()))
		if err != nil {
			e.abandon(ctx, adm)
			if errors.Is(err, staging.ErrChunkTooLarge) {
				return Result{}, fmt.Errorf("%w: %v", ErrInvalidChunk, err)
			}
			logging.ErrorWithContext(logger, "stage chunk failed", "chunk_stage_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check staging_dir free space and permissions"),
			)
			return Result{}, err
		}
	}

	progress, err := e.registry.RecordChunk(id, c.ChunkNumber, written)
	if err != nil {
		if errors.Is(err, registry.ErrCapacityExceeded) {
			e.reject(ctx, logger, adm, err)
			return Result{}, err
		}
		return Result{}, e.recordFailed(id, err)
	}
	if progress.Added {
		if err := e.ledger.RecordChunk(ctx, id, c.ChunkNumber, written); err != nil {
			e.ledgerFailed(logger, "record chunk", err)
		}
		logger.Debug("chunk staged",
			logging.Int64("bytes", written),
			logging.Int("received", progress.Received),
			logging.Int("total", progress.Total),
			logging.String(logging.FieldEventType, "chunk_staged"),
		)
	}

	result := Result{
		ID:        id,
		Chunk:     c.ChunkNumber,
		Outcome:   adm.Outcome,
		Received:  progress.Received,
		Total:     progress.Total,
		Remaining: progress.Remaining,
		Duplicate: !progress.Added,
	}
	if !progress.ClaimedMerge {
		result.Status = notify.StatusProgress
		if progress.First {
			result.Status = notify.StatusStarted
		}
		if progress.Added {
			e.emit(ctx, decl, c.ChunkNumber, result.Status, progress.Remaining, progress.Fraction(), c.ChunkExtra, nil)
		}
		return result, nil
	}

	// The merge and its bookkeeping run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	e.registry.AwaitSoleWriter(adm)
	path, size, err := e.merge(id, decl)
	if err != nil {
		e.fail(ctx, logger, id, err)
		return Result{}, err
	}
	e.complete(ctx, logger, id, decl, c.ChunkNumber, c.ChunkExtra, c.FinishExtra, size)
	result.Status = notify.StatusFinished
	result.Path = path
	result.Size = size
	return result, nil
}

// handleSingle writes a one-chunk upload straight into the upload root's temp
// area, skipping staging.
func (e *Engine) handleSingle(ctx context.Context, logger *slog.Logger, id string, decl registry.Declaration, c Chunk, adm registry.Admission) (Result, error) {
	temp, written, err := e.writeTemp(c.Body, chunkLimit(decl, e.cfg.MaxFileSizeBytes()))
	if err != nil {
		e.abandon(ctx, adm)
		return Result{}, err
	}

	progress, err := e.registry.RecordChunk(id, 1, written)
	if err != nil {
		_ = os.Remove(temp)
		if errors.Is(err, registry.ErrCapacityExceeded) {
			e.reject(ctx, logger, adm, err)
			return Result{}, err
		}
		return Result{}, e.recordFailed(id, err)
	}
	if !progress.ClaimedMerge {
		// A twin request for the same single-chunk upload won the claim.
		_ = os.Remove(temp)
		return Result{
			ID:        id,
			Chunk:     1,
			Outcome:   adm.Outcome,
			Status:    notify.StatusProgress,
			Received:  progress.Received,
			Total:     progress.Total,
			Remaining: progress.Remaining,
			Duplicate: true,
		}, nil
	}

	ctx = context.WithoutCancel(ctx)
	path, err := e.commit(id, decl, temp, written)
	if err != nil {
		e.fail(ctx, logger, id, err)
		return Result{}, err
	}
	// A recovered entry may still own a staging directory.
	e.registry.AwaitSoleWriter(adm)
	if err := e.store.Purge(id); err != nil {
		logging.WarnWithContext(logger, "purge staging after merge failed", "staging_purge_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "staging directory left for the reaper"),
		)
	}
	e.complete(ctx, logger, id, decl, 1, c.ChunkExtra, c.FinishExtra, written)
	return Result{
		ID:       id,
		Chunk:    1,
		Outcome:  adm.Outcome,
		Status:   notify.StatusFinished,
		Received: 1,
		Total:    1,
		Path:     path,
		Size:     written,
	}, nil
}

// ChunkReceived reports whether chunk n of the named upload is already recorded.
func (e *Engine) ChunkReceived(name string, n int) bool {
	id, err := NormalizeID(name)
	if err != nil {
		return false
	}
	return e.registry.Received(id, n)
}

// EvictIdle drops uploads untouched for longer than maxIdle together with
// their staged chunks and ledger rows, and returns the evicted ids.
func (e *Engine) EvictIdle(ctx context.Context, maxIdle time.Duration) []string {
	evicted := e.registry.Evict(maxIdle)
	for _, id := range evicted {
		if err := e.store.Purge(id); err != nil {
			logging.WarnWithContext(e.logger, "purge evicted upload failed", "upload_evict_failed",
				logging.String(logging.FieldUploadID, id),
				logging.Error(err),
				logging.String(logging.FieldImpact, "staging directory left for the sweeper"),
			)
		}
		if err := e.ledger.Delete(ctx, id); err != nil {
			e.ledgerFailed(e.logger.With(logging.String(logging.FieldUploadID, id)), "delete evicted upload", err)
		}
		e.logger.Info("evicted idle upload",
			logging.String(logging.FieldUploadID, id),
			logging.Duration("max_idle", maxIdle),
			logging.String(logging.FieldEventType, "upload_evicted"),
		)
	}
	return evicted
}

// Sweep runs periodic housekeeping: idle eviction followed by removal of
// untracked staging directories older than the configured age.
func (e *Engine) Sweep(ctx context.Context) staging.CleanResult {
	e.EvictIdle(ctx, e.cfg.IdleTimeout())
	age := e.cfg.StaleStagingAge()
	if age <= 0 {
		return staging.CleanResult{}
	}
	return staging.CleanStale(ctx, e.store.Root(), age, e.registry.Has, e.logger)
}

func (e *Engine) validate(c Chunk) (string, registry.Declaration, error) {
	id, err := NormalizeID(c.FileName)
	if err != nil {
		return "", registry.Declaration{}, err
	}
	switch {
	case c.TotalChunks < 1:
		return "", registry.Declaration{}, fmt.Errorf("%w: total chunks %d", ErrInvalidChunk, c.TotalChunks)
	case c.ChunkNumber < 1 || c.ChunkNumber > c.TotalChunks:
		return "", registry.Declaration{}, fmt.Errorf("%w: chunk %d outside 1..%d", ErrInvalidChunk, c.ChunkNumber, c.TotalChunks)
	case c.TotalSize < 0:
		return "", registry.Declaration{}, fmt.Errorf("%w: total size %d", ErrInvalidChunk, c.TotalSize)
	case c.ChunkSize < 0:
		return "", registry.Declaration{}, fmt.Errorf("%w: chunk size %d", ErrInvalidChunk, c.ChunkSize)
	case c.Body == nil:
		return "", registry.Declaration{}, fmt.Errorf("%w: missing chunk content", ErrInvalidChunk)
	}
	if limit := e.cfg.MaxFileSizeBytes(); limit > 0 && c.TotalSize > limit {
		return "", registry.Declaration{}, fmt.Errorf("%w: %d bytes declared, limit %d", ErrCapacityExceeded, c.TotalSize, limit)
	}
	if !e.cfg.AllowsFile(id) {
		return "", registry.Declaration{}, fmt.Errorf("%w: %s", ErrUnsupportedType, id)
	}
	return id, registry.Declaration{
		FileName:    id,
		TotalSize:   c.TotalSize,
		TotalChunks: c.TotalChunks,
		ChunkSize:   c.ChunkSize,
		Extension:   strings.ToLower(filepath.Ext(id)),
		MimeType:    c.MimeType,
		Topic:       strings.TrimSpace(c.Topic),
	}, nil
}

// NormalizeID converts a client file name into an upload id. Names are NFC
// normalized and must be usable as a single path element.
func NormalizeID(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: file name is not valid UTF-8", ErrInvalidChunk)
	}
	id := norm.NFC.String(name)
	switch {
	case id == "":
		return "", fmt.Errorf("%w: empty file name", ErrInvalidChunk)
	case len(id) > maxIDBytes:
		return "", fmt.Errorf("%w: file name longer than %d bytes", ErrInvalidChunk, maxIDBytes)
	case id == "." || id == "..":
		return "", fmt.Errorf("%w: file name %q", ErrInvalidChunk, id)
	case strings.HasPrefix(id, "."):
		return "", fmt.Errorf("%w: file name %q starts with a dot", ErrInvalidChunk, id)
	case strings.ContainsAny(id, "/\\\x00"):
		return "", fmt.Errorf("%w: file name %q contains a path separator or NUL", ErrInvalidChunk, id)
	}
	return id, nil
}

// chunkLimit bounds a single chunk body: never more than the declared total,
// and never more than the configured maximum when no total was declared.
func chunkLimit(decl registry.Declaration, maxSize int64) int64 {
	if decl.TotalSize > 0 {
		return decl.TotalSize
	}
	return maxSize
}

func (e *Engine) artifactPath(id string) string {
	return filepath.Join(e.uploadRoot, id)
}

// reap removes staging directories that no tracked upload owns. The registry
// is consulted per directory, after the new entry was admitted.
func (e *Engine) reap(ctx context.Context) {
	result := staging.CleanOrphaned(ctx, e.store.Root(), e.registry.Has, e.logger)
	for _, failure := range result.Errors {
		e.logger.Debug("reap skipped directory", logging.String("path", failure.Path), logging.Error(failure.Error))
	}
}

// abandon undoes a Created admission whose first chunk never landed. The
// staging directory is removed only while empty, so a writer admitted after
// the drop keeps its files.
func (e *Engine) abandon(ctx context.Context, adm registry.Admission) {
	if adm.Outcome != registry.Created || !e.registry.DropIfEmpty(adm) {
		return
	}
	id := adm.ID()
	_ = e.store.RemoveIfEmpty(id)
	if err := e.ledger.Delete(ctx, id); err != nil {
		e.ledgerFailed(e.logger.With(logging.String(logging.FieldUploadID, id)), "delete abandoned upload", err)
	}
}

// reject tears down an upload whose staged bytes passed the size limit. The
// registry closed the entry, so only writers already in flight are waited for.
func (e *Engine) reject(ctx context.Context, logger *slog.Logger, adm registry.Admission, err error) {
	ctx = context.WithoutCancel(ctx)
	id := adm.ID()
	e.registry.AwaitSoleWriter(adm)
	e.registry.Remove(id)
	if purgeErr := e.store.Purge(id); purgeErr != nil {
		logger.Debug("purge rejected upload failed", logging.Error(purgeErr))
	}
	if delErr := e.ledger.Delete(ctx, id); delErr != nil {
		e.ledgerFailed(logger, "delete rejected upload", delErr)
	}
	logging.WarnWithContext(logger, "upload exceeded size limit", "upload_rejected",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "raise upload.max_file_size or split the file"),
		logging.String(logging.FieldImpact, "upload aborted"),
	)
}

func (e *Engine) recordFailed(id string, err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: %s is no longer tracked", ErrBusy, id)
	}
	return err
}

// fail drops an upload whose merge failed. Staged chunks stay on disk for the
// reaper; nothing is exposed at the public path.
func (e *Engine) fail(ctx context.Context, logger *slog.Logger, id string, err error) {
	e.registry.Remove(id)
	if delErr := e.ledger.Delete(ctx, id); delErr != nil {
		e.ledgerFailed(logger, "delete failed upload", delErr)
	}
	logging.ErrorWithContext(logger, "upload merge failed", "upload_failed",
		logging.Error(err),
		logging.String("kind", string(Kind(err))),
		logging.String(logging.FieldErrorHint, "client must restart the upload"),
		logging.String(logging.FieldImpact, "upload aborted"),
	)
}

// complete emits finished and retires the registry entry and ledger row.
func (e *Engine) complete(ctx context.Context, logger *slog.Logger, id string, decl registry.Declaration, chunk int, chunkExtra, finishExtra any, size int64) {
	e.emit(ctx, decl, chunk, notify.StatusFinished, 0, 1, chunkExtra, finishExtra)
	e.registry.Remove(id)
	if err := e.ledger.Delete(ctx, id); err != nil {
		e.ledgerFailed(logger, "delete finished upload", err)
	}
	logger.Info("upload finished",
		logging.Int64("bytes", size),
		logging.Int("chunks", decl.TotalChunks),
		logging.String(logging.FieldEventType, "upload_finished"),
	)
}

func (e *Engine) emit(ctx context.Context, decl registry.Declaration, chunk int, status notify.Status, remaining int, fraction float64, chunkExtra, finishExtra any) {
	e.notifier.Emit(ctx, decl.Topic, notify.Event{
		ID:          decl.FileName,
		Chunk:       chunk,
		Name:        decl.FileName,
		Total:       decl.TotalChunks,
		Remaining:   remaining,
		Status:      status,
		Progress:    fraction,
		ChunkExtra:  chunkExtra,
		FinishExtra: finishExtra,
	})
}

func (e *Engine) ledgerBegin(ctx context.Context, logger *slog.Logger, id string, decl registry.Declaration, owner registry.Owner) {
	err := e.ledger.Begin(ctx, ledger.Record{
		ID:          id,
		FileName:    decl.FileName,
		TotalSize:   decl.TotalSize,
		TotalChunks: decl.TotalChunks,
		ChunkSize:   decl.ChunkSize,
		Extension:   decl.Extension,
		MimeType:    decl.MimeType,
		Topic:       decl.Topic,
		Owner:       owner.String(),
	})
	if err != nil {
		e.ledgerFailed(logger, "begin upload", err)
	}
}

func (e *Engine) ledgerFailed(logger *slog.Logger, op string, err error) {
	logging.WarnWithContext(logger, "ledger "+op+" failed", "ledger_write_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check state_dir free space and permissions"),
		logging.String(logging.FieldImpact, "upload metadata may not survive a restart"),
	)
}

type nopLedger struct{}

func (nopLedger) Begin(context.Context, ledger.Record) error            { return nil }
func (nopLedger) RecordChunk(context.Context, string, int, int64) error { return nil }
func (nopLedger) Get(context.Context, string) (*ledger.Record, error)   { return nil, nil }
func (nopLedger) List(context.Context) ([]ledger.Record, error)         { return nil, nil }
func (nopLedger) Delete(context.Context, string) error                  { return nil }
