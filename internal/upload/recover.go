package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/crossbario/crossbar-sub003/internal/ledger"
	"github.com/crossbario/crossbar-sub003/internal/logging"
	"github.com/crossbario/crossbar-sub003/internal/registry"
	"github.com/crossbario/crossbar-sub003/internal/staging"
)

// RecoveryReport summarizes what startup recovery found in staging.
type RecoveryReport struct {
	// Resumed lists uploads re-admitted as resumable from crash.
	Resumed []string
	// Finalized lists recovered uploads whose chunk set was already complete and
	// that were merged during recovery.
	Finalized []string
	// Removed lists staging directories deleted because nothing usable was left.
	Removed []string
	// StrayFiles lists temp leftovers and foreign entries deleted from staging
	// and from the upload root's incoming area.
	StrayFiles []string
	// LedgerPruned lists ledger rows dropped because their staging directory was gone.
	LedgerPruned []string
}

// recover rebuilds the registry from the staging directory. It runs before
// the engine serves any chunk.
func (e *Engine) recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	stray, err := e.clearIncoming()
	if err != nil {
		return report, err
	}
	report.StrayFiles = append(report.StrayFiles, stray...)

	names, err := e.store.Uploads()
	if err != nil {
		return report, fmt.Errorf("list staging root: %w", err)
	}

	records := e.ledgerRecords(ctx)
	for _, name := range names {
		id, idErr := NormalizeID(name)
		if idErr != nil || id != name {
			if err := e.store.Purge(name); err != nil {
				return report, fmt.Errorf("remove foreign staging entry %q: %w", name, err)
			}
			report.Removed = append(report.Removed, name)
			continue
		}

		chunks, removed, err := e.store.Scrub(id)
		if err != nil {
			return report, fmt.Errorf("scrub %s: %w", id, err)
		}
		report.StrayFiles = append(report.StrayFiles, removed...)

		decl := declarationFrom(records[id])
		chunks, beyond, err := e.dropBeyondTotal(id, chunks, decl.TotalChunks)
		if err != nil {
			return report, err
		}
		report.StrayFiles = append(report.StrayFiles, beyond...)

		if len(chunks) == 0 {
			if err := e.store.Purge(id); err != nil {
				return report, fmt.Errorf("remove empty staging dir %s: %w", id, err)
			}
			report.Removed = append(report.Removed, id)
			continue
		}

		if decl.FileName == "" {
			decl.FileName = id
		}
		staged, err := e.store.ChunkBytes(id, chunks)
		if err != nil {
			return report, fmt.Errorf("size staged chunks of %s: %w", id, err)
		}
		if err := e.registry.Restore(id, chunks, staged, decl); err != nil {
			return report, err
		}
		if _, ok := records[id]; ok {
			e.ledgerBegin(ctx, e.logger, id, decl, registry.Recovered())
		}
		delete(records, id)

		if e.registry.IsComplete(id) && e.finishRecovered(ctx, id, chunks[0]) {
			report.Finalized = append(report.Finalized, id)
			continue
		}
		report.Resumed = append(report.Resumed, id)
	}

	for id := range records {
		if err := e.ledger.Delete(ctx, id); err != nil {
			e.ledgerFailed(e.logger, "prune orphaned row", err)
			continue
		}
		report.LedgerPruned = append(report.LedgerPruned, id)
	}

	e.logRecovery(report)
	return report, nil
}

// finishRecovered merges an upload whose every chunk was already staged when
// the previous process stopped.
func (e *Engine) finishRecovered(ctx context.Context, id string, anyChunk int) bool {
	if !e.registry.ClaimMerge(id) {
		return false
	}
	upload, _ := e.registry.Get(id)
	logger := e.logger.With(logging.String(logging.FieldUploadID, id))
	path, size, err := e.merge(id, upload.Declaration)
	if err != nil {
		e.fail(ctx, logger, id, err)
		return false
	}
	e.complete(ctx, logger, id, upload.Declaration, anyChunk, nil, nil, size)
	logger.Info("finalized upload completed before restart", logging.String("path", path))
	return true
}

// dropBeyondTotal deletes staged chunks numbered above a known total; such
// chunks can never be part of the declared file.
func (e *Engine) dropBeyondTotal(id string, chunks []int, total int) ([]int, []string, error) {
	if total <= 0 {
		return chunks, nil, nil
	}
	kept := chunks[:0]
	var removed []string
	for _, n := range chunks {
		if n <= total {
			kept = append(kept, n)
			continue
		}
		path := filepath.Join(e.store.Dir(id), staging.ChunkName(n))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, removed, fmt.Errorf("remove out-of-range chunk %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return kept, removed, nil
}

// clearIncoming removes temp files left by merges that never committed.
func (e *Engine) clearIncoming() ([]string, error) {
	entries, err := os.ReadDir(e.incoming)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read incoming dir: %w", err)
	}
	var removed []string
	for _, entry := range entries {
		path := filepath.Join(e.incoming, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove incoming leftover %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

func (e *Engine) ledgerRecords(ctx context.Context) map[string]ledger.Record {
	out := make(map[string]ledger.Record)
	records, err := e.ledger.List(ctx)
	if err != nil {
		e.ledgerFailed(e.logger, "list", err)
		return out
	}
	for _, rec := range records {
		out[rec.ID] = rec
	}
	return out
}

func declarationFrom(rec ledger.Record) registry.Declaration {
	return registry.Declaration{
		FileName:    rec.FileName,
		TotalSize:   rec.TotalSize,
		TotalChunks: rec.TotalChunks,
		ChunkSize:   rec.ChunkSize,
		Extension:   rec.Extension,
		MimeType:    rec.MimeType,
		Topic:       rec.Topic,
	}
}

func (e *Engine) logRecovery(report RecoveryReport) {
	e.logger.Info("staging recovery complete",
		logging.Int("resumed", len(report.Resumed)),
		logging.Int("finalized", len(report.Finalized)),
		logging.Int("removed", len(report.Removed)),
		logging.Int("stray_files", len(report.StrayFiles)),
		logging.Int("ledger_pruned", len(report.LedgerPruned)),
		logging.String(logging.FieldEventType, "recovery_complete"),
	)
	for _, id := range report.Resumed {
		chunks, _ := e.registry.Get(id)
		e.logger.Debug("upload resumable from crash",
			logging.String(logging.FieldUploadID, id),
			logging.Int("chunks", len(chunks.Received)),
			logging.Int("total", chunks.Declaration.TotalChunks),
		)
	}
}
