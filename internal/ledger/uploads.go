package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is the persisted view of one upload.
type Record struct {
	ID          string
	FileName    string
	TotalSize   int64
	TotalChunks int
	ChunkSize   int64
	Extension   string
	MimeType    string
	Topic       string
	Owner       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Chunks      []int
	StagedBytes int64
}

// Remaining returns how many declared chunks have not been recorded.
func (r Record) Remaining() int {
	if r.TotalChunks <= 0 {
		return 0
	}
	return max(r.TotalChunks-len(r.Chunks), 0)
}

const recordColumns = "u.id, u.file_name, u.total_size, u.total_chunks, u.chunk_size, u.extension, u.mime_type, u.topic, u.owner, u.created_at, u.updated_at"

// Begin inserts an upload row or refreshes an existing one. Zero fields never
// overwrite known values; owner and topic follow the latest admission.
func (s *Store) Begin(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("ledger: upload id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.exec(ctx, `INSERT INTO uploads (
            id, file_name, total_size, total_chunks, chunk_size, extension, mime_type, topic, owner, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            file_name    = CASE WHEN excluded.file_name <> '' THEN excluded.file_name ELSE uploads.file_name END,
            total_size   = CASE WHEN excluded.total_size > 0 THEN excluded.total_size ELSE uploads.total_size END,
            total_chunks = CASE WHEN excluded.total_chunks > 0 THEN excluded.total_chunks ELSE uploads.total_chunks END,
            chunk_size   = CASE WHEN excluded.chunk_size > 0 THEN excluded.chunk_size ELSE uploads.chunk_size END,
            extension    = CASE WHEN excluded.extension <> '' THEN excluded.extension ELSE uploads.extension END,
            mime_type    = CASE WHEN excluded.mime_type <> '' THEN excluded.mime_type ELSE uploads.mime_type END,
            topic        = CASE WHEN excluded.topic <> '' THEN excluded.topic ELSE uploads.topic END,
            owner        = excluded.owner,
            updated_at   = excluded.updated_at`,
		rec.ID, rec.FileName, rec.TotalSize, rec.TotalChunks, rec.ChunkSize,
		rec.Extension, rec.MimeType, rec.Topic, rec.Owner, now, now,
	)
}

// RecordChunk marks chunk n of id as received with its staged size.
func (s *Store) RecordChunk(ctx context.Context, id string, n int, size int64) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, "UPDATE uploads SET updated_at = ? WHERE id = ?", now, id)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("ledger: upload %q not found", id)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (upload_id, number, size, received_at) VALUES (?, ?, ?, ?)
             ON CONFLICT(upload_id, number) DO UPDATE SET size = excluded.size, received_at = excluded.received_at`,
			id, n, size, now,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Get returns the record for id, or nil when it is not tracked.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, selectRecords+" WHERE u.id = ? GROUP BY u.id", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every record ordered by most recent activity.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, selectRecords+" GROUP BY u.id ORDER BY u.updated_at DESC, u.id")
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes id and its chunk rows. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE upload_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM uploads WHERE id = ?", id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

const selectRecords = "SELECT " + recordColumns + `,
    COALESCE(GROUP_CONCAT(c.number), ''), COALESCE(SUM(c.size), 0)
    FROM uploads u LEFT JOIN chunks c ON c.upload_id = u.id`

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		rec        Record
		createdRaw string
		updatedRaw string
		chunkList  string
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.FileName,
		&rec.TotalSize,
		&rec.TotalChunks,
		&rec.ChunkSize,
		&rec.Extension,
		&rec.MimeType,
		&rec.Topic,
		&rec.Owner,
		&createdRaw,
		&updatedRaw,
		&chunkList,
		&rec.StagedBytes,
	); err != nil {
		return nil, err
	}
	rec.CreatedAt = parseTime(createdRaw)
	rec.UpdatedAt = parseTime(updatedRaw)
	chunks, err := parseChunkList(chunkList)
	if err != nil {
		return nil, fmt.Errorf("parse chunks for %s: %w", rec.ID, err)
	}
	rec.Chunks = chunks
	return &rec, nil
}

func parseChunkList(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
