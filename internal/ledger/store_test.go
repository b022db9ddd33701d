package ledger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossbario/crossbar-sub003/internal/ledger"
	"github.com/crossbario/crossbar-sub003/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := ledger.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.Equal(t, cfg.LedgerPath(), store.Path())
	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, store.Close())
	reopened, err := ledger.OpenPath(cfg.LedgerPath())
	require.NoError(t, err, "reopening an initialized ledger must succeed")
	require.NoError(t, reopened.Close())
}

func TestBeginAndRecordChunks(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, ledger.Record{
		ID:          "report.pdf",
		FileName:    "report.pdf",
		TotalSize:   16,
		TotalChunks: 2,
		ChunkSize:   10,
		Extension:   ".pdf",
		MimeType:    "application/pdf",
		Topic:       "progress.report",
		Owner:       "alice",
	}))
	require.NoError(t, store.RecordChunk(ctx, "report.pdf", 2, 6))
	require.NoError(t, store.RecordChunk(ctx, "report.pdf", 1, 10))
	require.NoError(t, store.RecordChunk(ctx, "report.pdf", 2, 6), "re-recording a chunk is idempotent")

	rec, err := store.Get(ctx, "report.pdf")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []int{1, 2}, rec.Chunks)
	assert.Equal(t, int64(16), rec.StagedBytes)
	assert.Equal(t, 0, rec.Remaining())
	assert.Equal(t, "application/pdf", rec.MimeType)
	assert.Equal(t, "progress.report", rec.Topic)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestBeginKeepsKnownValues(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, ledger.Record{ID: "f", TotalSize: 16, TotalChunks: 2, Topic: "t1", Owner: "alice"}))
	require.NoError(t, store.Begin(ctx, ledger.Record{ID: "f", Owner: "bob"}))

	rec, err := store.Get(ctx, "f")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(16), rec.TotalSize)
	assert.Equal(t, 2, rec.TotalChunks)
	assert.Equal(t, "t1", rec.Topic)
	assert.Equal(t, "bob", rec.Owner)
	assert.Equal(t, 2, rec.Remaining())
}

func TestRecordChunkRequiresUpload(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	err := store.RecordChunk(context.Background(), "ghost", 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDeleteAndList(t *testing.T) {
	store := testsupport.MustOpenLedger(t, testsupport.NewConfig(t))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Begin(ctx, ledger.Record{ID: id, TotalChunks: 3}))
		require.NoError(t, store.RecordChunk(ctx, id, 1, 4))
	}
	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"), "deleting twice is not an error")

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)
	assert.Equal(t, []int{1}, records[0].Chunks)

	missing, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBeginRejectsEmptyID(t *testing.T) {
	store, err := ledger.OpenPath(filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.Error(t, store.Begin(context.Background(), ledger.Record{ID: "  "}))
}
