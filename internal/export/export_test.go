package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/practice"
	"github.com/tunebook/tunebook/internal/schedule"
	"github.com/tunebook/tunebook/internal/store"
)

func testStore(t *testing.T, device string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), &store.Options{DeviceID: device})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema())
	return st
}

func seedLibrary(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.SaveTune(ctx, &model.Tune{
		ID: "t1", Title: "The Butterfly", Type: "slip jig", OwnerUserID: "alice",
	}))
	require.NoError(t, st.SaveTune(ctx, &model.Tune{
		ID: "t2", Title: "Out on the Ocean", Type: "jig", Public: true,
	}))
	require.NoError(t, st.SetOverrideField(ctx, "alice", "t2", "title", "Ocean Jig"))

	require.NoError(t, st.SaveCollection(ctx, &model.Collection{
		ID: "c1", UserID: "alice", Name: "Session Set",
	}))
	require.NoError(t, st.AddTuneToCollection(ctx, "c1", "t1"))
	require.NoError(t, st.AddTuneToCollection(ctx, "c1", "t2"))

	engine, err := schedule.New(schedule.Config{})
	require.NoError(t, err)
	svc := practice.NewService(st, engine, nil)

	at := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	_, err = svc.StageRating(ctx, "alice", "t1", "c1", "good", "", at)
	require.NoError(t, err)
	_, err = svc.CommitStaged(ctx, "alice", "t1", "c1")
	require.NoError(t, err)
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := testStore(t, "device-a")
	seedLibrary(t, src)

	path := filepath.Join(t.TempDir(), "library.jsonl")
	exported, err := Export(ctx, src, "alice", Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 2, exported.Tunes)
	assert.Equal(t, 1, exported.Overrides)
	assert.Equal(t, 1, exported.Collections)
	assert.Equal(t, 2, exported.Memberships)
	assert.Equal(t, 1, exported.Records)

	dst := testStore(t, "device-b")
	imported, err := Import(ctx, dst, Options{Path: path})
	require.NoError(t, err)
	assert.Empty(t, imported.Errors)
	assert.Equal(t, exported.Total(), imported.Total())
	assert.Zero(t, imported.Skipped)

	tune, err := dst.GetTuneForUser(ctx, "alice", "t2")
	require.NoError(t, err)
	assert.Equal(t, "Ocean Jig", tune.Title)

	records, err := dst.ListPracticeRecords(ctx, "alice", "t1", "c1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].Rating)

	// Imported rows go through the outbox like local mutations.
	counts, err := dst.OutboxCounts(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, counts)
}

func TestImport_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := testStore(t, "device-a")
	seedLibrary(t, src)

	path := filepath.Join(t.TempDir(), "library.jsonl")
	_, err := Export(ctx, src, "alice", Options{Path: path})
	require.NoError(t, err)

	dst := testStore(t, "device-b")
	first, err := Import(ctx, dst, Options{Path: path})
	require.NoError(t, err)

	second, err := Import(ctx, dst, Options{Path: path})
	require.NoError(t, err)
	assert.Empty(t, second.Errors)

	// Tunes, collections, and records dedupe by id on re-import.
	assert.Zero(t, second.Tunes)
	assert.Zero(t, second.Collections)
	assert.Zero(t, second.Records)
	assert.Equal(t, first.Tunes+first.Collections+first.Records, second.Skipped)

	records, err := dst.ListPracticeRecords(ctx, "alice", "t1", "c1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExport_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	src := testStore(t, "device-a")
	seedLibrary(t, src)

	path := filepath.Join(t.TempDir(), "library.jsonl")
	result, err := Export(ctx, src, "alice", Options{Path: path, DryRun: true})
	require.NoError(t, err)
	assert.Positive(t, result.Total())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestExport_BackupKeepsPriorFile(t *testing.T) {
	ctx := context.Background()
	src := testStore(t, "device-a")
	seedLibrary(t, src)

	path := filepath.Join(t.TempDir(), "library.jsonl")
	_, err := Export(ctx, src, "alice", Options{Path: path})
	require.NoError(t, err)

	result, err := Export(ctx, src, "alice", Options{Path: path, Backup: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.BackupCreated)

	info, err := os.Stat(result.BackupCreated)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExport_SkipsTombstonedTunes(t *testing.T) {
	ctx := context.Background()
	src := testStore(t, "device-a")
	seedLibrary(t, src)
	require.NoError(t, src.DeleteTune(ctx, "t1"))

	path := filepath.Join(t.TempDir(), "library.jsonl")
	result, err := Export(ctx, src, "alice", Options{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Tunes)
}
