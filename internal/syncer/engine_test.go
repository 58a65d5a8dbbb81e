package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/remote"
	"github.com/tunebook/tunebook/internal/store"
)

func testStore(t *testing.T, deviceID string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), &store.Options{DeviceID: deviceID})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema())
	return st
}

func testEngine(st *store.Store, authority remote.Authority) *Engine {
	return New(st, authority, Config{
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  time.Second,
		MaxAttempts: 3,
	})
}

func saveTune(t *testing.T, st *store.Store, id, title string) *model.Tune {
	t.Helper()
	tune := &model.Tune{ID: id, Title: title, Type: "reel", OwnerUserID: "alice"}
	require.NoError(t, st.SaveTune(context.Background(), tune))
	return tune
}

func TestSync_PushDrainsOutbox(t *testing.T) {
	st := testStore(t, "device-a")
	fake := remote.NewFake()
	e := testEngine(st, fake)
	ctx := context.Background()

	saveTune(t, st, "t1", "The Butterfly")
	saveTune(t, st, "t2", "The Silver Spear")

	stats, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pushed)

	counts, err := st.OutboxCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	// Authority versions were adopted locally.
	meta, err := st.RowMeta(ctx, "tunes", "t1")
	require.NoError(t, err)
	row, ok := fake.Row("tunes", "t1")
	require.True(t, ok)
	assert.Equal(t, row.Meta.SyncVersion, meta.SyncVersion)
}

func TestSync_PullInsertsAndAdvancesWatermark(t *testing.T) {
	st := testStore(t, "device-a")
	fake := remote.NewFake()
	e := testEngine(st, fake)
	ctx := context.Background()

	tune := &model.Tune{ID: "t1", Title: "Remote Reel", Type: "reel", OwnerUserID: "bob"}
	tune.SyncMeta = model.SyncMeta{LastModifiedAt: time.Now().UTC(), DeviceID: "device-b"}
	meta := fake.Seed("tunes", "t1", mustJSON(t, tune), tune.SyncMeta)

	stats, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pulled)

	got, err := st.GetTune(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Remote Reel", got.Title)
	assert.Equal(t, meta.SyncVersion, got.SyncVersion)

	v, err := st.Watermark(ctx, "tunes")
	require.NoError(t, err)
	assert.Equal(t, meta.SyncVersion, v)

	// A second pass has nothing new to pull.
	stats, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pulled)
}

func TestSync_LocalEditWinsConflict(t *testing.T) {
	st := testStore(t, "device-a")
	fake := remote.NewFake()
	e := testEngine(st, fake)
	ctx := context.Background()

	// Remote row modified in the past; local edit made after it.
	remoteTune := &model.Tune{ID: "t1", Title: "Old Remote Title", Type: "reel", OwnerUserID: "alice"}
	remoteTune.SyncMeta = model.SyncMeta{LastModifiedAt: time.Now().UTC().Add(-time.Hour), DeviceID: "device-b"}
	fake.Seed("tunes", "t1", mustJSON(t, remoteTune), remoteTune.SyncMeta)

	local := saveTune(t, st, "t1", "Fresh Local Title")

	stats, err := e.Sync(ctx)
	require.NoError(t, err)

	got, err := st.GetTune(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Fresh Local Title", got.Title)
	assert.Equal(t, 1, stats.Skipped)

	// The winning local edit reached the authority.
	row, ok := fake.Row("tunes", "t1")
	require.True(t, ok)
	assert.Equal(t, local.LastModifiedAt, row.Meta.LastModifiedAt)
}

func TestSync_RemoteEditWinsConflict(t *testing.T) {
	st := testStore(t, "device-a")
	fake := remote.NewFake()
	e := testEngine(st, fake)
	ctx := context.Background()

	saveTune(t, st, "t1", "Stale Local Title")

	remoteTune := &model.Tune{ID: "t1", Title: "Newer Remote Title", Type: "reel", OwnerUserID: "alice"}
	remoteTune.SyncMeta = model.SyncMeta{LastModifiedAt: time.Now().UTC().Add(time.Hour), DeviceID: "device-b"}
	fake.Seed("tunes", "t1", mustJSON(t, remoteTune), remoteTune.SyncMeta)

	// The push of the stale local edit is rejected; the pull in the
	// same pass resolves the row in the remote's favor.
	_, err := e.Sync(ctx)
	require.NoError(t, err)

	got, err := st.GetTune(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Newer Remote Title", got.Title)

	// The losing local edit was cancelled, not queued for retry.
	pending, err := st.HasPendingForRow(ctx, "tunes", "t1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSync_TwoDevicesConverge(t *testing.T) {
	// Both devices edit the same tune offline; after everyone syncs
	// twice, both hold the edit with the latest LastModifiedAt.
	fake := remote.NewFake()
	stA := testStore(t, "device-a")
	stB := testStore(t, "device-b")
	engineA := testEngine(stA, fake)
	engineB := testEngine(stB, fake)
	ctx := context.Background()

	saveTune(t, stA, "t1", "Title From A")
	time.Sleep(5 * time.Millisecond) // B's edit is strictly later
	saveTune(t, stB, "t1", "Title From B")

	for i := 0; i < 2; i++ {
		_, _ = engineA.Sync(ctx)
		_, _ = engineB.Sync(ctx)
	}

	gotA, err := stA.GetTune(ctx, "t1")
	require.NoError(t, err)
	gotB, err := stB.GetTune(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, "Title From B", gotA.Title)
	assert.Equal(t, "Title From B", gotB.Title)
	assert.Equal(t, gotA.SyncVersion, gotB.SyncVersion)
}

func TestSync_TombstonePropagates(t *testing.T) {
	fake := remote.NewFake()
	stA := testStore(t, "device-a")
	stB := testStore(t, "device-b")
	engineA := testEngine(stA, fake)
	engineB := testEngine(stB, fake)
	ctx := context.Background()

	saveTune(t, stA, "t1", "The Butterfly")
	_, err := engineA.Sync(ctx)
	require.NoError(t, err)
	_, err = engineB.Sync(ctx)
	require.NoError(t, err)

	_, err = stB.GetTune(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, stA.DeleteTune(ctx, "t1"))
	_, err = engineA.Sync(ctx)
	require.NoError(t, err)
	_, err = engineB.Sync(ctx)
	require.NoError(t, err)

	_, err = stB.GetTune(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSync_TransportFailureBacksOff(t *testing.T) {
	st := testStore(t, "device-a")
	fake := remote.NewFake()
	e := testEngine(st, fake)
	ctx := context.Background()

	saveTune(t, st, "t1", "The Butterfly")
	fake.PushErr = errors.New("connection refused")

	_, err := e.Sync(ctx)
	require.Error(t, err)

	// The entry is queued for retry, not lost and not inflight.
	counts, err := st.OutboxCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPending])

	// Not due until its backoff elapses.
	entries, err := st.PendingEntries(ctx, "tunes", time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// After the backoff the next pass succeeds.
	time.Sleep(25 * time.Millisecond)
	stats, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
}

func TestSync_ExhaustedAttemptsParkAsFailed(t *testing.T) {
	st := testStore(t, "device-a")
	fake := remote.NewFake()
	e := testEngine(st, fake)
	ctx := context.Background()

	saveTune(t, st, "t1", "The Butterfly")

	for i := 0; i < 3; i++ {
		fake.PushErr = errors.New("connection refused")
		_, _ = e.Sync(ctx)
		time.Sleep(50 * time.Millisecond)
	}

	failed, err := st.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "connection refused", failed[0].LastError)

	// Manual retry brings it back.
	n, err := st.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
}

func TestSync_SingleFlight(t *testing.T) {
	st := testStore(t, "device-a")
	e := testEngine(st, remote.NewFake())

	e.inFlight.Store(true)
	_, err := e.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInFlight)

	e.inFlight.Store(false)
	_, err = e.Sync(context.Background())
	assert.NoError(t, err)
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cap := 30 * time.Second

	assert.Equal(t, time.Second, backoffDelay(base, cap, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(base, cap, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(base, cap, 4))
	assert.Equal(t, cap, backoffDelay(base, cap, 20))
	assert.Equal(t, time.Second, backoffDelay(base, cap, 0))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
