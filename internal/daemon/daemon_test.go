package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/remote"
	"github.com/tunebook/tunebook/internal/store"
	"github.com/tunebook/tunebook/internal/syncer"
)

func testDaemon(t *testing.T) (*Daemon, *store.Store, *remote.Fake) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), &store.Options{
		DeviceID:     "device-a",
		SnapshotPath: filepath.Join(dir, "test.snapshot"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema())

	fake := remote.NewFake()
	engine := syncer.New(st, fake, syncer.Config{})

	d := New(st, engine, Config{
		SyncInterval:    50 * time.Millisecond,
		PersistDebounce: 30 * time.Millisecond,
	})
	return d, st, fake
}

func TestDaemon_SyncNowDrainsOutbox(t *testing.T) {
	d, st, _ := testDaemon(t)
	ctx := context.Background()

	tune := &model.Tune{ID: "t1", Title: "The Butterfly", Type: "reel", OwnerUserID: "alice"}
	require.NoError(t, st.SaveTune(ctx, tune))

	require.NoError(t, d.Start())
	defer d.Stop()
	d.SyncNow()

	assert.Eventually(t, func() bool {
		counts, err := st.OutboxCounts(ctx)
		return err == nil && len(counts) == 0
	}, 2*time.Second, 20*time.Millisecond, "outbox not drained")
}

func TestDaemon_IntervalSyncRuns(t *testing.T) {
	d, st, fake := testDaemon(t)
	ctx := context.Background()

	require.NoError(t, d.Start())
	defer d.Stop()

	tune := &model.Tune{ID: "t1", Title: "The Butterfly", Type: "reel", OwnerUserID: "alice"}
	require.NoError(t, st.SaveTune(ctx, tune))

	assert.Eventually(t, func() bool {
		_, ok := fake.Row("tunes", "t1")
		return ok
	}, 2*time.Second, 20*time.Millisecond, "interval sync never pushed the tune")
}

func TestDaemon_PersistAfterMutation(t *testing.T) {
	d, st, _ := testDaemon(t)
	ctx := context.Background()

	require.NoError(t, d.Start())
	defer d.Stop()

	tune := &model.Tune{ID: "t1", Title: "The Butterfly", Type: "reel", OwnerUserID: "alice"}
	require.NoError(t, st.SaveTune(ctx, tune))

	assert.Eventually(t, func() bool {
		info, err := os.Stat(st.SnapshotPath())
		return err == nil && info.Size() > 0
	}, 2*time.Second, 20*time.Millisecond, "snapshot never written after mutation")
}

func TestDaemon_StopIsClean(t *testing.T) {
	d, _, _ := testDaemon(t)

	require.NoError(t, d.Start())

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
}
