package remote

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunebook/tunebook/internal/model"
)

// startTestServer runs a dev authority on an ephemeral port and
// returns its websocket URL.
func startTestServer(t *testing.T) string {
	t.Helper()
	srv := NewServer(&ServerConfig{Port: 0, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	return "ws://127.0.0.1:" + port + "/sync"
}

func testClient(t *testing.T, url, userID string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		URL:         url,
		UserID:      userID,
		CallTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func tunePayload(t *testing.T, id, title string, modifiedAt time.Time) ([]byte, model.SyncMeta) {
	t.Helper()
	meta := model.SyncMeta{SyncVersion: 1, LastModifiedAt: modifiedAt, DeviceID: "device-a"}
	tune := &model.Tune{ID: id, Title: title, Type: "reel", OwnerUserID: "alice", SyncMeta: meta}
	payload, err := json.Marshal(tune)
	require.NoError(t, err)
	return payload, meta
}

func TestClientServer_PushPullRoundTrip(t *testing.T) {
	url := startTestServer(t)
	client := testClient(t, url, "alice")
	ctx := context.Background()

	payload, meta := tunePayload(t, "t1", "The Butterfly", time.Now().UTC())
	results, err := client.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "insert", Payload: payload, Meta: meta},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, int64(1), results[0].NewVersion)

	rows, err := client.Pull(ctx, "tunes", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0].RowID)
	assert.Equal(t, int64(1), rows[0].Meta.SyncVersion)

	// Nothing past the returned version.
	rows, err = client.Pull(ctx, "tunes", 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestServer_RejectsStalePush(t *testing.T) {
	url := startTestServer(t)
	client := testClient(t, url, "alice")
	ctx := context.Background()

	now := time.Now().UTC()
	fresh, freshMeta := tunePayload(t, "t1", "Fresh", now)
	_, err := client.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "insert", Payload: fresh, Meta: freshMeta},
	})
	require.NoError(t, err)

	stale, staleMeta := tunePayload(t, "t1", "Stale", now.Add(-time.Hour))
	results, err := client.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "update", Payload: stale, Meta: staleMeta},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "conflict")
}

func TestServer_UsersAreIsolated(t *testing.T) {
	url := startTestServer(t)
	alice := testClient(t, url, "alice")
	bob := testClient(t, url, "bob")
	ctx := context.Background()

	payload, meta := tunePayload(t, "t1", "The Butterfly", time.Now().UTC())
	_, err := alice.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "insert", Payload: payload, Meta: meta},
	})
	require.NoError(t, err)

	rows, err := bob.Pull(ctx, "tunes", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestServer_DeleteOpMarksTombstone(t *testing.T) {
	url := startTestServer(t)
	client := testClient(t, url, "alice")
	ctx := context.Background()

	payload, meta := tunePayload(t, "t1", "The Butterfly", time.Now().UTC())
	_, err := client.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "insert", Payload: payload, Meta: meta},
	})
	require.NoError(t, err)

	meta.LastModifiedAt = meta.LastModifiedAt.Add(time.Minute)
	_, err = client.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "delete", Payload: payload, Meta: meta},
	})
	require.NoError(t, err)

	rows, err := client.Pull(ctx, "tunes", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Meta.Deleted)
}

func TestFake_MatchesServerSemantics(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	payload, meta := tunePayload(t, "t1", "The Butterfly", time.Now().UTC())
	results, err := fake.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "insert", Payload: payload, Meta: meta},
	})
	require.NoError(t, err)
	assert.True(t, results[0].OK)

	stale, staleMeta := tunePayload(t, "t1", "Stale", time.Now().UTC().Add(-time.Hour))
	results, err = fake.Push(ctx, []PushItem{
		{Table: "tunes", RowID: "t1", Op: "update", Payload: stale, Meta: staleMeta},
	})
	require.NoError(t, err)
	assert.False(t, results[0].OK)

	rows, err := fake.Pull(ctx, "tunes", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0].RowID)
}
