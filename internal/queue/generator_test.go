package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/schedule"
	"github.com/tunebook/tunebook/internal/store"
)

const (
	testUser       = "alice"
	testCollection = "c1"
)

func testSetup(t *testing.T, perDay int) (*store.Store, *Generator) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), &store.Options{DeviceID: "device-a"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema())

	engine, err := schedule.New(schedule.Config{})
	require.NoError(t, err)

	return st, NewGenerator(st, engine, Options{PerDay: perDay})
}

// seedCollection creates a collection with n member tunes t1..tn.
func seedCollection(t *testing.T, st *store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	c := &model.Collection{ID: testCollection, UserID: testUser, Name: "Test Set"}
	require.NoError(t, st.SaveCollection(ctx, c))

	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("t%d", i)
		tune := &model.Tune{ID: id, Title: "Tune " + id, Type: "reel", OwnerUserID: testUser}
		require.NoError(t, st.SaveTune(ctx, tune))
		require.NoError(t, st.AddTuneToCollection(ctx, testCollection, id))
	}
}

// practiceTune commits one rating for a tune at the given time.
func practiceTune(t *testing.T, st *store.Store, engine *schedule.Engine, tuneID string, rating schedule.Rating, at time.Time) {
	t.Helper()
	ctx := context.Background()

	prev, err := st.CommittedMemoryState(ctx, testUser, tuneID, testCollection)
	require.NoError(t, err)
	next := engine.ComputeNextState(prev, rating, at)

	row := &model.StagingRow{
		UserID: testUser, TuneID: tuneID, CollectionID: testCollection,
		Rating: rating.String(), StagedAt: at,
		Stability: next.Stability, Difficulty: next.Difficulty,
		State: next.State, Due: next.Due,
		Repetitions: next.Repetitions, Lapses: next.Lapses,
	}
	require.NoError(t, st.UpsertStaging(ctx, row))
	_, err = st.CommitStaging(ctx, testUser, tuneID, testCollection)
	require.NoError(t, err)
}

func TestGenerateOrGet_AllNew(t *testing.T) {
	st, g := testSetup(t, 20)
	seedCollection(t, st, 5)

	entries, err := g.GenerateOrGet(context.Background(), testUser, testCollection, time.Now(), ModeDue, false)
	require.NoError(t, err)

	assert.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, i, e.Rank)
	}
}

func TestGenerateOrGet_Idempotent(t *testing.T) {
	st, g := testSetup(t, 20)
	seedCollection(t, st, 4)
	ctx := context.Background()
	asOf := time.Now()

	first, err := g.GenerateOrGet(ctx, testUser, testCollection, asOf, ModeDue, false)
	require.NoError(t, err)

	// A second call returns the cached queue even after state changed.
	engine, _ := schedule.New(schedule.Config{})
	practiceTune(t, st, engine, "t1", schedule.Good, asOf)

	second, err := g.GenerateOrGet(ctx, testUser, testCollection, asOf, ModeDue, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerateOrGet_DoubleForceIdenticalCounts(t *testing.T) {
	st, g := testSetup(t, 20)
	seedCollection(t, st, 6)
	ctx := context.Background()
	asOf := time.Now()

	first, err := g.GenerateOrGet(ctx, testUser, testCollection, asOf, ModeDue, true)
	require.NoError(t, err)
	second, err := g.GenerateOrGet(ctx, testUser, testCollection, asOf, ModeDue, true)
	require.NoError(t, err)

	assert.Equal(t, len(first), len(second))

	stored, err := st.GetQueue(ctx, testUser, testCollection, asOf.Format("2006-01-02"))
	require.NoError(t, err)
	assert.Len(t, stored, len(first), "force regenerate must not duplicate entries")
}

func TestGenerateOrGet_QuotaReservesNewSlots(t *testing.T) {
	// Cap 6 with a deep due backlog: ceil(6/3) = 2 slots still go to
	// new items.
	st, g := testSetup(t, 6)
	seedCollection(t, st, 12)
	engine, _ := schedule.New(schedule.Config{})

	// Ten tunes practiced long ago are now overdue; two stay new.
	past := time.Now().AddDate(0, 0, -30)
	for i := 1; i <= 10; i++ {
		practiceTune(t, st, engine, fmt.Sprintf("t%d", i), schedule.Good, past)
	}

	entries, err := g.GenerateOrGet(context.Background(), testUser, testCollection, time.Now(), ModeDue, false)
	require.NoError(t, err)
	require.Len(t, entries, 6)

	newCount := 0
	for _, e := range entries {
		if e.TuneID == "t11" || e.TuneID == "t12" {
			newCount++
		}
	}
	assert.Equal(t, 2, newCount)
}

func TestGenerateOrGet_NewOnlyMode(t *testing.T) {
	st, g := testSetup(t, 20)
	seedCollection(t, st, 5)
	engine, _ := schedule.New(schedule.Config{})
	practiceTune(t, st, engine, "t1", schedule.Good, time.Now().AddDate(0, 0, -10))

	entries, err := g.GenerateOrGet(context.Background(), testUser, testCollection, time.Now(), ModeNewOnly, false)
	require.NoError(t, err)

	assert.Len(t, entries, 4)
	for _, e := range entries {
		assert.NotEqual(t, "t1", e.TuneID)
	}
}

func TestGenerateOrGet_ExcludesNotYetDue(t *testing.T) {
	st, g := testSetup(t, 20)
	seedCollection(t, st, 2)
	engine, _ := schedule.New(schedule.Config{})

	// Practiced just now: due tomorrow at the earliest.
	practiceTune(t, st, engine, "t1", schedule.Good, time.Now())

	entries, err := g.GenerateOrGet(context.Background(), testUser, testCollection, time.Now(), ModeDue, false)
	require.NoError(t, err)

	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].TuneID)
}

func TestGenerateOrGet_DeterministicRank(t *testing.T) {
	st, g := testSetup(t, 20)
	seedCollection(t, st, 3)
	ctx := context.Background()
	asOf := time.Now()

	first, err := g.GenerateOrGet(ctx, testUser, testCollection, asOf, ModeDue, true)
	require.NoError(t, err)
	second, err := g.GenerateOrGet(ctx, testUser, testCollection, asOf, ModeDue, true)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].TuneID, second[i].TuneID)
		assert.Equal(t, first[i].Rank, second[i].Rank)
	}
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeDue, ParseMode(""))
	assert.Equal(t, ModeDue, ParseMode("bogus"))
	assert.Equal(t, ModeNewOnly, ParseMode("new_only"))
	assert.Equal(t, ModeAll, ParseMode("all"))
}
