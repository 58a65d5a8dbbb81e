package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunebook/tunebook/internal/model"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{})
	require.NoError(t, err)
	return e
}

func day(n int) time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{DesiredRetention: 1.5})
	assert.Error(t, err)

	_, err = New(Config{MaxIntervalDays: -1})
	assert.Error(t, err)

	bad := DefaultParameters
	bad[0] = 9999
	_, err = New(Config{Parameters: bad})
	assert.Error(t, err)
}

func TestComputeNextState_FirstFail(t *testing.T) {
	// A failed first attempt must land in learning, due exactly one
	// day later, with no lapse counted (there was nothing to lapse
	// from).
	e := testEngine(t)
	t0 := day(0)

	next := e.ComputeNextState(nil, Fail, t0)

	assert.Equal(t, model.StateLearning, next.State)
	assert.Equal(t, t0.AddDate(0, 0, 1), next.Due)
	assert.Equal(t, 0, next.Lapses)
	assert.Equal(t, 1, next.Repetitions)
	assert.Greater(t, next.Stability, 0.0)
}

func TestComputeNextState_FirstEasySkipsLearning(t *testing.T) {
	e := testEngine(t)
	next := e.ComputeNextState(nil, Easy, day(0))

	assert.Equal(t, model.StateReview, next.State)
	assert.True(t, next.Due.After(day(0)))
}

func TestComputeNextState_DueNeverBeforeNextDay(t *testing.T) {
	// Whatever the rating sequence, the due date is always at least
	// one calendar day after the practice.
	e := testEngine(t)
	sequences := [][]Rating{
		{Fail, Fail, Fail, Fail},
		{Good, Good, Good, Good},
		{Easy, Fail, Easy, Fail},
		{Hard, Hard, Good, Fail, Good},
	}

	for _, seq := range sequences {
		var prev *model.MemoryState
		for i, rating := range seq {
			at := day(i)
			next := e.ComputeNextState(prev, rating, at)
			assert.False(t, next.Due.Before(at.AddDate(0, 0, 1)),
				"due %s before %s+1d for sequence %v", next.Due, at, seq)
			prev = &next
		}
	}
}

func TestComputeNextState_LapseOnReviewFail(t *testing.T) {
	e := testEngine(t)

	first := e.ComputeNextState(nil, Easy, day(0))
	require.Equal(t, model.StateReview, first.State)

	failed := e.ComputeNextState(&first, Fail, day(10))
	assert.Equal(t, model.StateRelearning, failed.State)
	assert.Equal(t, 1, failed.Lapses)

	// A passing rating returns it to review without another lapse.
	recovered := e.ComputeNextState(&failed, Good, day(11))
	assert.Equal(t, model.StateReview, recovered.State)
	assert.Equal(t, 1, recovered.Lapses)
}

func TestComputeNextState_FailInLearningIsNotALapse(t *testing.T) {
	e := testEngine(t)

	first := e.ComputeNextState(nil, Good, day(0))
	require.Equal(t, model.StateLearning, first.State)

	second := e.ComputeNextState(&first, Fail, day(1))
	assert.Equal(t, model.StateLearning, second.State)
	assert.Equal(t, 0, second.Lapses)
}

func TestComputeNextState_UnknownRatingDefaultsToGood(t *testing.T) {
	e := testEngine(t)

	fromUnknown := e.ComputeNextState(nil, Rating(99), day(0))
	fromGood := e.ComputeNextState(nil, Good, day(0))
	assert.Equal(t, fromGood, fromUnknown)
}

func TestComputeNextState_StabilityGrowsOnSuccess(t *testing.T) {
	e := testEngine(t)

	first := e.ComputeNextState(nil, Good, day(0))
	second := e.ComputeNextState(&first, Good, day(3))
	assert.Greater(t, second.Stability, first.Stability)
}

func TestRetrievability_DecaysOverTime(t *testing.T) {
	e := testEngine(t)
	state := e.ComputeNextState(nil, Good, day(0))

	r1 := e.Retrievability(state, day(1))
	r30 := e.Retrievability(state, day(30))
	assert.Greater(t, r1, r30)
	assert.InDelta(t, 1.0, e.Retrievability(state, day(0)), 0.01)

	// No history scores zero.
	assert.Zero(t, e.Retrievability(model.MemoryState{}, day(1)))
}

func TestReplay_OrderIndependent(t *testing.T) {
	e := testEngine(t)

	history := []model.PracticeRecord{
		{Rating: "good", PracticedAt: day(0)},
		{Rating: "fail", PracticedAt: day(2)},
		{Rating: "good", PracticedAt: day(3)},
		{Rating: "easy", PracticedAt: day(7)},
	}
	shuffled := []model.PracticeRecord{history[2], history[0], history[3], history[1]}

	assert.Equal(t, e.Replay(history), e.Replay(shuffled))
}

func TestReplay_MatchesIncremental(t *testing.T) {
	e := testEngine(t)

	history := []model.PracticeRecord{
		{Rating: "good", PracticedAt: day(0)},
		{Rating: "hard", PracticedAt: day(1)},
		{Rating: "good", PracticedAt: day(4)},
	}

	var prev *model.MemoryState
	for _, r := range history {
		next := e.ComputeNextState(prev, ParseRating(r.Rating), r.PracticedAt)
		prev = &next
	}

	assert.Equal(t, *prev, e.Replay(history))
}

func TestParseRating(t *testing.T) {
	cases := map[string]Rating{
		"fail":    Fail,
		"again":   Fail,
		"FAIL":    Fail,
		" hard ":  Hard,
		"good":    Good,
		"ok":      Good,
		"easy":    Easy,
		"perfect": Easy,
		"4":       Easy,
		"":        Good,
		"mangled": Good,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseRating(input), "input %q", input)
	}
}
