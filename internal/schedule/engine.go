package schedule

import (
	"fmt"
	"time"

	"github.com/tunebook/tunebook/internal/model"
)

// Config configures an Engine. Zero values produce sensible defaults.
type Config struct {
	Parameters       Parameters // zero -> DefaultParameters
	DesiredRetention float64    // zero -> 0.9
	MaxIntervalDays  int        // zero -> 36500
}

// Engine computes next-review state for practiced tunes. It is pure
// and safe for concurrent use; all inputs arrive as arguments and no
// call mutates its receiver or its inputs.
type Engine struct {
	curve            curve
	desiredRetention float64
	maxIntervalDays  int
}

// New creates an Engine from the given config. Zero-value fields are
// filled with defaults; out-of-bounds values return an error.
func New(cfg Config) (*Engine, error) {
	params := cfg.Parameters
	if params == (Parameters{}) {
		params = DefaultParameters
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	retention := cfg.DesiredRetention
	if retention == 0 {
		retention = 0.9
	}
	if retention < 0 || retention > 1 {
		return nil, fmt.Errorf("desired retention %f out of range (0, 1]", retention)
	}

	maxDays := cfg.MaxIntervalDays
	if maxDays == 0 {
		maxDays = 36500
	}
	if maxDays < 1 {
		return nil, fmt.Errorf("max interval %d must be positive", maxDays)
	}

	return &Engine{
		curve:            newCurve(params),
		desiredRetention: retention,
		maxIntervalDays:  maxDays,
	}, nil
}

// ComputeNextState applies one rating event to the previous memory
// state and returns the resulting state. A nil prev means the tune has
// never been practiced and is treated as new. The returned due date is
// always at least one calendar day after practicedAt.
func (e *Engine) ComputeNextState(prev *model.MemoryState, rating Rating, practicedAt time.Time) model.MemoryState {
	if !rating.Valid() {
		rating = Good
	}

	if prev == nil || prev.State == model.StateNew || prev.State == "" {
		return e.firstPractice(rating, practicedAt)
	}

	next := *prev

	// Elapsed days since the last practice drive the stability update.
	var elapsedDays float64
	if prev.LastPracticedAt != nil {
		elapsedDays = practicedAt.Sub(*prev.LastPracticedAt).Hours() / 24.0
		if elapsedDays < 0 {
			elapsedDays = 0
		}
	}

	if elapsedDays < 1 {
		next.Stability = e.curve.sameDayStability(prev.Stability, rating)
	} else {
		retr := e.curve.retrievability(elapsedDays, prev.Stability)
		next.Stability = e.curve.nextStability(prev.Difficulty, prev.Stability, retr, rating)
	}
	next.Difficulty = e.curve.nextDifficulty(prev.Difficulty, rating)

	next.State = transition(prev.State, rating)
	if prev.State == model.StateReview && rating == Fail {
		next.Lapses++
	}
	next.Repetitions++

	next.Due = e.dueDate(next.State, next.Stability, practicedAt)
	at := practicedAt
	next.LastPracticedAt = &at
	return next
}

// firstPractice seeds memory state for a tune with no history.
func (e *Engine) firstPractice(rating Rating, practicedAt time.Time) model.MemoryState {
	state := model.StateLearning
	if rating == Easy {
		// An effortless first pass skips the learning phase.
		state = model.StateReview
	}

	at := practicedAt
	next := model.MemoryState{
		Stability:       e.curve.initialStability(rating),
		Difficulty:      e.curve.initialDifficulty(rating, true),
		State:           state,
		Repetitions:     1,
		Lapses:          0,
		LastPracticedAt: &at,
	}
	next.Due = e.dueDate(state, next.Stability, practicedAt)
	return next
}

// transition implements the discrete state machine:
// new -> learning -> review, with review -> relearning on a failing
// rating and relearning -> review on a passing one.
func transition(prev model.PracticeState, rating Rating) model.PracticeState {
	switch prev {
	case model.StateLearning, model.StateRelearning:
		if rating == Good || rating == Easy {
			return model.StateReview
		}
		return prev
	case model.StateReview:
		if rating == Fail {
			return model.StateRelearning
		}
		return model.StateReview
	default:
		if rating == Easy {
			return model.StateReview
		}
		return model.StateLearning
	}
}

// dueDate derives the next due date. Tunes still in a learning phase
// come back the next day; review tunes follow the model interval. The
// result is clamped to at least one day after practicedAt regardless
// of what the model says.
func (e *Engine) dueDate(state model.PracticeState, stability float64, practicedAt time.Time) time.Time {
	days := 1
	if state == model.StateReview {
		days = e.curve.intervalDays(stability, e.desiredRetention, e.maxIntervalDays)
	}

	due := practicedAt.AddDate(0, 0, days)
	if min := practicedAt.AddDate(0, 0, 1); due.Before(min) {
		due = min
	}
	return due
}

// Retrievability returns the modeled probability of recall for the
// given state at the given time. States with no practice history score
// zero.
func (e *Engine) Retrievability(state model.MemoryState, at time.Time) float64 {
	if state.LastPracticedAt == nil || state.Stability <= 0 {
		return 0
	}
	elapsed := at.Sub(*state.LastPracticedAt).Hours() / 24.0
	if elapsed < 0 {
		elapsed = 0
	}
	return e.curve.retrievability(elapsed, state.Stability)
}

// Replay folds a practice history into the memory state it implies.
// Records are applied in PracticedAt order; the input slice is not
// mutated. An empty history returns a zero-valued new state.
func (e *Engine) Replay(history []model.PracticeRecord) model.MemoryState {
	ordered := make([]model.PracticeRecord, len(history))
	copy(ordered, history)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].PracticedAt.Before(ordered[j-1].PracticedAt); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	state := model.MemoryState{State: model.StateNew}
	var prev *model.MemoryState
	for i := range ordered {
		state = e.ComputeNextState(prev, ParseRating(ordered[i].Rating), ordered[i].PracticedAt)
		prev = &state
	}
	return state
}
