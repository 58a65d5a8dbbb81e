package model

import (
	"fmt"
	"time"
)

// PracticeState is the discrete scheduling state of a tune within a
// collection.
type PracticeState string

const (
	StateNew        PracticeState = "new"
	StateLearning   PracticeState = "learning"
	StateReview     PracticeState = "review"
	StateRelearning PracticeState = "relearning"
)

// Valid reports whether s is one of the known practice states.
func (s PracticeState) Valid() bool {
	switch s {
	case StateNew, StateLearning, StateReview, StateRelearning:
		return true
	}
	return false
}

// MemoryState holds the derived spaced-repetition parameters for one
// (tune, collection) pair. It is always reconstructable by folding the
// PracticeRecord history; the store never writes it without an
// accompanying PracticeRecord or StagingRow.
type MemoryState struct {
	Stability       float64       `json:"stability"`
	Difficulty      float64       `json:"difficulty"`
	State           PracticeState `json:"state"`
	Due             time.Time     `json:"due"`
	Repetitions     int           `json:"repetitions"`
	Lapses          int           `json:"lapses"`
	LastPracticedAt *time.Time    `json:"last_practiced_at,omitempty"`
}

// PracticeRecord is one immutable practice event: the rating given and
// the memory-state snapshot that resulted from it. History is only
// appended, never edited.
type PracticeRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TuneID       string    `json:"tune_id"`
	CollectionID string    `json:"collection_id"`
	PracticedAt  time.Time `json:"practiced_at"`
	Rating       string    `json:"rating"` // fail, hard, good, easy

	// Resulting memory-state snapshot.
	Stability   float64       `json:"stability"`
	Difficulty  float64       `json:"difficulty"`
	State       PracticeState `json:"state"`
	Due         time.Time     `json:"due"`
	Repetitions int           `json:"repetitions"`
	Lapses      int           `json:"lapses"`

	SyncMeta
}

// Validate checks required practice record fields.
func (r *PracticeRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.TuneID == "" {
		return fmt.Errorf("tune_id is required")
	}
	if r.CollectionID == "" {
		return fmt.Errorf("collection_id is required")
	}
	if r.PracticedAt.IsZero() {
		return fmt.Errorf("practiced_at is required")
	}
	if r.Rating == "" {
		return fmt.Errorf("rating is required")
	}
	if !r.State.Valid() {
		return fmt.Errorf("unknown practice state %q", r.State)
	}
	return nil
}

// Snapshot returns the memory state captured by this record.
func (r *PracticeRecord) Snapshot() MemoryState {
	at := r.PracticedAt
	return MemoryState{
		Stability:       r.Stability,
		Difficulty:      r.Difficulty,
		State:           r.State,
		Due:             r.Due,
		Repetitions:     r.Repetitions,
		Lapses:          r.Lapses,
		LastPracticedAt: &at,
	}
}

// StagingRow is a tentative, uncommitted scheduling preview. At most
// one exists per (user, tune, collection); re-staging the same key
// overwrites the previous preview. Committing converts it into exactly
// one PracticeRecord and deletes it. Staging rows are local-only and
// never synced.
type StagingRow struct {
	UserID       string    `json:"user_id"`
	TuneID       string    `json:"tune_id"`
	CollectionID string    `json:"collection_id"`
	Rating       string    `json:"rating"`
	Goal         string    `json:"goal,omitempty"`
	StagedAt     time.Time `json:"staged_at"`

	// Tentative memory state produced by the rating.
	Stability   float64       `json:"stability"`
	Difficulty  float64       `json:"difficulty"`
	State       PracticeState `json:"state"`
	Due         time.Time     `json:"due"`
	Repetitions int           `json:"repetitions"`
	Lapses      int           `json:"lapses"`
}

// Preview returns the tentative memory state held by the staging row.
func (s *StagingRow) Preview() MemoryState {
	at := s.StagedAt
	return MemoryState{
		Stability:       s.Stability,
		Difficulty:      s.Difficulty,
		State:           s.State,
		Due:             s.Due,
		Repetitions:     s.Repetitions,
		Lapses:          s.Lapses,
		LastPracticedAt: &at,
	}
}

// QueueEntry is one materialized row of a day's practice queue. Queue
// entries are regenerable, never authoritative, and never synced.
type QueueEntry struct {
	QueueDate    string    `json:"queue_date"` // YYYY-MM-DD
	UserID       string    `json:"user_id"`
	CollectionID string    `json:"collection_id"`
	TuneID       string    `json:"tune_id"`
	Rank         int       `json:"rank"`
	GeneratedAt  time.Time `json:"generated_at"`
}
