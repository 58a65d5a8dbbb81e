package practice

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/schedule"
	"github.com/tunebook/tunebook/internal/store"
)

// Service implements the stage/commit/discard practice workflow on top
// of the store, using the scheduling engine to compute next states.
type Service struct {
	store  *store.Store
	engine *schedule.Engine
	logger *log.Logger
}

// NewService creates a practice service. A nil logger discards output.
func NewService(st *store.Store, engine *schedule.Engine, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Service{store: st, engine: engine, logger: logger}
}

// StageRating computes the tentative next memory state a rating would
// produce and writes it as the staging preview for the key. The
// computation always starts from committed state, never from a prior
// preview, so re-staging replaces rather than compounds. Unknown
// rating strings fall back to good.
func (s *Service) StageRating(ctx context.Context, userID, tuneID, collectionID, rating, goal string, at time.Time) (*model.StagingRow, error) {
	prev, err := s.store.CommittedMemoryState(ctx, userID, tuneID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load committed state: %w", err)
	}

	next := s.engine.ComputeNextState(prev, schedule.ParseRating(rating), at)

	row := &model.StagingRow{
		UserID:       userID,
		TuneID:       tuneID,
		CollectionID: collectionID,
		Rating:       schedule.ParseRating(rating).String(),
		Goal:         goal,
		StagedAt:     at,
		Stability:    next.Stability,
		Difficulty:   next.Difficulty,
		State:        next.State,
		Due:          next.Due,
		Repetitions:  next.Repetitions,
		Lapses:       next.Lapses,
	}
	if err := s.store.UpsertStaging(ctx, row); err != nil {
		return nil, err
	}

	s.logger.Printf("staged %s for tune %s in %s, due %s",
		row.Rating, tuneID, collectionID, next.Due.Format("2006-01-02"))
	return row, nil
}

// CommitStaged turns the staging preview for a key into a permanent
// practice record. Returns store.ErrNothingStaged when there is no
// preview to commit.
func (s *Service) CommitStaged(ctx context.Context, userID, tuneID, collectionID string) (*model.PracticeRecord, error) {
	record, err := s.store.CommitStaging(ctx, userID, tuneID, collectionID)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("committed practice record %s for tune %s", record.ID, tuneID)
	return record, nil
}

// DiscardStaged drops the staging preview for a key, if any. History
// is untouched.
func (s *Service) DiscardStaged(ctx context.Context, userID, tuneID, collectionID string) error {
	return s.store.DeleteStaging(ctx, userID, tuneID, collectionID)
}

// MemoryState returns the state the UI should display for a tune:
// staging preview first, committed state otherwise, (nil, nil) for a
// tune never practiced.
func (s *Service) MemoryState(ctx context.Context, userID, tuneID, collectionID string) (*model.MemoryState, error) {
	return s.store.CurrentMemoryState(ctx, userID, tuneID, collectionID)
}

// RebuildState folds the full committed history for a key through the
// engine and returns the resulting state. The snapshot stored on the
// latest record is a cache of this value; replaying verifies it or
// recovers it after records arrive out of order from other devices.
func (s *Service) RebuildState(ctx context.Context, userID, tuneID, collectionID string) (*model.MemoryState, error) {
	history, err := s.store.ListPracticeRecords(ctx, userID, tuneID, collectionID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	state := s.engine.Replay(history)
	return &state, nil
}
