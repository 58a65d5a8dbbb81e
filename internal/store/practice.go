package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tunebook/tunebook/internal/events"
	"github.com/tunebook/tunebook/internal/model"
)

// ErrNothingStaged is returned by CommitStaging when no staging row
// exists for the key.
var ErrNothingStaged = errors.New("nothing staged")

// ListPracticeRecords returns the full practice history for one
// (user, tune, collection) key in practice order. This is the
// provenance from which memory state is always reconstructable.
func (s *Store) ListPracticeRecords(ctx context.Context, userID, tuneID, collectionID string) ([]model.PracticeRecord, error) {
	rows, err := s.conn.QueryContext(ctx, recordSelect+`
		WHERE user_id = ? AND tune_id = ? AND collection_id = ? AND deleted = 0
		ORDER BY practiced_at ASC, id ASC`,
		userID, tuneID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query practice records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListUserPracticeRecords returns every live practice record for a
// user across all tunes and collections, in practice order. Library
// export reads from here.
func (s *Store) ListUserPracticeRecords(ctx context.Context, userID string) ([]model.PracticeRecord, error) {
	rows, err := s.conn.QueryContext(ctx, recordSelect+`
		WHERE user_id = ? AND deleted = 0
		ORDER BY practiced_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query practice records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ImportPracticeRecord inserts a practice record carried in from an
// export file. Records whose id already exists locally are skipped.
// Imported records get fresh sync metadata and an outbox entry so they
// propagate like any local mutation. Returns whether the record was
// inserted.
func (s *Store) ImportPracticeRecord(ctx context.Context, r *model.PracticeRecord) (bool, error) {
	at := now()
	inserted := false

	err := s.mutate(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRow(`SELECT id FROM practice_records WHERE id = ?`, r.ID).Scan(&existing)
		switch {
		case err == nil:
			return nil // already present
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("failed to check practice record %s: %w", r.ID, err)
		}

		r.SyncVersion = 0
		r.Touch(s.deviceID, at)
		r.Deleted = false
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid practice record: %w", err)
		}

		if err := insertRecordTx(tx, r); err != nil {
			return err
		}
		if err := appendOutboxTx(tx, "practice_records", r.ID, model.OpInsert, r, at); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// CommittedMemoryState returns the memory state implied by committed
// history: the snapshot carried by the most recent practice record.
// A tune with no history returns (nil, nil): new, not an error.
func (s *Store) CommittedMemoryState(ctx context.Context, userID, tuneID, collectionID string) (*model.MemoryState, error) {
	rows, err := s.conn.QueryContext(ctx, recordSelect+`
		WHERE user_id = ? AND tune_id = ? AND collection_id = ? AND deleted = 0
		ORDER BY practiced_at DESC, id DESC LIMIT 1`,
		userID, tuneID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest practice record: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	state := records[0].Snapshot()
	return &state, nil
}

// CurrentMemoryState returns the scheduling state the UI should show
// for a tune: a live staging preview when one exists, otherwise the
// committed state. Previews must be visible before they are
// committed.
// Returns (nil, nil) for a tune with neither.
func (s *Store) CurrentMemoryState(ctx context.Context, userID, tuneID, collectionID string) (*model.MemoryState, error) {
	staged, err := s.GetStaging(ctx, userID, tuneID, collectionID)
	if err == nil {
		state := staged.Preview()
		return &state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.CommittedMemoryState(ctx, userID, tuneID, collectionID)
}

// UpsertStaging writes the tentative preview for a key, overwriting
// any prior preview. The unique key guarantees at most one staging row
// per (user, tune, collection); re-staging is idempotent overwrite.
// Staging rows are local-only and never appear in the outbox.
func (s *Store) UpsertStaging(ctx context.Context, row *model.StagingRow) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO staging (user_id, tune_id, collection_id, rating, goal, staged_at,
			                     stability, difficulty, state, due, repetitions, lapses)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, tune_id, collection_id) DO UPDATE SET
				rating = excluded.rating,
				goal = excluded.goal,
				staged_at = excluded.staged_at,
				stability = excluded.stability,
				difficulty = excluded.difficulty,
				state = excluded.state,
				due = excluded.due,
				repetitions = excluded.repetitions,
				lapses = excluded.lapses`,
			row.UserID, row.TuneID, row.CollectionID, row.Rating, row.Goal, formatTime(row.StagedAt),
			row.Stability, row.Difficulty, string(row.State), formatTime(row.Due),
			row.Repetitions, row.Lapses,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert staging row: %w", err)
		}
		return nil
	})
}

// GetStaging retrieves the live staging row for a key, or ErrNotFound.
func (s *Store) GetStaging(ctx context.Context, userID, tuneID, collectionID string) (*model.StagingRow, error) {
	var row model.StagingRow
	var goal sql.NullString
	var stagedAt, state, due string

	err := s.conn.QueryRowContext(ctx, `
		SELECT user_id, tune_id, collection_id, rating, goal, staged_at,
		       stability, difficulty, state, due, repetitions, lapses
		FROM staging
		WHERE user_id = ? AND tune_id = ? AND collection_id = ?`,
		userID, tuneID, collectionID,
	).Scan(&row.UserID, &row.TuneID, &row.CollectionID, &row.Rating, &goal, &stagedAt,
		&row.Stability, &row.Difficulty, &state, &due, &row.Repetitions, &row.Lapses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("staging %s/%s/%s: %w", userID, tuneID, collectionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staging row: %w", err)
	}

	row.Goal = goal.String
	row.StagedAt = parseTime(stagedAt)
	row.State = model.PracticeState(state)
	row.Due = parseTime(due)
	return &row, nil
}

// DeleteStaging discards a preview without any history effect.
// Deleting a key with no staging row is a no-op.
func (s *Store) DeleteStaging(ctx context.Context, userID, tuneID, collectionID string) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM staging WHERE user_id = ? AND tune_id = ? AND collection_id = ?`,
			userID, tuneID, collectionID)
		if err != nil {
			return fmt.Errorf("failed to delete staging row: %w", err)
		}
		return nil
	})
}

// CommitStaging converts the staging row for a key into exactly one
// permanent practice record and deletes the staging row, atomically:
// record insert, outbox append, and staging delete all commit
// together or not at all. Returns ErrNothingStaged when no preview
// exists for the key.
func (s *Store) CommitStaging(ctx context.Context, userID, tuneID, collectionID string) (*model.PracticeRecord, error) {
	at := now()
	var record *model.PracticeRecord

	err := s.mutate(ctx, func(tx *sql.Tx) error {
		var staged model.StagingRow
		var goal sql.NullString
		var stagedAt, state, due string
		err := tx.QueryRow(`
			SELECT rating, goal, staged_at, stability, difficulty, state, due, repetitions, lapses
			FROM staging WHERE user_id = ? AND tune_id = ? AND collection_id = ?`,
			userID, tuneID, collectionID,
		).Scan(&staged.Rating, &goal, &stagedAt, &staged.Stability, &staged.Difficulty,
			&state, &due, &staged.Repetitions, &staged.Lapses)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("staging %s/%s/%s: %w", userID, tuneID, collectionID, ErrNothingStaged)
		}
		if err != nil {
			return fmt.Errorf("failed to load staging row: %w", err)
		}

		r := &model.PracticeRecord{
			ID:           uuid.NewString(),
			UserID:       userID,
			TuneID:       tuneID,
			CollectionID: collectionID,
			PracticedAt:  parseTime(stagedAt),
			Rating:       staged.Rating,
			Stability:    staged.Stability,
			Difficulty:   staged.Difficulty,
			State:        model.PracticeState(state),
			Due:          parseTime(due),
			Repetitions:  staged.Repetitions,
			Lapses:       staged.Lapses,
		}
		r.Touch(s.deviceID, at)
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid practice record: %w", err)
		}

		if err := insertRecordTx(tx, r); err != nil {
			return err
		}
		if err := appendOutboxTx(tx, "practice_records", r.ID, model.OpInsert, r, at); err != nil {
			return err
		}

		_, err = tx.Exec(`
			DELETE FROM staging WHERE user_id = ? AND tune_id = ? AND collection_id = ?`,
			userID, tuneID, collectionID)
		if err != nil {
			return fmt.Errorf("failed to clear staging row: %w", err)
		}

		record = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Emit(events.KindPracticeCommitted, map[string]string{
		"tune_id":       tuneID,
		"collection_id": collectionID,
		"record_id":     record.ID,
	})
	return record, nil
}

// TuneMemory pairs a collection member with its committed memory
// state (nil for tunes never practiced).
type TuneMemory struct {
	TuneID string
	State  *model.MemoryState
}

// CollectionMemoryStates returns the committed memory state of every
// live member of a collection, never-practiced members included with a
// nil state. Queue generation reads from here.
func (s *Store) CollectionMemoryStates(ctx context.Context, userID, collectionID string) ([]TuneMemory, error) {
	memberships, err := s.ListCollectionTunes(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	// Latest record per tune in one pass.
	rows, err := s.conn.QueryContext(ctx, recordSelect+`
		WHERE user_id = ? AND collection_id = ? AND deleted = 0
		  AND practiced_at = (
			SELECT MAX(r2.practiced_at) FROM practice_records r2
			WHERE r2.user_id = practice_records.user_id
			  AND r2.collection_id = practice_records.collection_id
			  AND r2.tune_id = practice_records.tune_id
			  AND r2.deleted = 0
		  )`,
		userID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest practice records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*model.MemoryState, len(records))
	for i := range records {
		state := records[i].Snapshot()
		latest[records[i].TuneID] = &state
	}

	out := make([]TuneMemory, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, TuneMemory{TuneID: m.TuneID, State: latest[m.TuneID]})
	}
	return out, nil
}

const recordSelect = `
	SELECT id, user_id, tune_id, collection_id, practiced_at, rating,
	       stability, difficulty, state, due, repetitions, lapses,
	       sync_version, last_modified_at, device_id, deleted
	FROM practice_records`

func scanRecords(rows *sql.Rows) ([]model.PracticeRecord, error) {
	var records []model.PracticeRecord
	for rows.Next() {
		var r model.PracticeRecord
		var practicedAt, state, due, lastModified string
		var deleted int

		err := rows.Scan(&r.ID, &r.UserID, &r.TuneID, &r.CollectionID, &practicedAt, &r.Rating,
			&r.Stability, &r.Difficulty, &state, &due, &r.Repetitions, &r.Lapses,
			&r.SyncVersion, &lastModified, &r.DeviceID, &deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan practice record: %w", err)
		}

		r.PracticedAt = parseTime(practicedAt)
		r.State = model.PracticeState(state)
		r.Due = parseTime(due)
		r.LastModifiedAt = parseTime(lastModified)
		r.Deleted = deleted != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

func insertRecordTx(tx *sql.Tx, r *model.PracticeRecord) error {
	_, err := tx.Exec(`
		INSERT INTO practice_records (id, user_id, tune_id, collection_id, practiced_at, rating,
		                              stability, difficulty, state, due, repetitions, lapses,
		                              sync_version, last_modified_at, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.TuneID, r.CollectionID, formatTime(r.PracticedAt), r.Rating,
		r.Stability, r.Difficulty, string(r.State), formatTime(r.Due), r.Repetitions, r.Lapses,
		r.SyncVersion, formatTime(r.LastModifiedAt), r.DeviceID, boolToInt(r.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to insert practice record %s: %w", r.ID, err)
	}
	return nil
}
