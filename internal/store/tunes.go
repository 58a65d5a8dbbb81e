package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tunebook/tunebook/internal/events"
	"github.com/tunebook/tunebook/internal/model"
)

// ErrNotFound is returned when a requested row does not exist or is
// tombstoned.
var ErrNotFound = errors.New("not found")

// SaveTune inserts or updates a tune. The row's sync metadata is
// advanced and an outbox entry is appended in the same transaction.
// The passed tune's SyncMeta is updated in place to the stored values.
func (s *Store) SaveTune(ctx context.Context, tune *model.Tune) error {
	if err := tune.Validate(); err != nil {
		return fmt.Errorf("invalid tune: %w", err)
	}
	if tune.CreatedAt.IsZero() {
		tune.CreatedAt = now()
	}

	at := now()
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		op := model.OpInsert
		var existing int64
		err := tx.QueryRow(`SELECT sync_version FROM tunes WHERE id = ?`, tune.ID).Scan(&existing)
		switch {
		case err == nil:
			op = model.OpUpdate
			tune.SyncVersion = existing
		case errors.Is(err, sql.ErrNoRows):
			tune.SyncVersion = 0
		default:
			return fmt.Errorf("failed to check tune %s: %w", tune.ID, err)
		}

		tune.Touch(s.deviceID, at)
		tune.Deleted = false

		if err := upsertTuneTx(tx, tune); err != nil {
			return err
		}
		return appendOutboxTx(tx, "tunes", tune.ID, op, tune, at)
	})
	if err != nil {
		return err
	}

	s.bus.Emit(events.KindTuneChanged, map[string]string{"tune_id": tune.ID})
	return nil
}

// DeleteTune tombstones a tune. The row is retained so the deletion
// can propagate; it disappears from reads immediately.
func (s *Store) DeleteTune(ctx context.Context, id string) error {
	at := now()
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		tune, err := getTuneTx(tx, id, true)
		if err != nil {
			return err
		}
		if tune.Deleted {
			return nil // already tombstoned, idempotent
		}

		tune.Touch(s.deviceID, at)
		tune.Deleted = true

		if err := upsertTuneTx(tx, tune); err != nil {
			return err
		}
		return appendOutboxTx(tx, "tunes", tune.ID, model.OpDelete, tune, at)
	})
	if err != nil {
		return err
	}

	s.bus.Emit(events.KindTuneChanged, map[string]string{"tune_id": id})
	return nil
}

// GetTune retrieves a tune by id. Tombstoned tunes return ErrNotFound.
func (s *Store) GetTune(ctx context.Context, id string) (*model.Tune, error) {
	row := s.conn.QueryRowContext(ctx, tuneSelect+` WHERE id = ? AND deleted = 0`, id)
	tune, err := scanTune(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tune %s: %w", id, ErrNotFound)
	}
	return tune, err
}

// GetTuneForUser retrieves a tune with the user's field-level override
// applied on top of the shared record. Tunes without an override come
// back unchanged.
func (s *Store) GetTuneForUser(ctx context.Context, userID, tuneID string) (*model.Tune, error) {
	tune, err := s.GetTune(ctx, tuneID)
	if err != nil {
		return nil, err
	}

	override, err := s.GetOverride(ctx, userID, tuneID)
	if errors.Is(err, ErrNotFound) {
		return tune, nil
	}
	if err != nil {
		return nil, err
	}

	shadowed := override.Apply(*tune)
	return &shadowed, nil
}

// TuneFilter configures ListTunes.
type TuneFilter struct {
	// Type filters by tune type (empty = all).
	Type string
	// OwnerUserID filters to a user's private tunes (empty = all).
	OwnerUserID string
	// PublicOnly restricts to shared tunes.
	PublicOnly bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListTunes retrieves tunes matching the filter, tombstones excluded,
// ordered by title.
func (s *Store) ListTunes(ctx context.Context, filter TuneFilter) ([]*model.Tune, error) {
	conditions := []string{"deleted = 0"}
	var args []any

	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.OwnerUserID != "" {
		conditions = append(conditions, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}
	if filter.PublicOnly {
		conditions = append(conditions, "public = 1")
	}

	query := tuneSelect + " WHERE " + strings.Join(conditions, " AND ") + " ORDER BY title ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tunes: %w", err)
	}
	defer rows.Close()

	var tunes []*model.Tune
	for rows.Next() {
		tune, err := scanTune(rows)
		if err != nil {
			return nil, err
		}
		tunes = append(tunes, tune)
	}
	return tunes, rows.Err()
}

// SetOverrideField shadows one field of a public tune for one user
// without touching the shared record. The override row is upserted and
// synced like any other mutation.
func (s *Store) SetOverrideField(ctx context.Context, userID, tuneID, field, value string) error {
	return s.updateOverride(ctx, userID, tuneID, func(o *model.TuneOverride) error {
		return o.Set(field, value)
	})
}

// RevertOverrideField removes the shadow for one field, restoring the
// base record's value on read.
func (s *Store) RevertOverrideField(ctx context.Context, userID, tuneID, field string) error {
	return s.updateOverride(ctx, userID, tuneID, func(o *model.TuneOverride) error {
		o.Revert(field)
		return nil
	})
}

// updateOverride loads (or creates) the user's override row, applies
// fn, and stores the result with outbox bookkeeping.
func (s *Store) updateOverride(ctx context.Context, userID, tuneID string, fn func(*model.TuneOverride) error) error {
	at := now()
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		override := &model.TuneOverride{UserID: userID, TuneID: tuneID}
		op := model.OpInsert

		var fieldsJSON string
		err := tx.QueryRow(`
			SELECT fields, sync_version, last_modified_at, device_id, deleted
			FROM tune_overrides WHERE user_id = ? AND tune_id = ?`,
			userID, tuneID,
		).Scan(&fieldsJSON, &override.SyncVersion, &timeScanner{&override.LastModifiedAt}, &override.DeviceID, &override.Deleted)
		switch {
		case err == nil:
			op = model.OpUpdate
			if err := json.Unmarshal([]byte(fieldsJSON), &override.Fields); err != nil {
				return fmt.Errorf("failed to unmarshal override fields: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			// fresh override
		default:
			return fmt.Errorf("failed to load override %s/%s: %w", userID, tuneID, err)
		}

		if err := fn(override); err != nil {
			return err
		}
		if err := override.Validate(); err != nil {
			return fmt.Errorf("invalid override: %w", err)
		}

		override.Touch(s.deviceID, at)
		override.Deleted = override.Empty() // a fully reverted override tombstones itself

		if err := upsertOverrideTx(tx, override); err != nil {
			return err
		}

		rowID := override.UserID + "/" + override.TuneID
		if override.Deleted {
			op = model.OpDelete
		}
		return appendOutboxTx(tx, "tune_overrides", rowID, op, override, at)
	})
	if err != nil {
		return err
	}

	s.bus.Emit(events.KindTuneChanged, map[string]string{"tune_id": tuneID})
	return nil
}

// GetOverride retrieves a user's override for a tune. No override (or
// a tombstoned one) returns ErrNotFound.
func (s *Store) GetOverride(ctx context.Context, userID, tuneID string) (*model.TuneOverride, error) {
	override := &model.TuneOverride{UserID: userID, TuneID: tuneID}
	var fieldsJSON string
	var lastModified string

	err := s.conn.QueryRowContext(ctx, `
		SELECT fields, sync_version, last_modified_at, device_id, deleted
		FROM tune_overrides WHERE user_id = ? AND tune_id = ? AND deleted = 0`,
		userID, tuneID,
	).Scan(&fieldsJSON, &override.SyncVersion, &lastModified, &override.DeviceID, &override.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("override %s/%s: %w", userID, tuneID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override %s/%s: %w", userID, tuneID, err)
	}

	override.LastModifiedAt = parseTime(lastModified)
	if err := json.Unmarshal([]byte(fieldsJSON), &override.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal override fields: %w", err)
	}
	return override, nil
}

// ListOverrides returns a user's live overrides across all tunes.
func (s *Store) ListOverrides(ctx context.Context, userID string) ([]*model.TuneOverride, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT user_id, tune_id, fields, sync_version, last_modified_at, device_id, deleted
		FROM tune_overrides WHERE user_id = ? AND deleted = 0 ORDER BY tune_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []*model.TuneOverride
	for rows.Next() {
		var o model.TuneOverride
		var fieldsJSON, lastModified string
		var deleted int
		err := rows.Scan(&o.UserID, &o.TuneID, &fieldsJSON,
			&o.SyncVersion, &lastModified, &o.DeviceID, &deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.LastModifiedAt = parseTime(lastModified)
		o.Deleted = deleted != 0
		if err := json.Unmarshal([]byte(fieldsJSON), &o.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal override fields: %w", err)
		}
		overrides = append(overrides, &o)
	}
	return overrides, rows.Err()
}

const tuneSelect = `
	SELECT id, title, type, genre, mode, structure, incipit, public, owner_user_id, created_at,
	       sync_version, last_modified_at, device_id, deleted
	FROM tunes`

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// timeScanner adapts a time field to TEXT column scanning.
type timeScanner struct{ t *time.Time }

func (ts *timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*ts.t = parseTime(v)
	case []byte:
		*ts.t = parseTime(string(v))
	case nil:
		*ts.t = time.Time{}
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

func scanTune(row rowScanner) (*model.Tune, error) {
	var t model.Tune
	var genre, mode, structure, incipit, owner sql.NullString
	var public, deleted int
	var createdAt, lastModified string

	err := row.Scan(&t.ID, &t.Title, &t.Type, &genre, &mode, &structure, &incipit,
		&public, &owner, &createdAt,
		&t.SyncVersion, &lastModified, &t.DeviceID, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tune: %w", err)
	}

	t.Genre = genre.String
	t.Mode = mode.String
	t.Structure = structure.String
	t.Incipit = incipit.String
	t.OwnerUserID = owner.String
	t.Public = public != 0
	t.Deleted = deleted != 0
	t.CreatedAt = parseTime(createdAt)
	t.LastModifiedAt = parseTime(lastModified)
	return &t, nil
}

// getTuneTx loads a tune inside a transaction. includeTombstones
// controls whether deleted rows are visible.
func getTuneTx(tx *sql.Tx, id string, includeTombstones bool) (*model.Tune, error) {
	query := tuneSelect + ` WHERE id = ?`
	if !includeTombstones {
		query += ` AND deleted = 0`
	}
	tune, err := scanTune(tx.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tune %s: %w", id, ErrNotFound)
	}
	return tune, err
}

// upsertTuneTx writes the full tune row, sync metadata included.
func upsertTuneTx(tx *sql.Tx, t *model.Tune) error {
	_, err := tx.Exec(`
		INSERT INTO tunes (id, title, type, genre, mode, structure, incipit, public, owner_user_id,
		                   created_at, sync_version, last_modified_at, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			genre = excluded.genre,
			mode = excluded.mode,
			structure = excluded.structure,
			incipit = excluded.incipit,
			public = excluded.public,
			owner_user_id = excluded.owner_user_id,
			sync_version = excluded.sync_version,
			last_modified_at = excluded.last_modified_at,
			device_id = excluded.device_id,
			deleted = excluded.deleted`,
		t.ID, t.Title, t.Type, t.Genre, t.Mode, t.Structure, t.Incipit,
		boolToInt(t.Public), t.OwnerUserID, formatTime(t.CreatedAt),
		t.SyncVersion, formatTime(t.LastModifiedAt), t.DeviceID, boolToInt(t.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tune %s: %w", t.ID, err)
	}
	return nil
}

// upsertOverrideTx writes the full override row.
func upsertOverrideTx(tx *sql.Tx, o *model.TuneOverride) error {
	fieldsJSON, err := json.Marshal(o.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal override fields: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO tune_overrides (user_id, tune_id, fields, sync_version, last_modified_at, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, tune_id) DO UPDATE SET
			fields = excluded.fields,
			sync_version = excluded.sync_version,
			last_modified_at = excluded.last_modified_at,
			device_id = excluded.device_id,
			deleted = excluded.deleted`,
		o.UserID, o.TuneID, string(fieldsJSON),
		o.SyncVersion, formatTime(o.LastModifiedAt), o.DeviceID, boolToInt(o.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert override %s/%s: %w", o.UserID, o.TuneID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
