package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tunebook/tunebook/internal/events"
	"github.com/tunebook/tunebook/internal/model"
)

// RowMeta returns the sync metadata of a local row, tombstones
// included, or (nil, nil) when no local row exists. The syncer's
// pull-side conflict decisions start here.
func (s *Store) RowMeta(ctx context.Context, table, rowID string) (*model.SyncMeta, error) {
	where, args, err := whereForRow(table, rowID)
	if err != nil {
		return nil, err
	}

	var meta model.SyncMeta
	var lastModified string
	var deleted int
	query := `SELECT sync_version, last_modified_at, device_id, deleted FROM ` + table + ` WHERE ` + where

	err = s.conn.QueryRowContext(ctx, query, args...).Scan(
		&meta.SyncVersion, &lastModified, &meta.DeviceID, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row meta %s/%s: %w", table, rowID, err)
	}

	meta.LastModifiedAt = parseTime(lastModified)
	meta.Deleted = deleted != 0
	return &meta, nil
}

// ApplyRemoteRow writes a row received from the authority into the
// local database. The payload is the authority's whole-row snapshot;
// meta carries the authoritative sync version. No outbox entry is
// appended: remote-originated writes must never echo back.
func (s *Store) ApplyRemoteRow(ctx context.Context, table, rowID string, payload []byte, meta model.SyncMeta) error {
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		switch table {
		case "tunes":
			var t model.Tune
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("failed to unmarshal remote tune %s: %w", rowID, err)
			}
			t.SyncMeta = meta
			return upsertTuneTx(tx, &t)

		case "tune_overrides":
			var o model.TuneOverride
			if err := json.Unmarshal(payload, &o); err != nil {
				return fmt.Errorf("failed to unmarshal remote override %s: %w", rowID, err)
			}
			o.SyncMeta = meta
			return upsertOverrideTx(tx, &o)

		case "collections":
			var c model.Collection
			if err := json.Unmarshal(payload, &c); err != nil {
				return fmt.Errorf("failed to unmarshal remote collection %s: %w", rowID, err)
			}
			c.SyncMeta = meta
			return upsertCollectionTx(tx, &c)

		case "collection_tunes":
			var m model.CollectionTune
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("failed to unmarshal remote membership %s: %w", rowID, err)
			}
			m.SyncMeta = meta
			return upsertMembershipTx(tx, &m)

		case "practice_records":
			var r model.PracticeRecord
			if err := json.Unmarshal(payload, &r); err != nil {
				return fmt.Errorf("failed to unmarshal remote practice record %s: %w", rowID, err)
			}
			r.SyncMeta = meta
			return upsertRecordTx(tx, &r)

		default:
			return fmt.Errorf("unknown sync table %q", table)
		}
	})
	if err != nil {
		return err
	}

	s.emitForTable(table, rowID)
	return nil
}

// SetRowVersion advances a local row's sync version to the value the
// authority assigned on push acknowledgment. Nothing else about the
// row changes, so this does not count as a new local write.
func (s *Store) SetRowVersion(ctx context.Context, table, rowID string, version int64) error {
	where, args, err := whereForRow(table, rowID)
	if err != nil {
		return err
	}

	return s.mutate(ctx, func(tx *sql.Tx) error {
		query := `UPDATE ` + table + ` SET sync_version = ? WHERE ` + where
		if _, err := tx.Exec(query, append([]any{version}, args...)...); err != nil {
			return fmt.Errorf("failed to set row version %s/%s: %w", table, rowID, err)
		}
		return nil
	})
}

// Watermark returns the highest authority sync version this device has
// pulled for a table. Zero means never pulled.
func (s *Store) Watermark(ctx context.Context, table string) (int64, error) {
	var v int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_version FROM sync_watermarks WHERE entity_table = ?`, table).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %s: %w", table, err)
	}
	return v, nil
}

// SetWatermark records the highest pulled authority version for a
// table. Watermarks only move forward.
func (s *Store) SetWatermark(ctx context.Context, table string, version int64) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sync_watermarks (entity_table, last_version) VALUES (?, ?)
			ON CONFLICT(entity_table) DO UPDATE SET
				last_version = MAX(last_version, excluded.last_version)`,
			table, version)
		if err != nil {
			return fmt.Errorf("failed to set watermark for %s: %w", table, err)
		}
		return nil
	})
}

// emitForTable publishes the change notification matching a
// remote-applied write.
func (s *Store) emitForTable(table, rowID string) {
	switch table {
	case "tunes", "tune_overrides":
		s.bus.Emit(events.KindTuneChanged, map[string]string{"row_id": rowID})
	case "collections", "collection_tunes":
		s.bus.Emit(events.KindCollectionChanged, map[string]string{"row_id": rowID})
	case "practice_records":
		s.bus.Emit(events.KindPracticeCommitted, map[string]string{"record_id": rowID})
	}
}

// whereForRow builds the primary-key WHERE clause for a sync table.
// Composite keys travel as "part1/part2" row ids.
func whereForRow(table, rowID string) (string, []any, error) {
	switch table {
	case "tunes", "collections", "practice_records":
		return "id = ?", []any{rowID}, nil

	case "tune_overrides":
		parts := strings.SplitN(rowID, "/", 2)
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("malformed override row id %q", rowID)
		}
		return "user_id = ? AND tune_id = ?", []any{parts[0], parts[1]}, nil

	case "collection_tunes":
		parts := strings.SplitN(rowID, "/", 2)
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("malformed membership row id %q", rowID)
		}
		return "collection_id = ? AND tune_id = ?", []any{parts[0], parts[1]}, nil

	default:
		return "", nil, fmt.Errorf("unknown sync table %q", table)
	}
}

// upsertRecordTx writes a full practice record row, used only by the
// remote-apply path. Local commits insert through insertRecordTx; the
// upsert form exists because a pull can legitimately re-deliver a
// record this device already has.
func upsertRecordTx(tx *sql.Tx, r *model.PracticeRecord) error {
	_, err := tx.Exec(`
		INSERT INTO practice_records (id, user_id, tune_id, collection_id, practiced_at, rating,
		                              stability, difficulty, state, due, repetitions, lapses,
		                              sync_version, last_modified_at, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_version = excluded.sync_version,
			last_modified_at = excluded.last_modified_at,
			device_id = excluded.device_id,
			deleted = excluded.deleted`,
		r.ID, r.UserID, r.TuneID, r.CollectionID, formatTime(r.PracticedAt), r.Rating,
		r.Stability, r.Difficulty, string(r.State), formatTime(r.Due), r.Repetitions, r.Lapses,
		r.SyncVersion, formatTime(r.LastModifiedAt), r.DeviceID, boolToInt(r.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert practice record %s: %w", r.ID, err)
	}
	return nil
}
