package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tunebook/tunebook/internal/events"
	"github.com/tunebook/tunebook/internal/model"
)

// SaveCollection inserts or updates a collection with outbox
// bookkeeping in the same transaction.
func (s *Store) SaveCollection(ctx context.Context, c *model.Collection) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid collection: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}

	at := now()
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		op := model.OpInsert
		var existing int64
		err := tx.QueryRow(`SELECT sync_version FROM collections WHERE id = ?`, c.ID).Scan(&existing)
		switch {
		case err == nil:
			op = model.OpUpdate
			c.SyncVersion = existing
		case errors.Is(err, sql.ErrNoRows):
			c.SyncVersion = 0
		default:
			return fmt.Errorf("failed to check collection %s: %w", c.ID, err)
		}

		c.Touch(s.deviceID, at)
		c.Deleted = false

		if err := upsertCollectionTx(tx, c); err != nil {
			return err
		}
		return appendOutboxTx(tx, "collections", c.ID, op, c, at)
	})
	if err != nil {
		return err
	}

	s.bus.Emit(events.KindCollectionChanged, map[string]string{"collection_id": c.ID})
	return nil
}

// DeleteCollection tombstones a collection and all of its memberships.
func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	at := now()
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		c, err := getCollectionTx(tx, id)
		if err != nil {
			return err
		}
		if c.Deleted {
			return nil
		}

		c.Touch(s.deviceID, at)
		c.Deleted = true
		if err := upsertCollectionTx(tx, c); err != nil {
			return err
		}
		if err := appendOutboxTx(tx, "collections", c.ID, model.OpDelete, c, at); err != nil {
			return err
		}

		// Tombstone live memberships so removal propagates per-row.
		memberships, err := listMembershipsTx(tx, id, false)
		if err != nil {
			return err
		}
		for _, m := range memberships {
			m.Touch(s.deviceID, at)
			m.Deleted = true
			if err := upsertMembershipTx(tx, m); err != nil {
				return err
			}
			if err := appendOutboxTx(tx, "collection_tunes", m.RowID(), model.OpDelete, m, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.bus.Emit(events.KindCollectionChanged, map[string]string{"collection_id": id})
	return nil
}

// GetCollection retrieves a collection by id. Tombstones return
// ErrNotFound.
func (s *Store) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	row := s.conn.QueryRowContext(ctx, collectionSelect+` WHERE id = ? AND deleted = 0`, id)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListCollections retrieves a user's live collections ordered by name.
func (s *Store) ListCollections(ctx context.Context, userID string) ([]*model.Collection, error) {
	rows, err := s.conn.QueryContext(ctx,
		collectionSelect+` WHERE user_id = ? AND deleted = 0 ORDER BY name ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []*model.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// AddTuneToCollection creates (or revives) a membership. Re-adding a
// previously removed tune un-tombstones the existing row rather than
// inserting a duplicate.
func (s *Store) AddTuneToCollection(ctx context.Context, collectionID, tuneID string) error {
	m := &model.CollectionTune{CollectionID: collectionID, TuneID: tuneID}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid membership: %w", err)
	}

	at := now()
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		op := model.OpInsert
		var existing int64
		var deleted int
		err := tx.QueryRow(`
			SELECT sync_version, deleted FROM collection_tunes
			WHERE collection_id = ? AND tune_id = ?`,
			collectionID, tuneID,
		).Scan(&existing, &deleted)
		switch {
		case err == nil:
			if deleted == 0 {
				return nil // already a live member, idempotent
			}
			op = model.OpUpdate
			m.SyncVersion = existing
		case errors.Is(err, sql.ErrNoRows):
			m.SyncVersion = 0
		default:
			return fmt.Errorf("failed to check membership %s: %w", m.RowID(), err)
		}

		m.AddedAt = at
		m.Touch(s.deviceID, at)
		m.Deleted = false

		if err := upsertMembershipTx(tx, m); err != nil {
			return err
		}
		return appendOutboxTx(tx, "collection_tunes", m.RowID(), op, m, at)
	})
	if err != nil {
		return err
	}

	s.bus.Emit(events.KindCollectionChanged, map[string]string{"collection_id": collectionID})
	return nil
}

// RemoveTuneFromCollection tombstones a membership. The row is kept
// until the removal has propagated to the authority.
func (s *Store) RemoveTuneFromCollection(ctx context.Context, collectionID, tuneID string) error {
	at := now()
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		m := &model.CollectionTune{CollectionID: collectionID, TuneID: tuneID}
		var addedAt string
		var deleted int
		err := tx.QueryRow(`
			SELECT added_at, sync_version, deleted FROM collection_tunes
			WHERE collection_id = ? AND tune_id = ?`,
			collectionID, tuneID,
		).Scan(&addedAt, &m.SyncVersion, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("membership %s: %w", m.RowID(), ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load membership %s: %w", m.RowID(), err)
		}
		if deleted != 0 {
			return nil // already removed, idempotent
		}

		m.AddedAt = parseTime(addedAt)
		m.Touch(s.deviceID, at)
		m.Deleted = true

		if err := upsertMembershipTx(tx, m); err != nil {
			return err
		}
		return appendOutboxTx(tx, "collection_tunes", m.RowID(), model.OpDelete, m, at)
	})
	if err != nil {
		return err
	}

	s.bus.Emit(events.KindCollectionChanged, map[string]string{"collection_id": collectionID})
	return nil
}

// ListCollectionTunes returns the live members of a collection in
// added order.
func (s *Store) ListCollectionTunes(ctx context.Context, collectionID string) ([]*model.CollectionTune, error) {
	rows, err := s.conn.QueryContext(ctx, membershipSelect+`
		WHERE collection_id = ? AND deleted = 0 ORDER BY added_at ASC, tune_id ASC`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list collection tunes: %w", err)
	}
	defer rows.Close()

	return scanMemberships(rows)
}

const collectionSelect = `
	SELECT id, user_id, name, description, created_at,
	       sync_version, last_modified_at, device_id, deleted
	FROM collections`

const membershipSelect = `
	SELECT collection_id, tune_id, added_at,
	       sync_version, last_modified_at, device_id, deleted
	FROM collection_tunes`

func scanCollection(row rowScanner) (*model.Collection, error) {
	var c model.Collection
	var description sql.NullString
	var createdAt, lastModified string
	var deleted int

	err := row.Scan(&c.ID, &c.UserID, &c.Name, &description, &createdAt,
		&c.SyncVersion, &lastModified, &c.DeviceID, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}

	c.Description = description.String
	c.CreatedAt = parseTime(createdAt)
	c.LastModifiedAt = parseTime(lastModified)
	c.Deleted = deleted != 0
	return &c, nil
}

func scanMemberships(rows *sql.Rows) ([]*model.CollectionTune, error) {
	var memberships []*model.CollectionTune
	for rows.Next() {
		var m model.CollectionTune
		var addedAt, lastModified string
		var deleted int

		err := rows.Scan(&m.CollectionID, &m.TuneID, &addedAt,
			&m.SyncVersion, &lastModified, &m.DeviceID, &deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}

		m.AddedAt = parseTime(addedAt)
		m.LastModifiedAt = parseTime(lastModified)
		m.Deleted = deleted != 0
		memberships = append(memberships, &m)
	}
	return memberships, rows.Err()
}

func getCollectionTx(tx *sql.Tx, id string) (*model.Collection, error) {
	c, err := scanCollection(tx.QueryRow(collectionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	return c, err
}

func listMembershipsTx(tx *sql.Tx, collectionID string, includeTombstones bool) ([]*model.CollectionTune, error) {
	query := membershipSelect + ` WHERE collection_id = ?`
	if !includeTombstones {
		query += ` AND deleted = 0`
	}
	rows, err := tx.Query(query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	return scanMemberships(rows)
}

func upsertCollectionTx(tx *sql.Tx, c *model.Collection) error {
	_, err := tx.Exec(`
		INSERT INTO collections (id, user_id, name, description, created_at,
		                         sync_version, last_modified_at, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			description = excluded.description,
			sync_version = excluded.sync_version,
			last_modified_at = excluded.last_modified_at,
			device_id = excluded.device_id,
			deleted = excluded.deleted`,
		c.ID, c.UserID, c.Name, c.Description, formatTime(c.CreatedAt),
		c.SyncVersion, formatTime(c.LastModifiedAt), c.DeviceID, boolToInt(c.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert collection %s: %w", c.ID, err)
	}
	return nil
}

func upsertMembershipTx(tx *sql.Tx, m *model.CollectionTune) error {
	_, err := tx.Exec(`
		INSERT INTO collection_tunes (collection_id, tune_id, added_at,
		                              sync_version, last_modified_at, device_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_id, tune_id) DO UPDATE SET
			added_at = excluded.added_at,
			sync_version = excluded.sync_version,
			last_modified_at = excluded.last_modified_at,
			device_id = excluded.device_id,
			deleted = excluded.deleted`,
		m.CollectionID, m.TuneID, formatTime(m.AddedAt),
		m.SyncVersion, formatTime(m.LastModifiedAt), m.DeviceID, boolToInt(m.Deleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert membership %s: %w", m.RowID(), err)
	}
	return nil
}
