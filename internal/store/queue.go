package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tunebook/tunebook/internal/model"
)

// GetQueue returns the cached practice queue for one user, collection
// and day, in rank order. An empty result means no queue has been
// generated for that day yet.
func (s *Store) GetQueue(ctx context.Context, userID, collectionID, queueDate string) ([]model.QueueEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT queue_date, user_id, collection_id, tune_id, rank, generated_at
		FROM queue_entries
		WHERE queue_date = ? AND user_id = ? AND collection_id = ?
		ORDER BY rank ASC`,
		queueDate, userID, collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var generatedAt string
		err := rows.Scan(&e.QueueDate, &e.UserID, &e.CollectionID, &e.TuneID, &e.Rank, &generatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.GeneratedAt = parseTime(generatedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplaceQueue atomically swaps the cached queue for one user,
// collection and day. Existing entries for that key are deleted and
// the new set inserted in a single transaction, so readers never see
// a half-generated queue. Queue entries are local-only and bypass the
// outbox.
func (s *Store) ReplaceQueue(ctx context.Context, userID, collectionID, queueDate string, entries []model.QueueEntry) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM queue_entries
			WHERE queue_date = ? AND user_id = ? AND collection_id = ?`,
			queueDate, userID, collectionID)
		if err != nil {
			return fmt.Errorf("failed to clear queue entries: %w", err)
		}

		for _, e := range entries {
			_, err := tx.Exec(`
				INSERT INTO queue_entries (queue_date, user_id, collection_id, tune_id, rank, generated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				e.QueueDate, e.UserID, e.CollectionID, e.TuneID, e.Rank, formatTime(e.GeneratedAt))
			if err != nil {
				return fmt.Errorf("failed to insert queue entry for tune %s: %w", e.TuneID, err)
			}
		}
		return nil
	})
}

// PruneQueues removes cached queues generated for days before cutoff
// ("YYYY-MM-DD"). Stale queues are harmless but accumulate.
func (s *Store) PruneQueues(ctx context.Context, cutoff string) (int64, error) {
	var n int64
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM queue_entries WHERE queue_date < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune queue entries: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
