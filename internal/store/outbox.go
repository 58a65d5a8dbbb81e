package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tunebook/tunebook/internal/model"
)

// appendOutboxTx records a mutation in the outbox inside the same
// transaction that applied it. Every mutating write path in this
// package goes through here; nothing else may touch synced tables.
func appendOutboxTx(tx *sql.Tx, table, rowID string, op model.OutboxOp, payload any, at time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	entry := model.OutboxEntry{
		Table:   table,
		RowID:   rowID,
		Op:      op,
		Payload: raw,
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid outbox entry: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO outbox (entity_table, row_id, op, payload, status, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		table, rowID, string(op), string(raw), string(model.StatusPending),
		formatTime(at), formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("failed to append outbox entry: %w", err)
	}
	return nil
}

// PendingEntries returns the entries for table that are due for
// transmission at asOf, in creation order. Entries backing off to a
// later attempt time are excluded.
func (s *Store) PendingEntries(ctx context.Context, table string, asOf time.Time) ([]model.OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, entity_table, row_id, op, payload, status, attempts, last_error, next_attempt_at, created_at
		FROM outbox
		WHERE entity_table = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC, id ASC`,
		table, string(model.StatusPending), formatTime(asOf),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox entries: %w", err)
	}
	defer rows.Close()

	return scanOutboxEntries(rows)
}

// FailedEntries returns entries that exhausted their retries and need
// manual attention, across all tables.
func (s *Store) FailedEntries(ctx context.Context) ([]model.OutboxEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, entity_table, row_id, op, payload, status, attempts, last_error, next_attempt_at, created_at
		FROM outbox
		WHERE status = ?
		ORDER BY created_at ASC, id ASC`,
		string(model.StatusFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed outbox entries: %w", err)
	}
	defer rows.Close()

	return scanOutboxEntries(rows)
}

// MarkInflight transitions the given entries pending -> inflight and
// counts the attempt. Entries already in flight are left alone so two
// overlapping cycles never double-send.
func (s *Store) MarkInflight(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.mutate(ctx, func(tx *sql.Tx) error {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, 0, len(ids)+1)
		args = append(args, string(model.StatusInflight))
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := tx.Exec(`
			UPDATE outbox SET status = ?, attempts = attempts + 1
			WHERE id IN (`+placeholders+`) AND status = 'pending'`, args...)
		if err != nil {
			return fmt.Errorf("failed to mark entries inflight: %w", err)
		}
		return nil
	})
}

// MarkDone records a positive acknowledgment for one entry. The entry
// has served its purpose and is destroyed; the row it covered is now
// the authority's problem.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to acknowledge outbox entry %d: %w", id, err)
		}
		return nil
	})
}

// MarkFailed records a failed transmission attempt. Non-terminal
// failures return the entry to pending with a backoff delay; terminal
// ones (attempts exhausted) park it as failed until RetryFailed.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause string, nextAttempt time.Time, terminal bool) error {
	status := model.StatusPending
	if terminal {
		status = model.StatusFailed
	}
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE outbox SET status = ?, last_error = ?, next_attempt_at = ?
			WHERE id = ?`,
			string(status), cause, formatTime(nextAttempt), id)
		if err != nil {
			return fmt.Errorf("failed to mark outbox entry %d failed: %w", id, err)
		}
		return nil
	})
}

// ReleaseInflight returns any inflight entries to pending. Called on
// timeout or engine restart so interrupted batches are retried.
func (s *Store) ReleaseInflight(ctx context.Context) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE outbox SET status = 'pending' WHERE status = 'inflight'`)
		if err != nil {
			return fmt.Errorf("failed to release inflight entries: %w", err)
		}
		return nil
	})
}

// RetryFailed resets all terminally failed entries for a fresh round
// of attempts. This is the manual-retry surface for exhausted entries.
func (s *Store) RetryFailed(ctx context.Context) (int64, error) {
	var n int64
	err := s.mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE outbox SET status = 'pending', attempts = 0, last_error = NULL, next_attempt_at = ?
			WHERE status = 'failed'`,
			formatTime(now()))
		if err != nil {
			return fmt.Errorf("failed to retry failed entries: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// CancelForRow drops all unacknowledged outbox entries for one row.
// Used when the remote copy wins a conflict: the local edit those
// entries carried has been discarded, so pushing them would resurrect
// a loser.
func (s *Store) CancelForRow(ctx context.Context, table, rowID string) error {
	return s.mutate(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM outbox
			WHERE entity_table = ? AND row_id = ? AND status IN ('pending', 'inflight', 'failed')`,
			table, rowID)
		if err != nil {
			return fmt.Errorf("failed to cancel outbox entries for %s/%s: %w", table, rowID, err)
		}
		return nil
	})
}

// HasPendingForRow reports whether the row has local edits that have
// not been acknowledged by the authority yet. Pull-side conflict
// detection hinges on this.
func (s *Store) HasPendingForRow(ctx context.Context, table, rowID string) (bool, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox
		WHERE entity_table = ? AND row_id = ? AND status IN ('pending', 'inflight', 'failed')`,
		table, rowID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check pending entries for %s/%s: %w", table, rowID, err)
	}
	return count > 0, nil
}

// OutboxCounts returns entry counts by status, for status output.
func (s *Store) OutboxCounts(ctx context.Context) (map[model.OutboxStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.OutboxStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts[model.OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}

// scanOutboxEntries reads outbox rows from a query result.
func scanOutboxEntries(rows *sql.Rows) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		var op, status, payload, nextAttempt, createdAt string
		var lastError sql.NullString

		err := rows.Scan(&e.ID, &e.Table, &e.RowID, &op, &payload,
			&status, &e.Attempts, &lastError, &nextAttempt, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}

		e.Op = model.OutboxOp(op)
		e.Status = model.OutboxStatus(status)
		e.Payload = json.RawMessage(payload)
		e.LastError = lastError.String
		e.NextAttemptAt = parseTime(nextAttempt)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}
	return entries, nil
}
