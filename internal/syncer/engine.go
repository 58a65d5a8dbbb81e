package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/tunebook/tunebook/internal/events"
	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/remote"
	"github.com/tunebook/tunebook/internal/store"
)

// ErrSyncInFlight is returned by Sync when a pass is already running.
// Triggers coalesce: the running pass covers the second caller's
// changes, so callers may treat this as success.
var ErrSyncInFlight = errors.New("sync already in flight")

// Config configures the sync engine. Zero values get defaults.
type Config struct {
	// BackoffBase is the first retry delay (default: 1s).
	BackoffBase time.Duration

	// BackoffCap bounds the exponential backoff (default: 5m).
	BackoffCap time.Duration

	// MaxAttempts before an entry is parked as failed (default: 8).
	MaxAttempts int

	// BatchSize caps entries per push call (default: 50).
	BatchSize int

	// CallTimeout bounds each push or pull network call
	// (default: 15s).
	CallTimeout time.Duration

	Logger *log.Logger
}

// Engine runs push/pull sync passes between the local store and the
// remote authority. At most one pass runs at a time.
type Engine struct {
	store     *store.Store
	authority remote.Authority
	cfg       Config
	logger    *log.Logger

	inFlight atomic.Bool
}

// Stats summarizes one sync pass.
type Stats struct {
	Pushed   int // entries acknowledged
	Rejected int // entries the authority refused
	Pulled   int // remote rows applied locally
	Skipped  int // remote rows discarded by conflict resolution
}

// New creates a sync engine.
func New(st *store.Store, authority remote.Authority, cfg Config) *Engine {
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{store: st, authority: authority, cfg: cfg, logger: logger}
}

// Sync runs one full push-then-pull pass. A concurrent call while a
// pass is running returns ErrSyncInFlight without doing anything.
func (e *Engine) Sync(ctx context.Context) (Stats, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return Stats{}, ErrSyncInFlight
	}
	defer e.inFlight.Store(false)

	var stats Stats
	started := time.Now()

	for _, table := range model.SyncTables {
		if err := e.pushTable(ctx, table, &stats); err != nil {
			e.emitFailure(table, err)
			return stats, fmt.Errorf("push %s: %w", table, err)
		}
	}
	for _, table := range model.SyncTables {
		if err := e.pullTable(ctx, table, &stats); err != nil {
			e.emitFailure(table, err)
			return stats, fmt.Errorf("pull %s: %w", table, err)
		}
	}

	e.logger.Printf("sync pass done in %s: pushed %d, rejected %d, pulled %d, skipped %d",
		time.Since(started).Round(time.Millisecond), stats.Pushed, stats.Rejected, stats.Pulled, stats.Skipped)
	e.store.Bus().Emit(events.KindSyncCompleted, stats)
	return stats, nil
}

// Recover returns any entries stranded inflight by a previous process
// to pending. Call once at startup before the first pass.
func (e *Engine) Recover(ctx context.Context) error {
	return e.store.ReleaseInflight(ctx)
}

// pushTable drains one table's due outbox entries in creation order.
func (e *Engine) pushTable(ctx context.Context, table string, stats *Stats) error {
	for {
		entries, err := e.store.PendingEntries(ctx, table, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		if len(entries) > e.cfg.BatchSize {
			entries = entries[:e.cfg.BatchSize]
		}

		batch := make([]remote.PushItem, len(entries))
		ids := make([]int64, len(entries))
		for i, entry := range entries {
			var meta model.SyncMeta
			if err := json.Unmarshal(entry.Payload, &meta); err != nil {
				return fmt.Errorf("failed to read meta from outbox entry %d: %w", entry.ID, err)
			}
			batch[i] = remote.PushItem{
				Table:   entry.Table,
				RowID:   entry.RowID,
				Op:      string(entry.Op),
				Payload: entry.Payload,
				Meta:    meta,
			}
			ids[i] = entry.ID
		}

		if err := e.store.MarkInflight(ctx, ids); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		results, err := e.authority.Push(callCtx, batch)
		cancel()
		if err != nil {
			// Transport failure: nothing was acknowledged, every entry
			// backs off together.
			for _, entry := range entries {
				e.fail(ctx, entry, err.Error())
			}
			return fmt.Errorf("push call failed: %w", err)
		}

		acked := make(map[string]remote.PushResult, len(results))
		for _, res := range results {
			acked[res.Table+"/"+res.RowID] = res
		}

		rejected := 0
		for _, entry := range entries {
			res, ok := acked[entry.Table+"/"+entry.RowID]
			switch {
			case ok && res.OK:
				if err := e.store.SetRowVersion(ctx, entry.Table, entry.RowID, res.NewVersion); err != nil {
					return err
				}
				if err := e.store.MarkDone(ctx, entry.ID); err != nil {
					return err
				}
				stats.Pushed++
			case ok:
				e.logger.Printf("push rejected for %s/%s: %s", entry.Table, entry.RowID, res.Error)
				e.fail(ctx, entry, res.Error)
				stats.Rejected++
				rejected++
			default:
				e.fail(ctx, entry, "no acknowledgment in push response")
				stats.Rejected++
				rejected++
			}
		}

		// Rejected entries stay queued with backoff; stop rather than
		// spin on them within the same pass.
		if rejected > 0 {
			return nil
		}
	}
}

// fail records a failed attempt for an entry, parking it as failed
// once attempts are exhausted.
func (e *Engine) fail(ctx context.Context, entry model.OutboxEntry, cause string) {
	attempts := entry.Attempts + 1 // MarkInflight counted this attempt
	terminal := attempts >= e.cfg.MaxAttempts
	next := time.Now().UTC().Add(backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffCap, attempts))

	if err := e.store.MarkFailed(ctx, entry.ID, cause, next, terminal); err != nil {
		e.logger.Printf("failed to record outbox failure for entry %d: %v", entry.ID, err)
	}
	if terminal {
		e.logger.Printf("outbox entry %d for %s/%s exhausted %d attempts: %s",
			entry.ID, entry.Table, entry.RowID, attempts, cause)
	}
}

// pullTable fetches remote rows past the table watermark and applies
// the conflict rules row by row.
func (e *Engine) pullTable(ctx context.Context, table string, stats *Stats) error {
	since, err := e.store.Watermark(ctx, table)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	rows, err := e.authority.Pull(callCtx, table, since)
	cancel()
	if err != nil {
		return fmt.Errorf("pull call failed: %w", err)
	}

	maxVersion := since
	for _, row := range rows {
		if row.Meta.SyncVersion > maxVersion {
			maxVersion = row.Meta.SyncVersion
		}

		apply, err := e.resolve(ctx, row)
		if err != nil {
			return err
		}
		if !apply {
			stats.Skipped++
			continue
		}
		if err := e.store.ApplyRemoteRow(ctx, row.Table, row.RowID, row.Payload, row.Meta); err != nil {
			return err
		}
		stats.Pulled++
	}

	if maxVersion > since {
		return e.store.SetWatermark(ctx, table, maxVersion)
	}
	return nil
}

// resolve decides whether a pulled row replaces the local one.
//
// No local row: apply. Local row with no unacknowledged edits: apply
// iff the remote version is newer than the one we already hold. Local
// row with pending edits: whole-row last-writer-wins on
// LastModifiedAt; a remote win also cancels the pending outbox
// entries so the losing edit is never pushed.
func (e *Engine) resolve(ctx context.Context, row remote.Row) (bool, error) {
	local, err := e.store.RowMeta(ctx, row.Table, row.RowID)
	if err != nil {
		return false, err
	}
	if local == nil {
		return true, nil
	}

	pending, err := e.store.HasPendingForRow(ctx, row.Table, row.RowID)
	if err != nil {
		return false, err
	}

	if !pending {
		return row.Meta.SyncVersion > local.SyncVersion, nil
	}

	if local.Newer(row.Meta) {
		e.logger.Printf("conflict on %s/%s: local edit wins (%s > %s)",
			row.Table, row.RowID, local.LastModifiedAt.Format(time.RFC3339), row.Meta.LastModifiedAt.Format(time.RFC3339))
		return false, nil
	}

	e.logger.Printf("conflict on %s/%s: remote wins, discarding local edit", row.Table, row.RowID)
	if err := e.store.CancelForRow(ctx, row.Table, row.RowID); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) emitFailure(table string, err error) {
	e.store.Bus().Emit(events.KindSyncFailed, map[string]string{
		"table": table,
		"error": err.Error(),
	})
}
