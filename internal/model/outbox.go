package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxOp is the mutation kind recorded in an outbox entry.
type OutboxOp string

const (
	OpInsert OutboxOp = "insert"
	OpUpdate OutboxOp = "update"
	OpDelete OutboxOp = "delete"
)

// OutboxStatus is the delivery state of an outbox entry.
//
// The state machine is:
//
//	pending -> inflight -> done              (acknowledged)
//	pending -> inflight -> failed -> pending (retry with backoff)
//
// After MaxAttempts failures the entry stays failed and is surfaced as
// a user-visible error until retried manually.
type OutboxStatus string

const (
	StatusPending  OutboxStatus = "pending"
	StatusInflight OutboxStatus = "inflight"
	StatusFailed   OutboxStatus = "failed"
	StatusDone     OutboxStatus = "done"
)

// SyncTables lists the syncable tables in the order the syncer pushes
// and pulls them. Referenced-before-referencing so inserts land in a
// valid order on the authority.
var SyncTables = []string{
	"tunes",
	"tune_overrides",
	"collections",
	"collection_tunes",
	"practice_records",
}

// OutboxEntry is one pending local mutation awaiting remote
// acknowledgment. Entries are appended in the same transaction as the
// mutation they record and destroyed only after the authority confirms
// the row.
type OutboxEntry struct {
	ID            int64           `json:"id"`
	Table         string          `json:"table"`
	RowID         string          `json:"row_id"`
	Op            OutboxOp        `json:"op"`
	Payload       json.RawMessage `json:"payload"` // whole-row snapshot
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks outbox entry fields.
func (e *OutboxEntry) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("table is required")
	}
	known := false
	for _, table := range SyncTables {
		if e.Table == table {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown sync table %q", e.Table)
	}
	if e.RowID == "" {
		return fmt.Errorf("row_id is required")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}
