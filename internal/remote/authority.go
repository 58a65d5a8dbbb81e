package remote

import (
	"context"
	"encoding/json"

	"github.com/tunebook/tunebook/internal/model"
)

// PushItem is one outbox entry on the wire: the whole-row snapshot a
// device wants the authority to adopt.
type PushItem struct {
	Table   string          `json:"table"`
	RowID   string          `json:"row_id"`
	Op      string          `json:"op"` // insert, update, delete
	Payload json.RawMessage `json:"payload"`
	Meta    model.SyncMeta  `json:"meta"`
}

// PushResult is the authority's per-row acknowledgment. Acks are
// per-row: a batch can succeed partially.
type PushResult struct {
	Table      string `json:"table"`
	RowID      string `json:"row_id"`
	OK         bool   `json:"ok"`
	NewVersion int64  `json:"new_version,omitempty"` // authority-assigned, valid when OK
	Error      string `json:"error,omitempty"`
}

// Row is one authoritative row delivered by a pull. Payload is the
// whole-row snapshot; Meta carries the authority's version.
type Row struct {
	Table   string          `json:"table"`
	RowID   string          `json:"row_id"`
	Payload json.RawMessage `json:"payload"`
	Meta    model.SyncMeta  `json:"meta"`
}

// Authority is the remote sync endpoint the engine talks to. Both
// calls must respect ctx cancellation and deadlines.
type Authority interface {
	// Push submits a batch of local changes. The returned results
	// correspond to the batch per row; a transport-level error means
	// nothing in the batch was acknowledged.
	Push(ctx context.Context, batch []PushItem) ([]PushResult, error)

	// Pull returns all rows of a table changed after sinceVersion, in
	// version order.
	Pull(ctx context.Context, table string, sinceVersion int64) ([]Row, error)
}
