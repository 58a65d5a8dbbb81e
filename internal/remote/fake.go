package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/tunebook/tunebook/internal/model"
)

// Fake is an in-memory Authority for tests. It applies the same
// versioning and last-writer-wins rules as the dev server, without a
// network in between, and lets tests seed rows and inject failures.
type Fake struct {
	mu       sync.Mutex
	rows     map[string]map[string]serverRow // table -> rowID
	versions map[string]int64

	// PushErr and PullErr, when set, fail the next matching call once.
	PushErr error
	PullErr error

	pushes int
	pulls  int
}

// NewFake creates an empty fake authority.
func NewFake() *Fake {
	return &Fake{
		rows:     make(map[string]map[string]serverRow),
		versions: make(map[string]int64),
	}
}

// Push applies a batch with per-row accept/reject semantics.
func (f *Fake) Push(ctx context.Context, batch []PushItem) ([]PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++

	if f.PushErr != nil {
		err := f.PushErr
		f.PushErr = nil
		return nil, err
	}

	results := make([]PushResult, 0, len(batch))
	for _, item := range batch {
		result := PushResult{Table: item.Table, RowID: item.RowID}

		rows, ok := f.rows[item.Table]
		if !ok {
			rows = make(map[string]serverRow)
			f.rows[item.Table] = rows
		}

		if existing, ok := rows[item.RowID]; ok && existing.meta.LastModifiedAt.After(item.Meta.LastModifiedAt) {
			result.Error = "conflict: server row is newer"
			results = append(results, result)
			continue
		}

		f.versions[item.Table]++
		meta := item.Meta
		meta.SyncVersion = f.versions[item.Table]
		if item.Op == "delete" {
			meta.Deleted = true
		}
		rows[item.RowID] = serverRow{payload: item.Payload, meta: meta}

		result.OK = true
		result.NewVersion = meta.SyncVersion
		results = append(results, result)
	}
	return results, nil
}

// Pull returns rows changed after sinceVersion in version order.
func (f *Fake) Pull(ctx context.Context, table string, sinceVersion int64) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++

	if f.PullErr != nil {
		err := f.PullErr
		f.PullErr = nil
		return nil, err
	}

	var out []Row
	for rowID, row := range f.rows[table] {
		if row.meta.SyncVersion > sinceVersion {
			out = append(out, Row{Table: table, RowID: rowID, Payload: row.payload, Meta: row.meta})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta.SyncVersion < out[j].Meta.SyncVersion
	})
	return out, nil
}

// Seed inserts a row directly, assigning the next version. Tests use
// this to stage remote state before a pull.
func (f *Fake) Seed(table, rowID string, payload []byte, meta model.SyncMeta) model.SyncMeta {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, ok := f.rows[table]
	if !ok {
		rows = make(map[string]serverRow)
		f.rows[table] = rows
	}
	f.versions[table]++
	meta.SyncVersion = f.versions[table]
	rows[rowID] = serverRow{payload: payload, meta: meta}
	return meta
}

// Counts returns the number of Push and Pull calls observed.
func (f *Fake) Counts() (pushes, pulls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes, f.pulls
}

// Row returns the stored row for inspection, or false.
func (f *Fake) Row(table, rowID string) (Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[table][rowID]
	if !ok {
		return Row{}, false
	}
	return Row{Table: table, RowID: rowID, Payload: row.payload, Meta: row.meta}, true
}
