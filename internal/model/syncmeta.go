package model

import "time"

// SyncMeta is the per-row sync bookkeeping embedded in every syncable
// entity. SyncVersion increases strictly on every local or remote write
// to the row; LastModifiedAt is the wall-clock tiebreaker used for
// last-writer-wins conflict resolution; DeviceID records the origin
// device for provenance (never authorization).
type SyncMeta struct {
	SyncVersion    int64     `json:"sync_version"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	DeviceID       string    `json:"device_id"`
	Deleted        bool      `json:"deleted"`
}

// RowState is the tagged view of a syncable row: either live payload or
// a tombstone retained for sync propagation. Sync logic switches over
// this rather than inspecting the Deleted flag directly, so both cases
// stay explicit.
type RowState int

const (
	// Active means the row carries a live payload.
	Active RowState = iota

	// Tombstoned means the row is soft-deleted and retained only so the
	// deletion can propagate to the remote authority.
	Tombstoned
)

// String returns "active" or "tombstoned".
func (s RowState) String() string {
	if s == Tombstoned {
		return "tombstoned"
	}
	return "active"
}

// State returns the tagged row state derived from the tombstone flag.
func (m SyncMeta) State() RowState {
	if m.Deleted {
		return Tombstoned
	}
	return Active
}

// Touch advances the row for a local write: bumps SyncVersion, stamps
// LastModifiedAt, and records the writing device.
func (m *SyncMeta) Touch(deviceID string, now time.Time) {
	m.SyncVersion++
	m.LastModifiedAt = now.UTC()
	m.DeviceID = deviceID
}

// Newer reports whether m should win a whole-row last-writer-wins
// resolution against other. Ties break toward other (the remote side)
// so that both replicas converge on the same winner regardless of
// which one runs the comparison.
func (m SyncMeta) Newer(other SyncMeta) bool {
	return m.LastModifiedAt.After(other.LastModifiedAt)
}
