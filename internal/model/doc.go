// Package model defines the core entities of the practice tracker:
// tunes, collections, practice history, derived memory state, and the
// sync bookkeeping (outbox entries and per-row sync metadata) that the
// store and syncer operate on.
//
// Every syncable entity embeds SyncMeta. Rows are never hard-deleted
// while unacknowledged; deletion is expressed as a tombstone so it can
// propagate through sync. Payloads exchanged with the remote authority
// are whole-row JSON snapshots of these structs.
package model
