// Package syncer drains the outbox to the remote authority and pulls
// remote changes back, resolving conflicts with whole-row
// last-writer-wins.
package syncer
