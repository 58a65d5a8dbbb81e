// Package queue materializes daily practice queues from collection
// memory state.
package queue
