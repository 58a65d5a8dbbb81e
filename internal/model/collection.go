package model

import (
	"fmt"
	"time"
)

// Collection is a named grouping of tunes owned by a user (a playlist
// or repertoire).
type Collection struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	SyncMeta
}

// Validate checks required collection fields.
func (c *Collection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(c.Name))
	}
	return nil
}

// CollectionTune is a membership row linking a tune into a collection.
// Removal from a collection tombstones the membership rather than
// deleting it, so the removal can propagate through sync.
type CollectionTune struct {
	CollectionID string    `json:"collection_id"`
	TuneID       string    `json:"tune_id"`
	AddedAt      time.Time `json:"added_at"`

	SyncMeta
}

// Validate checks membership identity.
func (m *CollectionTune) Validate() error {
	if m.CollectionID == "" {
		return fmt.Errorf("collection_id is required")
	}
	if m.TuneID == "" {
		return fmt.Errorf("tune_id is required")
	}
	return nil
}

// RowID returns the composite identifier used for membership rows in
// the outbox and on the wire.
func (m *CollectionTune) RowID() string {
	return m.CollectionID + "/" + m.TuneID
}
