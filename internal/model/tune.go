package model

import (
	"fmt"
	"time"
)

// Tune is a catalog record the user practices. Public tunes are shared
// across users and must not be edited in place; per-user edits to a
// public tune go through a TuneOverride instead.
type Tune struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"` // reel, jig, hornpipe, waltz, air, ...
	Genre     string `json:"genre,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Structure string `json:"structure,omitempty"`
	Incipit   string `json:"incipit,omitempty"`

	// Public marks a globally shared tune. OwnerUserID is empty for
	// public tunes and set for privately owned ones.
	Public      bool   `json:"public"`
	OwnerUserID string `json:"owner_user_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	SyncMeta
}

// Validate checks required tune fields.
func (t *Tune) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Type == "" {
		return fmt.Errorf("type is required")
	}
	if !t.Public && t.OwnerUserID == "" {
		return fmt.Errorf("private tune requires owner_user_id")
	}
	return nil
}

// overridableFields is the set of tune fields a user may shadow through
// a TuneOverride. The key is the JSON field name as exposed to callers.
var overridableFields = map[string]bool{
	"title":     true,
	"type":      true,
	"genre":     true,
	"mode":      true,
	"structure": true,
	"incipit":   true,
}

// OverridableField reports whether name is a tune field that can be
// shadowed by an override.
func OverridableField(name string) bool {
	return overridableFields[name]
}

// TuneOverride shadows individual fields of a public tune for one user.
// It is a sparse patch map keyed by field name; absent keys fall
// through to the base record. Reverting a field is removing its key.
type TuneOverride struct {
	UserID string            `json:"user_id"`
	TuneID string            `json:"tune_id"`
	Fields map[string]string `json:"fields"`

	SyncMeta
}

// Validate checks override identity and that every shadowed field is
// actually overridable.
func (o *TuneOverride) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if o.TuneID == "" {
		return fmt.Errorf("tune_id is required")
	}
	for name := range o.Fields {
		if !OverridableField(name) {
			return fmt.Errorf("field %q cannot be overridden", name)
		}
	}
	return nil
}

// Set shadows a single field. Unknown fields are rejected.
func (o *TuneOverride) Set(field, value string) error {
	if !OverridableField(field) {
		return fmt.Errorf("field %q cannot be overridden", field)
	}
	if o.Fields == nil {
		o.Fields = make(map[string]string)
	}
	o.Fields[field] = value
	return nil
}

// Revert removes the shadow for a single field, falling back to the
// base record. Reverting a field that is not shadowed is a no-op.
func (o *TuneOverride) Revert(field string) {
	delete(o.Fields, field)
}

// Empty reports whether the override shadows no fields at all.
func (o *TuneOverride) Empty() bool {
	return len(o.Fields) == 0
}

// Apply returns a copy of base with the override's shadowed fields
// substituted. The base record is not mutated.
func (o *TuneOverride) Apply(base Tune) Tune {
	out := base
	for name, value := range o.Fields {
		switch name {
		case "title":
			out.Title = value
		case "type":
			out.Type = value
		case "genre":
			out.Genre = value
		case "mode":
			out.Mode = value
		case "structure":
			out.Structure = value
		case "incipit":
			out.Incipit = value
		}
	}
	return out
}
