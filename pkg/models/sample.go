package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LibraryType is the sequencing library preparation of a sample.
type LibraryType string

const (
	LibraryNormal   LibraryType = "normal"
	LibrarySRNA     LibraryType = "srna"
	LibraryAmplicon LibraryType = "amplicon"
)

// Valid reports whether l is a known library type.
func (l LibraryType) Valid() bool {
	return l == LibraryNormal || l == LibrarySRNA || l == LibraryAmplicon
}

// WorkflowTag is the derived presence flag a sample carries per workflow.
// It serializes as false, "ip" or true.
type WorkflowTag int

const (
	TagNone WorkflowTag = iota
	TagPending
	TagReady
)

func (t WorkflowTag) MarshalJSON() ([]byte, error) {
	switch t {
	case TagNone:
		return []byte("false"), nil
	case TagPending:
		return []byte(`"ip"`), nil
	case TagReady:
		return []byte("true"), nil
	}
	return nil, fmt.Errorf("invalid workflow tag %d", int(t))
}

func (t *WorkflowTag) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "false", "null":
		*t = TagNone
	case `"ip"`:
		*t = TagPending
	case "true":
		*t = TagReady
	default:
		return fmt.Errorf("invalid workflow tag %s", b)
	}
	return nil
}

// Sample is a sequencing sample. Reads are file names relative to the
// sample directory, one for unpaired and two for paired samples.
type Sample struct {
	ID          string          `db:"id"           json:"id"`
	Name        string          `db:"name"         json:"name"`
	UserID      string          `db:"user_id"      json:"user_id"`
	LibraryType LibraryType     `db:"library_type" json:"library_type"`
	Paired      bool            `db:"paired"       json:"paired"`
	Reads       []string        `db:"reads"        json:"reads"`
	Ready       bool            `db:"ready"        json:"ready"`
	Quality     json.RawMessage `db:"quality"      json:"quality,omitempty"`
	NuVs        WorkflowTag     `db:"nuvs"         json:"nuvs"`
	Pathoscope  WorkflowTag     `db:"pathoscope"   json:"pathoscope"`
	CreatedAt   time.Time       `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"   json:"updated_at"`
}

// Upload is a user-uploaded read file. Reserved uploads are held by a
// create_sample job until the sample is ready.
type Upload struct {
	ID        string    `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	UserID    string    `db:"user_id"    json:"user_id"`
	Reserved  bool      `db:"reserved"   json:"reserved"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
