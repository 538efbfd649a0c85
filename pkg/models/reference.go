package models

import (
	"time"

	"github.com/google/uuid"
)

// Index is a built bowtie2 index for one version of a reference.
type Index struct {
	ID          string     `db:"id"           json:"id"`
	ReferenceID string     `db:"reference_id" json:"reference_id"`
	Version     int        `db:"version"      json:"version"`
	Ready       bool       `db:"ready"        json:"ready"`
	JobID       *uuid.UUID `db:"job_id"       json:"job_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}

// OTUSequence is one isolate sequence of an OTU in a reference.
type OTUSequence struct {
	ID          string `db:"id"           json:"id"`
	ReferenceID string `db:"reference_id" json:"reference_id"`
	OTUID       string `db:"otu_id"       json:"otu_id"`
	IsolateID   string `db:"isolate_id"   json:"isolate_id"`
	Default     bool   `db:"is_default"   json:"default"`
	Sequence    string `db:"sequence"     json:"sequence"`
}

// Subtraction is a host genome whose reads are removed before analysis.
type Subtraction struct {
	ID        string    `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	Ready     bool      `db:"ready"      json:"ready"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
