package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Analysis is the target of a nuvs or pathoscope_bowtie job. Results and
// Ready are written once, by finalization.
type Analysis struct {
	ID            string          `db:"id"             json:"id"`
	SampleID      string          `db:"sample_id"      json:"sample_id"`
	Workflow      Task            `db:"workflow"       json:"workflow"`
	IndexID       string          `db:"index_id"       json:"index_id"`
	ReferenceID   string          `db:"reference_id"   json:"reference_id"`
	SubtractionID string          `db:"subtraction_id" json:"subtraction_id"`
	JobID         *uuid.UUID      `db:"job_id"         json:"job_id,omitempty"`
	UserID        string          `db:"user_id"        json:"user_id"`
	Ready         bool            `db:"ready"          json:"ready"`
	Results       json.RawMessage `db:"results"        json:"results,omitempty"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`
}
