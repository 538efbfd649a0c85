package models

import "time"

// User owns jobs, samples and API keys. Grants are stored separately.
type User struct {
	ID            string    `db:"id"            json:"id"`
	Handle        string    `db:"handle"        json:"handle"`
	Administrator bool      `db:"administrator" json:"administrator"`
	CreatedAt     time.Time `db:"created_at"    json:"created_at"`
}
