package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a user to the job API. The raw key is returned once
// when created; only its bcrypt hash and the first eight characters are
// stored. The prefix narrows the hash comparisons on each request.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	UserID     string     `db:"user_id"      json:"user_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	// RevokedAt is set when the owner revokes the key. Revoked keys stay
	// in storage but never authenticate.
	RevokedAt *time.Time `db:"revoked_at" json:"-"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the key can still authenticate.
func (k *APIKey) Active() bool {
	return k.RevokedAt == nil
}
