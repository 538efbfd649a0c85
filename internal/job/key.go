package job

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const keyBytes = 32

// NewKey returns a random job key and its bcrypt hash. The worker holding
// the claim keeps the key; the job document stores only the hash.
func NewKey(cost int) (key, hash string, err error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate job key: %w", err)
	}
	key = hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash job key: %w", err)
	}
	return key, string(h), nil
}

// VerifyKey reports whether key matches the stored hash.
func VerifyKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
