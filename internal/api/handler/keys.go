package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/virtool/jobrunner/internal/api/middleware"
	"github.com/virtool/jobrunner/internal/api/response"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/pkg/models"
)

const keyPrefixLen = 8

// KeyStore persists a user's API keys.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID string) error
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/keys.
// The raw key is only ever returned here.
func NewCreateKeyHandler(s KeyStore, cost int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing user", nil)
			return
		}

		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "name is required", nil)
			return
		}

		rawKey, hash, err := job.NewKey(cost)
		if err != nil {
			writeError(w, r, err)
			return
		}
		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      req.Name,
			KeyHash:   hash,
			KeyPrefix: rawKey[:keyPrefixLen],
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID,
			"name":       key.Name,
			"key":        rawKey,
			"key_prefix": key.KeyPrefix,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/keys.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing user", nil)
			return
		}

		keys, err := s.ListAPIKeys(r.Context(), userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/keys/{keyID}.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, response.CodeInvalidToken, "Missing user", nil)
			return
		}

		keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid key ID", nil)
			return
		}
		if err := s.RevokeAPIKey(r.Context(), keyID, userID); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}
