package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/virtool/jobrunner/internal/api/response"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/rights"
	"github.com/virtool/jobrunner/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// KeyStore is the store access the middleware needs.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// Auth provides authentication and rights-checking middleware.
type Auth struct {
	store KeyStore
}

// NewAuth creates a new Auth middleware.
func NewAuth(s KeyStore) *Auth {
	return &Auth{store: s}
}

// Authenticate validates a user API key sent as a Bearer token and sets
// user_id in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractToken(r, "Bearer")
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid API key format", nil)
			return
		}

		prefix := rawKey[:keyPrefixLen]

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				response.CodeInternal, "Failed to validate API key", nil)
			return
		}

		var matched bool
		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
				r = r.WithContext(SetUserID(r.Context(), key.UserID))
				Annotate(r, "user_id", key.UserID)
				matched = true

				go a.touchKey(key.ID)
				break
			}
		}

		if !matched {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid API key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) touchKey(id uuid.UUID) {
	if err := a.store.UpdateAPIKeyLastUsed(context.Background(), id); err != nil {
		slog.Warn("update api key last used failed", "key_id", id, "error", err)
	}
}

// AuthenticateJob validates a job key sent as "Job <job id>:<key>". Only a
// job that has not reached a terminal state can authenticate; its document
// is set in the request context.
func (a *Auth) AuthenticateJob(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r, "Job")
		rawID, key, ok := strings.Cut(token, ":")
		if !ok || key == "" {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Missing or invalid Authorization header", nil)
			return
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid job id", nil)
			return
		}

		j, err := a.store.GetJob(r.Context(), id)
		if err != nil || j.KeyHash == "" || !job.VerifyKey(j.KeyHash, key) {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Invalid job key", nil)
			return
		}
		if j.State().Terminal() {
			response.Error(w, http.StatusUnauthorized,
				response.CodeInvalidToken, "Job is no longer running", nil)
			return
		}

		Annotate(r, "job_id", j.ID, "task", j.Task)
		next.ServeHTTP(w, r.WithContext(SetJob(r.Context(), j)))
	})
}

// RequireRight returns middleware that checks the authenticated job holds
// capability on the object named by the URL parameter param.
func (a *Auth) RequireRight(object models.ObjectType, param string, capability models.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			j, ok := GetJob(r)
			if !ok {
				response.Error(w, http.StatusUnauthorized,
					response.CodeInvalidToken, "Job authentication required", nil)
				return
			}
			want := models.Right{ObjectType: object, ObjectID: chi.URLParam(r, param), Capability: capability}
			if !rights.Has(j.Rights, want) {
				response.Error(w, http.StatusForbidden,
					response.CodeForbidden, "Job lacks the right "+want.String(), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request, scheme string) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], scheme) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
