// Package handler implements the HTTP handlers of the jobs API.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/virtool/jobrunner/internal/api/response"
	"github.com/virtool/jobrunner/internal/job"
	"github.com/virtool/jobrunner/internal/rights"
	"github.com/virtool/jobrunner/internal/store"
)

// writeError maps a service error onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *job.ValidationError
	var rerr *rights.InsufficientRightsError
	var terr *job.InvalidTransitionError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, verr.Error(),
			map[string]string{"field": verr.Field})
	case errors.As(err, &rerr):
		missing := make([]string, len(rerr.Missing))
		for i, m := range rerr.Missing {
			missing[i] = m.String()
		}
		response.Error(w, http.StatusForbidden, response.CodeInsufficientRights,
			"User lacks rights the job requires", map[string]any{"missing": missing})
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	case errors.As(err, &terr):
		response.Error(w, http.StatusConflict, response.CodeConflict, terr.Error(), nil)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, response.CodeConflict, "Resource was modified concurrently", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"An unexpected error occurred", nil)
	}
}
