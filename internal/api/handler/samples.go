package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/virtool/jobrunner/internal/api/response"
	"github.com/virtool/jobrunner/pkg/models"
)

// SampleReader loads samples.
type SampleReader interface {
	GetSample(ctx context.Context, id string) (*models.Sample, error)
}

// NewGetSampleHandler returns an http.HandlerFunc for
// GET /api/v1/samples/{sampleID}. The route is guarded by the job's rights.
func NewGetSampleHandler(s SampleReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sample, err := s.GetSample(r.Context(), chi.URLParam(r, "sampleID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, sample)
	}
}
