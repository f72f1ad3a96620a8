package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
)

// JobStore defines the interface for job queue inspection
type JobStore interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// RegisterJobRoutes registers the operator endpoints for parked reconcile jobs.
func RegisterJobRoutes(router chi.Router, jobs JobStore) {
	router.Route("/api/admin/jobs", func(r chi.Router) {
		r.Get("/stats", GetJobStats(jobs))
		r.Get("/pending", ListPendingJobs(jobs))
		r.Get("/{id}", GetJob(jobs))
		r.Post("/{id}/cancel", CancelJob(jobs))
	})
}

// GetJob retrieves a job by ID
func GetJob(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := jobs.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Int64("job_id", jobID).Msg("GetJob: lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending or failed job
func CancelJob(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		if err := jobs.CancelJob(r.Context(), jobID); err != nil {
			if errors.Is(err, store.ErrJobNotCancellable) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			log.Error().Err(err).Int64("job_id", jobID).Msg("CancelJob: failed")
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}

		log.Info().Int64("job_id", jobID).Msg("job cancelled by operator")
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      jobID,
			"message": "Job cancelled successfully",
		})
	}
}

// GetJobStats returns statistics about the job queue
func GetJobStats(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobs.GetStats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("GetJobStats: failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ListPendingJobs returns pending jobs
func ListPendingJobs(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= 1000 {
				limit = l
			}
		}

		pending, err := jobs.ListPendingJobs(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("ListPendingJobs: failed")
			writeError(w, http.StatusInternalServerError, "failed to retrieve jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":  pending,
			"count": len(pending),
		})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}
