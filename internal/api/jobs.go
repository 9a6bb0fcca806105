package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/crawler"
	"github.com/JakeFAU/listing-scraper/internal/id/uuid"
	"github.com/JakeFAU/listing-scraper/internal/job"
	"github.com/JakeFAU/listing-scraper/internal/orchestrator"
)

type submitRequest struct {
	SearchURL string `json:"searchUrl"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

// submitJob handles POST /api/scrape.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.SearchURL) == "" {
		writeError(w, http.StatusBadRequest, "searchUrl is required")
		return
	}
	jobID, err := s.jobs.Submit(r.Context(), req.SearchURL)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidEntry) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit job failed", zap.Error(err))
		writeError(w, statusFor(err), "failed to start job")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID})
}

// listJobs handles GET /api/scrape?status=. Counts always cover every job.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []job.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := parseStatus(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   s.jobs.Jobs(statuses...),
		"counts": s.jobs.Counts(),
	})
}

// getJobStatus handles GET /api/scrape/{job_id}.
func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	snap, err := s.jobs.Status(jobID)
	if err != nil {
		writeError(w, statusFor(err), "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// exportJSON handles GET /api/export/{job_id}/json. Rows are normalized so
// every object carries every column.
func (s *Server) exportJSON(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	_, rows, err := s.jobs.Dataset(jobID)
	switch {
	case errors.Is(err, orchestrator.ErrNothingToExport):
		writeError(w, http.StatusBadRequest, "No data to export")
		return
	case err != nil:
		writeError(w, statusFor(err), "job not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="listings-%s.json"`, jobID))
	writeJSON(w, http.StatusOK, rows)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return "", false
	}
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "invalid job_id")
		return "", false
	}
	return jobID, true
}

func parseStatus(input string) (job.Status, error) {
	switch st := job.Status(strings.ToLower(strings.TrimSpace(input))); st {
	case job.StatusPending, job.StatusRunning, job.StatusCompleted, job.StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status %q", input)
	}
}
