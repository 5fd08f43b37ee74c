package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/stemdeck/internal/engine"
	"github.com/mattjoyce/stemdeck/internal/joblog"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		EngineMode:    s.config.EngineMode,
	}
	if id, ok := s.engine.ActiveJob(); ok {
		resp.ActiveJob = id
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleValidate handles POST /v1/validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, s.engine.ValidateURL(r.Context(), req.URL))
}

// handleGetSettings handles GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.GetSettings(r.Context()))
}

// handleSaveSettings handles PUT /v1/settings
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, s.engine.SaveSettings(r.Context(), req.DownloadPath))
}

// handleDownload handles POST /v1/download. The response is written when the
// download finishes; progress goes to the event stream.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req engine.DownloadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, s.engine.DownloadAudio(r.Context(), req))
}

// handleSeparate handles POST /v1/separate
func (s *Server) handleSeparate(w http.ResponseWriter, r *http.Request) {
	var req engine.SeparateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, s.engine.SeparateAudio(r.Context(), req))
}

// handleCancel handles POST /v1/separate/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.CancelSeparation())
}

// handleListJobs handles GET /v1/jobs?limit=&command=&status=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "job history is disabled")
		return
	}

	q := r.URL.Query()
	f := joblog.Filter{
		Command: q.Get("command"),
		Status:  joblog.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", f.Status))
		return
	}

	jobs, err := s.history.Recent(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*joblog.Entry{}
	}
	respondJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

// handleGetJob handles GET /v1/jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "job history is disabled")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	entry, err := s.history.Get(r.Context(), jobID)
	if errors.Is(err, joblog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// decodeBody reads a JSON request body into v, writing a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxBodyBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if len(body) == 0 {
		s.writeError(w, http.StatusBadRequest, "request body is empty")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
