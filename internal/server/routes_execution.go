package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bobmcallan/qflow/internal/models"
)

// registerExecutionRoutes sets up the worker-facing surface.
func (s *Server) registerExecutionRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Execution
	mux.HandleFunc("/api/execution/next", s.handleAssignNext)
	mux.HandleFunc("/api/execution/report", s.handleReport)
	mux.HandleFunc("/api/execution/jobs/", s.routeExecutionJobs)
}

// routeExecutionJobs dispatches /api/execution/jobs/{id}/... .
func (s *Server) routeExecutionJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/execution/jobs/")
	jobID := rest
	action := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		jobID = rest[:idx]
		action = rest[idx+1:]
	}
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job id is required in path")
		return
	}

	switch action {
	case "upload-url":
		s.handleRefreshUploadURL(w, r, jobID)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// handleAssignNext handles POST /api/execution/next. The request blocks
// until the backend's queue yields a job or the worker goes away; workers
// bound the wait with their own client timeout.
func (s *Server) handleAssignNext(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Backend string `json:"backend"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Backend) == "" {
		WriteError(w, http.StatusBadRequest, "backend is required")
		return
	}

	assignment, err := s.app.JobManager.AssignNextJob(r.Context(), req.Backend)
	if err != nil {
		// The worker disconnected while we were blocked on the queue; there
		// is nobody left to answer.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Debug().Str("backend", req.Backend).Msg("Assignment poll abandoned")
			return
		}
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, assignment)
}

// handleReport handles POST /api/execution/report.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var report models.ExecutionReport
	if !s.decodeJSON(w, r, &report) {
		return
	}
	if _, ok := report.Status.JobStatus(); !ok {
		WriteError(w, http.StatusBadRequest, "status must be one of SUCCESS, FAILURE, TIMEOUT")
		return
	}

	record, err := s.app.JobManager.ReportExecutionResult(r.Context(), report)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, newJobStatusResponse(record, nil))
}

// handleRefreshUploadURL handles POST /api/execution/jobs/{id}/upload-url.
func (s *Server) handleRefreshUploadURL(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	upload, err := s.app.JobManager.RefreshUploadURL(r.Context(), jobID)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, upload)
}
