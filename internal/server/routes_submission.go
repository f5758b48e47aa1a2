package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/qflow/internal/models"
)

// registerSubmissionRoutes sets up the user-facing surface.
func (s *Server) registerSubmissionRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Jobs
	mux.HandleFunc("/api/jobs", s.handleSubmitJob)
	mux.HandleFunc("/api/jobs/", s.routeJobs)

	// Backends
	mux.HandleFunc("/api/backends", s.handleListBackends)
	mux.HandleFunc("/api/backends/", s.handleServiceStatus)
}

// routeJobs dispatches /api/jobs/{id}[/...] to the per-job handlers.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" {
		WriteError(w, http.StatusBadRequest, "job id is required in path")
		return
	}

	jobID := rest
	action := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		jobID = rest[:idx]
		action = rest[idx+1:]
	}

	switch action {
	case "":
		s.handleJobStatus(w, r, jobID)
	case "result":
		s.handleJobResult(w, r, jobID)
	case "cancel":
		s.handleJobCancel(w, r, jobID)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// jobStatusResponse is the wire shape for job status and result queries.
type jobStatusResponse struct {
	JobID            string                 `json:"job_id"`
	Status           models.JobStatus       `json:"status"`
	StatusDetail     string                 `json:"status_detail,omitempty"`
	BackendRequested string                 `json:"backend_requested"`
	BackendCanonical string                 `json:"backend_canonical"`
	BackendExecuted  string                 `json:"backend_executed,omitempty"`
	ProgramSizeBytes int64                  `json:"program_size_bytes"`
	Settings         models.JobSettings     `json:"settings"`
	SDKVersion       string                 `json:"sdk_version,omitempty"`
	ExecVersions     models.ExecVersions    `json:"exec_versions"`
	UploadedResult   *models.UploadedResult `json:"uploaded_result,omitempty"`
	Timestamps       map[string]time.Time   `json:"timestamps"`
	Version          int64                  `json:"version"`
	Messages         []models.JobMessage    `json:"messages,omitempty"`
	Result           *models.SignedURL      `json:"result,omitempty"`
}

func newJobStatusResponse(record *models.JobRecord, messages []models.JobMessage) jobStatusResponse {
	return jobStatusResponse{
		JobID:            record.JobID,
		Status:           record.Status,
		StatusDetail:     record.StatusDetail,
		BackendRequested: record.BackendRequested,
		BackendCanonical: record.BackendCanonical,
		BackendExecuted:  record.BackendExecuted,
		ProgramSizeBytes: record.ProgramSizeBytes,
		Settings:         record.Settings,
		SDKVersion:       record.SDKVersion,
		ExecVersions:     record.ExecVersions,
		UploadedResult:   record.UploadedResult,
		Timestamps:       record.Timestamps,
		Version:          record.Version,
		Messages:         messages,
	}
}

// handleSubmitJob handles POST /api/jobs.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	var req models.SubmitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Backend) == "" {
		WriteError(w, http.StatusBadRequest, "backend is required")
		return
	}

	jobID, err := s.app.JobManager.SubmitJob(r.Context(), token, req)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

// handleJobStatus handles GET /api/jobs/{id}.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	record, messages, err := s.app.JobManager.GetJobStatus(r.Context(), token, jobID)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, newJobStatusResponse(record, messages))
}

// handleJobResult handles GET /api/jobs/{id}/result. The result URL is only
// present on COMPLETED jobs.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	record, download, err := s.app.JobManager.GetJobResult(r.Context(), token, jobID)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	resp := newJobStatusResponse(record, nil)
	resp.Result = download
	WriteJSON(w, http.StatusOK, resp)
}

// handleJobCancel handles POST /api/jobs/{id}/cancel.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	if err := s.app.JobManager.CancelJob(r.Context(), token, jobID); err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(models.JobStatusCancelled),
	})
}

// handleListBackends handles GET /api/backends.
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	backends, err := s.app.JobManager.ListBackends(r.Context(), token)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"backends": backends})
}

// handleServiceStatus handles GET /api/backends/{name}.
func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}
	name := PathParam(r, "/api/backends/", "")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "backend name is required in path")
		return
	}

	status, err := s.app.JobManager.GetServiceStatus(r.Context(), token, name)
	if err != nil {
		WriteKindError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
