package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/qflow/internal/app"
	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// stubManager satisfies interfaces.JobManager with per-test hooks. A test
// wires only the hooks its route calls.
type stubManager struct {
	submitJob     func(ctx context.Context, token string, req models.SubmitRequest) (string, error)
	cancelJob     func(ctx context.Context, token, jobID string) error
	jobStatus     func(ctx context.Context, token, jobID string) (*models.JobRecord, []models.JobMessage, error)
	jobResult     func(ctx context.Context, token, jobID string) (*models.JobRecord, *models.SignedURL, error)
	serviceStatus func(ctx context.Context, token, backend string) (models.BackendStatus, error)
	listBackends  func(ctx context.Context, token string) ([]models.BackendStatus, error)
	assignNext    func(ctx context.Context, backend string) (*models.Assignment, error)
	report        func(ctx context.Context, report models.ExecutionReport) (*models.JobRecord, error)
	refreshUpload func(ctx context.Context, jobID string) (*models.SignedURL, error)
}

var _ interfaces.JobManager = (*stubManager)(nil)

func (m *stubManager) SubmitJob(ctx context.Context, token string, req models.SubmitRequest) (string, error) {
	return m.submitJob(ctx, token, req)
}

func (m *stubManager) CancelJob(ctx context.Context, token, jobID string) error {
	return m.cancelJob(ctx, token, jobID)
}

func (m *stubManager) GetJobStatus(ctx context.Context, token, jobID string) (*models.JobRecord, []models.JobMessage, error) {
	return m.jobStatus(ctx, token, jobID)
}

func (m *stubManager) GetJobResult(ctx context.Context, token, jobID string) (*models.JobRecord, *models.SignedURL, error) {
	return m.jobResult(ctx, token, jobID)
}

func (m *stubManager) GetServiceStatus(ctx context.Context, token, backend string) (models.BackendStatus, error) {
	return m.serviceStatus(ctx, token, backend)
}

func (m *stubManager) ListBackends(ctx context.Context, token string) ([]models.BackendStatus, error) {
	return m.listBackends(ctx, token)
}

func (m *stubManager) AssignNextJob(ctx context.Context, backend string) (*models.Assignment, error) {
	return m.assignNext(ctx, backend)
}

func (m *stubManager) ReportExecutionResult(ctx context.Context, report models.ExecutionReport) (*models.JobRecord, error) {
	return m.report(ctx, report)
}

func (m *stubManager) RefreshUploadURL(ctx context.Context, jobID string) (*models.SignedURL, error) {
	return m.refreshUpload(ctx, jobID)
}

// newSubmissionTestServer builds the user-facing surface around a stubbed
// manager. No listener is started; tests drive the handlers directly or
// through Handler().
func newSubmissionTestServer(t *testing.T, manager interfaces.JobManager) *Server {
	t.Helper()
	logger := common.NewSilentLogger()
	cfg := common.NewDefaultConfig()
	a := &app.App{Config: cfg, Logger: logger, JobManager: manager}
	return NewSubmissionServer(a)
}

func newExecutionTestServer(t *testing.T, manager interfaces.JobManager) *Server {
	t.Helper()
	logger := common.NewSilentLogger()
	cfg := common.NewDefaultConfig()
	a := &app.App{Config: cfg, Logger: logger, JobManager: manager}
	return NewExecutionServer(a)
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return bytes.NewBuffer(data)
}

// authedRequest builds a request carrying a developer bearer token.
func authedRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer alice-token")
	return req
}

// --- handleSubmitJob tests ---

func TestHandleSubmitJob_Created(t *testing.T) {
	var gotToken string
	var gotReq models.SubmitRequest
	srv := newSubmissionTestServer(t, &stubManager{
		submitJob: func(_ context.Context, token string, req models.SubmitRequest) (string, error) {
			gotToken = token
			gotReq = req
			return "job-8f3a2c", nil
		},
	})

	body := jsonBody(t, models.SubmitRequest{
		SDKVersion: "1.4.2",
		Backend:    "tokyo",
		Program:    []byte("OPENQASM 3.0;"),
		Settings:   models.JobSettings{NShots: 1024},
	})
	req := authedRequest(http.MethodPost, "/api/jobs", body)
	rec := httptest.NewRecorder()
	srv.handleSubmitJob(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-8f3a2c", resp["job_id"])
	assert.Equal(t, "alice-token", gotToken)
	assert.Equal(t, "tokyo", gotReq.Backend)
	assert.Equal(t, []byte("OPENQASM 3.0;"), gotReq.Program)
	assert.Equal(t, 1024, gotReq.Settings.NShots)
}

func TestHandleSubmitJob_MissingToken(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{})

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", jsonBody(t, map[string]string{"backend": "tokyo"}))
	rec := httptest.NewRecorder()
	srv.handleSubmitJob(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "UNAUTHENTICATED", resp.Code)
}

func TestHandleSubmitJob_BackendRequired(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{})

	req := authedRequest(http.MethodPost, "/api/jobs", jsonBody(t, map[string]string{"sdk_version": "1.4.2"}))
	rec := httptest.NewRecorder()
	srv.handleSubmitJob(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend is required")
}

func TestHandleSubmitJob_InvalidJSON(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{})

	req := authedRequest(http.MethodPost, "/api/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.handleSubmitJob(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON")
}

func TestHandleSubmitJob_MethodNotAllowed(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{})

	req := authedRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	srv.handleSubmitJob(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestHandleSubmitJob_AdmissionErrors(t *testing.T) {
	tests := []struct {
		name       string
		kind       common.Kind
		wantStatus int
	}{
		{"unknown_backend", common.KindUnknownBackend, http.StatusBadRequest},
		{"backend_unavailable", common.KindBackendUnavailable, http.StatusServiceUnavailable},
		{"quota_exceeded", common.KindQuotaExceeded, http.StatusTooManyRequests},
		{"payload_too_large", common.KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{"queue_full", common.KindResourceExhausted, http.StatusTooManyRequests},
		{"bad_token", common.KindUnauthenticated, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSubmissionTestServer(t, &stubManager{
				submitJob: func(context.Context, string, models.SubmitRequest) (string, error) {
					return "", common.E(tt.kind, "rejected: "+tt.name)
				},
			})

			req := authedRequest(http.MethodPost, "/api/jobs", jsonBody(t, map[string]string{"backend": "tokyo"}))
			rec := httptest.NewRecorder()
			srv.handleSubmitJob(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, string(tt.kind), resp.Code)
			assert.Equal(t, "rejected: "+tt.name, resp.Detail)
		})
	}
}

func TestHandleSubmitJob_InternalDetailHidden(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{
		submitJob: func(context.Context, string, models.SubmitRequest) (string, error) {
			return "", errors.New("conditional write failed on job_records")
		},
	})

	req := authedRequest(http.MethodPost, "/api/jobs", jsonBody(t, map[string]string{"backend": "tokyo"}))
	rec := httptest.NewRecorder()
	srv.handleSubmitJob(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "job_records")

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "INTERNAL", resp.Code)
	assert.Empty(t, resp.Detail)
}

// --- job status and result tests ---

func TestHandleJobStatus_ReturnsRecordAndMessages(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	record := &models.JobRecord{
		JobID:            "job-1",
		Status:           models.JobStatusRunning,
		BackendRequested: "tokyo",
		BackendCanonical: "qpu-tokyo",
		ProgramSizeBytes: 13,
		Version:          3,
	}
	record.Stamp(models.EventSubmittedAt, now)
	messages := []models.JobMessage{
		{At: now, Text: "job queued for qpu-tokyo"},
		{At: now.Add(time.Second), Text: "job dispatched"},
	}

	var gotToken, gotJobID string
	srv := newSubmissionTestServer(t, &stubManager{
		jobStatus: func(_ context.Context, token, jobID string) (*models.JobRecord, []models.JobMessage, error) {
			gotToken, gotJobID = token, jobID
			return record, messages, nil
		},
	})

	req := authedRequest(http.MethodGet, "/api/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	srv.handleJobStatus(rec, req, "job-1")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice-token", gotToken)
	assert.Equal(t, "job-1", gotJobID)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp["job_id"])
	assert.Equal(t, "RUNNING", resp["status"])
	assert.Equal(t, "qpu-tokyo", resp["backend_canonical"])
	assert.Equal(t, float64(3), resp["version"])
	assert.Len(t, resp["messages"], 2)

	_, hasResult := resp["result"]
	assert.False(t, hasResult, "status responses never carry a result URL")
}

func TestHandleJobStatus_NotFound(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{
		jobStatus: func(context.Context, string, string) (*models.JobRecord, []models.JobMessage, error) {
			return nil, nil, common.E(common.KindNotFound, "job job-9 not found")
		},
	})

	req := authedRequest(http.MethodGet, "/api/jobs/job-9", nil)
	rec := httptest.NewRecorder()
	srv.handleJobStatus(rec, req, "job-9")

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestHandleJobResult_IncludesDownloadURL(t *testing.T) {
	expires := time.Now().Add(15 * time.Minute).UTC()
	record := &models.JobRecord{
		JobID:          "job-1",
		Status:         models.JobStatusCompleted,
		Version:        5,
		UploadedResult: &models.UploadedResult{RawSizeBytes: 2048, EncodedSizeBytes: 1400},
	}
	srv := newSubmissionTestServer(t, &stubManager{
		jobResult: func(_ context.Context, _, jobID string) (*models.JobRecord, *models.SignedURL, error) {
			return record, &models.SignedURL{URL: "https://objects.test/jobs/" + jobID + "/result", ExpiresAt: expires}, nil
		},
	})

	req := authedRequest(http.MethodGet, "/api/jobs/job-1/result", nil)
	rec := httptest.NewRecorder()
	srv.handleJobResult(rec, req, "job-1")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		JobID  string            `json:"job_id"`
		Status string            `json:"status"`
		Result *models.SignedURL `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "COMPLETED", resp.Status)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "https://objects.test/jobs/job-1/result", resp.Result.URL)
	assert.WithinDuration(t, expires, resp.Result.ExpiresAt, time.Second)
}

func TestHandleJobCancel_ReturnsCancelled(t *testing.T) {
	var gotJobID string
	srv := newSubmissionTestServer(t, &stubManager{
		cancelJob: func(_ context.Context, _, jobID string) error {
			gotJobID = jobID
			return nil
		},
	})

	req := authedRequest(http.MethodPost, "/api/jobs/job-1/cancel", nil)
	rec := httptest.NewRecorder()
	srv.handleJobCancel(rec, req, "job-1")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "job-1", gotJobID)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp["job_id"])
	assert.Equal(t, "CANCELLED", resp["status"])
}

func TestHandleJobCancel_AlreadyTerminal(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{
		cancelJob: func(context.Context, string, string) error {
			return common.E(common.KindAlreadyTerminal, "job job-1 is COMPLETED")
		},
	})

	req := authedRequest(http.MethodPost, "/api/jobs/job-1/cancel", nil)
	rec := httptest.NewRecorder()
	srv.handleJobCancel(rec, req, "job-1")

	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ALREADY_TERMINAL", resp.Code)
}

// --- backend catalog tests ---

func TestHandleListBackends_ReturnsCatalog(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{
		listBackends: func(context.Context, string) ([]models.BackendStatus, error) {
			return []models.BackendStatus{
				{Requested: "qpu-tokyo", Canonical: "qpu-tokyo", Status: models.ServiceStatusAvailable},
				{Requested: "qpu-osaka", Canonical: "qpu-osaka", Status: models.ServiceStatusMaintenance},
			}, nil
		},
	})

	req := authedRequest(http.MethodGet, "/api/backends", nil)
	rec := httptest.NewRecorder()
	srv.handleListBackends(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Backends []models.BackendStatus `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Backends, 2)
	assert.Equal(t, models.ServiceStatusAvailable, resp.Backends[0].Status)
	assert.Equal(t, models.ServiceStatusMaintenance, resp.Backends[1].Status)
}

func TestHandleServiceStatus_ResolvesAlias(t *testing.T) {
	var gotBackend string
	srv := newSubmissionTestServer(t, &stubManager{
		serviceStatus: func(_ context.Context, _, backend string) (models.BackendStatus, error) {
			gotBackend = backend
			return models.BackendStatus{Requested: backend, Canonical: "qpu-tokyo", Status: models.ServiceStatusAvailable}, nil
		},
	})

	req := authedRequest(http.MethodGet, "/api/backends/qpu", nil)
	rec := httptest.NewRecorder()
	srv.handleServiceStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "qpu", gotBackend)

	var resp models.BackendStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "qpu-tokyo", resp.Canonical)
}

func TestHandleServiceStatus_NameRequired(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{})

	req := authedRequest(http.MethodGet, "/api/backends/", nil)
	rec := httptest.NewRecorder()
	srv.handleServiceStatus(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "backend name is required")
}

// --- routing tests ---

func TestSubmissionRouting(t *testing.T) {
	srv := newSubmissionTestServer(t, &stubManager{
		jobStatus: func(_ context.Context, _, jobID string) (*models.JobRecord, []models.JobMessage, error) {
			return &models.JobRecord{JobID: jobID, Status: models.JobStatusQueued, Version: 1}, nil, nil
		},
	})
	handler := srv.Handler()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"job_status", http.MethodGet, "/api/jobs/job-1", http.StatusOK},
		{"unknown_job_action", http.MethodGet, "/api/jobs/job-1/teleport", http.StatusNotFound},
		{"missing_job_id", http.MethodGet, "/api/jobs/", http.StatusBadRequest},
		{"health", http.MethodGet, "/api/health", http.StatusOK},
		{"cors_preflight", http.MethodOptions, "/api/jobs", http.StatusNoContent},
		{"unknown_route", http.MethodGet, "/api/teleport", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authedRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}
