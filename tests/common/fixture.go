// Package common provides shared test infrastructure
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/qflow/internal/app"
	"github.com/bobmcallan/qflow/internal/clients/tokendb"
	qcommon "github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
	"github.com/bobmcallan/qflow/internal/server"
	badgerstore "github.com/bobmcallan/qflow/internal/storage/badger"
)

// DefaultCatalog is the backend-status document tests start from: two
// available backends with aliases and one in maintenance.
const DefaultCatalog = `
[[backend]]
name = "qpu-tokyo"
aliases = ["tokyo", "qpu"]
status = "available"
description = "64-qubit superconducting QPU"

[[backend]]
name = "sim-statevector"
aliases = ["sim"]
status = "available"

[[backend]]
name = "qpu-osaka"
status = "maintenance"
`

// DefaultTokens returns the token fixtures the stub token service knows.
func DefaultTokens() map[string]models.TokenInfo {
	return map[string]models.TokenInfo{
		"alice-token": {Name: "alice", Role: "DEVELOPER"},
		"guest-token": {Name: "gary", Role: "GUEST"},
		"admin-token": {Name: "root", Role: "ADMIN"},
	}
}

// EnvOptions configures the in-process test environment.
type EnvOptions struct {
	// Catalog overrides the backend-status document. Defaults to DefaultCatalog.
	Catalog string

	// Tokens overrides the token service fixtures. Defaults to DefaultTokens.
	Tokens map[string]models.TokenInfo

	// UnifyBackends routes every backend through the single dispatch queue.
	UnifyBackends bool

	// MaxQueueBytes overrides the shared queue byte budget.
	MaxQueueBytes int64

	// MaxConcurrentGuest overrides the GUEST admission quota.
	MaxConcurrentGuest int

	// SweepInterval overrides the timeout sweeper period, e.g. "20ms".
	SweepInterval string
}

// Env is an isolated in-process scheduler: a fully wired app behind two
// httptest servers, with in-memory storage fakes and a stub token service.
type Env struct {
	t          *testing.T
	App        *app.App
	Submission *httptest.Server
	Execution  *httptest.Server
	Objects    *MemObjects
	Params     *MemParams
	Config     *qcommon.Config
}

// NewEnv creates a test environment with default options.
func NewEnv(t *testing.T) *Env {
	return NewEnvWithOptions(t, EnvOptions{})
}

// NewEnvWithOptions creates a test environment with custom options. All
// resources are released through t.Cleanup.
func NewEnvWithOptions(t *testing.T, opts EnvOptions) *Env {
	t.Helper()

	config := qcommon.NewDefaultConfig()
	config.Logging.Level = "error"
	config.UnifyBackends = opts.UnifyBackends
	if opts.MaxQueueBytes > 0 {
		config.Queue.MaxQueueBytes = opts.MaxQueueBytes
	}
	if opts.MaxConcurrentGuest > 0 {
		config.Admission.MaxConcurrentGuest = opts.MaxConcurrentGuest
	}
	if opts.SweepInterval != "" {
		config.Lifecycle.SweepInterval = opts.SweepInterval
	}

	catalog := opts.Catalog
	if catalog == "" {
		catalog = DefaultCatalog
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = DefaultTokens()
	}

	tokenSvc := NewTokenService(tokens)
	t.Cleanup(tokenSvc.Close)
	config.TokenDB.Address = tokenSvc.URL

	logger := qcommon.NewLogger(config.Logging.Level)
	storage := NewMemStorage(t, logger)
	storage.params.Set(config.AWS.BackendCatalogParam, catalog)

	resolver := tokendb.NewClient(
		tokendb.WithBaseURL(tokenSvc.URL),
		tokendb.WithLogger(logger),
	)

	a, err := app.NewAppWithDeps(context.Background(), config, logger, storage, resolver)
	if err != nil {
		t.Fatalf("NewAppWithDeps failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	a.Start()

	submission := httptest.NewServer(server.NewSubmissionServer(a).Handler())
	t.Cleanup(submission.Close)
	execution := httptest.NewServer(server.NewExecutionServer(a).Handler())
	t.Cleanup(execution.Close)

	return &Env{
		t:          t,
		App:        a,
		Submission: submission,
		Execution:  execution,
		Objects:    storage.objects,
		Params:     storage.params,
		Config:     config,
	}
}

// SubmissionGet performs a GET against the submission surface.
func (e *Env) SubmissionGet(path, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, e.Submission.URL+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

// SubmissionPost performs a JSON POST against the submission surface.
func (e *Env) SubmissionPost(path, token string, body interface{}) (*http.Response, error) {
	return e.post(context.Background(), e.Submission.URL+path, token, body)
}

// ExecutionPost performs a JSON POST against the execution surface.
func (e *Env) ExecutionPost(path string, body interface{}) (*http.Response, error) {
	return e.post(context.Background(), e.Execution.URL+path, "", body)
}

// ExecutionPostCtx performs a JSON POST against the execution surface with a
// caller-supplied context, for bounding assignment polls.
func (e *Env) ExecutionPostCtx(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	return e.post(ctx, e.Execution.URL+path, "", body)
}

// WaitForJobStatus polls the job status endpoint until the job reaches want
// or the deadline passes.
func (e *Env) WaitForJobStatus(token, jobID, want string, timeout time.Duration) map[string]interface{} {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		resp, err := e.SubmissionGet("/api/jobs/"+jobID, token)
		if err != nil {
			e.t.Fatalf("Status poll failed: %v", err)
		}
		var body map[string]interface{}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			e.t.Fatalf("Failed to decode status poll: %v", err)
		}
		if body["status"] == want {
			return body
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("Job %s did not reach %s within %v (last status: %v)", jobID, want, timeout, body["status"])
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *Env) post(ctx context.Context, url, token string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

// NewTokenService starts an httptest server speaking the token-info verify
// protocol: POST /api/tokens/verify with {"token": ...} answered by the
// matching TokenInfo, or 404 for unknown tokens.
func NewTokenService(tokens map[string]models.TokenInfo) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tokens/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		info, ok := tokens[req.Token]
		if !ok {
			http.Error(w, "token not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	})
	return httptest.NewServer(mux)
}

// MemStorage aggregates the in-memory storage fakes behind the
// StorageManager contract. Job records live in an in-memory badger store so
// conditional writes behave like the real gateway.
type MemStorage struct {
	store   *badgerstore.Store
	jobs    *badgerstore.JobStore
	objects *MemObjects
	params  *MemParams
}

// NewMemStorage creates an in-memory storage manager.
func NewMemStorage(t *testing.T, logger *qcommon.Logger) *MemStorage {
	t.Helper()
	store, err := badgerstore.NewInMemoryStore(logger)
	if err != nil {
		t.Fatalf("NewInMemoryStore failed: %v", err)
	}
	return &MemStorage{
		store:   store,
		jobs:    badgerstore.NewJobStore(store, logger),
		objects: NewMemObjects(),
		params:  NewMemParams(),
	}
}

var _ interfaces.StorageManager = (*MemStorage)(nil)

func (m *MemStorage) Jobs() interfaces.JobStore         { return m.jobs }
func (m *MemStorage) Objects() interfaces.ObjectStore   { return m.objects }
func (m *MemStorage) Params() interfaces.ParameterStore { return m.params }
func (m *MemStorage) Close() error                      { return m.store.Close() }

// MemObjects is an in-memory ObjectStore fake. Presigned URLs are synthetic
// but carry the verb so tests can tell upload from download grants.
type MemObjects struct {
	mu         sync.Mutex
	programs   map[string][]byte
	resultTags map[string]map[string]string
}

// NewMemObjects creates an empty in-memory object store.
func NewMemObjects() *MemObjects {
	return &MemObjects{
		programs:   make(map[string][]byte),
		resultTags: make(map[string]map[string]string),
	}
}

var _ interfaces.ObjectStore = (*MemObjects)(nil)

func (m *MemObjects) PutProgram(_ context.Context, jobID string, program []byte, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.programs[jobID] = append([]byte(nil), program...)
	return "jobs/" + jobID + "/program", nil
}

func (m *MemObjects) GetProgram(_ context.Context, jobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	program, ok := m.programs[jobID]
	if !ok {
		return nil, fmt.Errorf("program for job %s not found", jobID)
	}
	return append([]byte(nil), program...), nil
}

func (m *MemObjects) DeleteProgram(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.programs, jobID)
	return nil
}

func (m *MemObjects) ResultKey(jobID string) string {
	return "jobs/" + jobID + "/result"
}

func (m *MemObjects) PresignResultUpload(_ context.Context, jobID string) (*models.SignedURL, error) {
	return &models.SignedURL{
		URL:       "https://objects.test/jobs/" + jobID + "/result?verb=put",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (m *MemObjects) PresignResultDownload(_ context.Context, jobID string) (*models.SignedURL, error) {
	return &models.SignedURL{
		URL:       "https://objects.test/jobs/" + jobID + "/result?verb=get",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (m *MemObjects) TagResult(_ context.Context, jobID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultTags[jobID] = tags
	return nil
}

// HasProgram reports whether a program payload is stored for the job.
func (m *MemObjects) HasProgram(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.programs[jobID]
	return ok
}

// ResultTags returns the tags applied to the job's result object, if any.
func (m *MemObjects) ResultTags(jobID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resultTags[jobID]
}

// MemParams is an in-memory ParameterStore fake.
type MemParams struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemParams creates an empty in-memory parameter store.
func NewMemParams() *MemParams {
	return &MemParams{values: make(map[string]string)}
}

var _ interfaces.ParameterStore = (*MemParams)(nil)

func (m *MemParams) GetParameter(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[name]
	if !ok {
		return "", fmt.Errorf("parameter %s not found", name)
	}
	return value, nil
}

// Set stores a parameter value. Tests flip backend status mid-run by
// rewriting the catalog parameter; the catalog re-reads it on every call.
func (m *MemParams) Set(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}
