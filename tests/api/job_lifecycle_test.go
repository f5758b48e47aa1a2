package api

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/qflow/internal/models"
	"github.com/bobmcallan/qflow/tests/common"
)

// decodeResponse reads and decodes a JSON response body.
func decodeResponse(t *testing.T, resp io.ReadCloser) map[string]interface{} {
	t.Helper()
	body, err := io.ReadAll(resp)
	require.NoError(t, err)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &result))
	return result
}

// submitJob posts a job and returns its id, failing the test on rejection.
func submitJob(t *testing.T, env *common.Env, token, backend string, program []byte, settings map[string]interface{}) string {
	t.Helper()
	payload := map[string]interface{}{
		"sdk_version": "1.4.2",
		"backend":     backend,
		"program":     program,
	}
	if settings != nil {
		payload["settings"] = settings
	}
	resp, err := env.SubmissionPost("/api/jobs", token, payload)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 201, resp.StatusCode)

	result := decodeResponse(t, resp.Body)
	jobID, _ := result["job_id"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}

// assignment mirrors the execution surface's dispatch response.
type assignment struct {
	JobID    string             `json:"job_id"`
	Backend  string             `json:"backend"`
	Role     string             `json:"role"`
	Program  []byte             `json:"program"`
	Settings models.JobSettings `json:"settings"`
	Upload   models.SignedURL   `json:"upload"`
}

// assignNext polls the execution surface for the backend's next job.
func assignNext(t *testing.T, env *common.Env, backend string, timeout time.Duration) *assignment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := env.ExecutionPostCtx(ctx, "/api/execution/next", map[string]interface{}{"backend": backend})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var a assignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&a))
	return &a
}

// jobStatus fetches the job status document for the owner token.
func jobStatus(t *testing.T, env *common.Env, token, jobID string) map[string]interface{} {
	t.Helper()
	resp, err := env.SubmissionGet("/api/jobs/"+jobID, token)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	return decodeResponse(t, resp.Body)
}

func TestJobLifecycle_HappyPath(t *testing.T) {
	env := common.NewEnv(t)

	program := []byte("OPENQASM 3; qubit[2] q; h q[0]; cx q[0], q[1];")
	jobID := submitJob(t, env, "alice-token", "tokyo", program, map[string]interface{}{
		"n_shots": 1024,
	})

	// The record is QUEUED under the canonical backend name.
	status := jobStatus(t, env, "alice-token", jobID)
	assert.Equal(t, "QUEUED", status["status"])
	assert.Equal(t, "tokyo", status["backend_requested"])
	assert.Equal(t, "qpu-tokyo", status["backend_canonical"])
	assert.EqualValues(t, len(program), status["program_size_bytes"])

	// A worker polling by alias drains the same canonical queue.
	a := assignNext(t, env, "qpu", 2*time.Second)
	assert.Equal(t, jobID, a.JobID)
	assert.Equal(t, "tokyo", a.Backend)
	assert.Equal(t, "DEVELOPER", a.Role)
	assert.Equal(t, program, a.Program)
	assert.Equal(t, 1024, a.Settings.NShots)
	assert.Contains(t, a.Upload.URL, "verb=put")

	status = jobStatus(t, env, "alice-token", jobID)
	assert.Equal(t, "RUNNING", status["status"])

	// No result URL before completion.
	resp, err := env.SubmissionGet("/api/jobs/"+jobID+"/result", "alice-token")
	require.NoError(t, err)
	result := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "RUNNING", result["status"])
	assert.Nil(t, result["result"])

	// Worker reports success with its own timestamps.
	finished := time.Now().UTC()
	resp, err = env.ExecutionPost("/api/execution/report", map[string]interface{}{
		"job_id":         jobID,
		"status":         "SUCCESS",
		"actual_backend": "qpu-tokyo-1",
		"uploaded_result": map[string]interface{}{
			"raw_size_bytes":     2048,
			"encoded_size_bytes": 1400,
		},
		"timestamps": map[string]interface{}{
			"execution_started_at":  finished.Add(-time.Second),
			"execution_finished_at": finished,
		},
		"exec_versions": map[string]interface{}{"physical_lab": "2.1.0"},
	})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	reported := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "COMPLETED", reported["status"])
	assert.Equal(t, "qpu-tokyo-1", reported["backend_executed"])

	// The result endpoint now hands out a download grant.
	resp, err = env.SubmissionGet("/api/jobs/"+jobID+"/result", "alice-token")
	require.NoError(t, err)
	result = decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "COMPLETED", result["status"])
	download := result["result"].(map[string]interface{})
	assert.Contains(t, download["url"], "verb=get")

	// The result object was tagged for lifecycle rules.
	tags := env.Objects.ResultTags(jobID)
	require.NotNil(t, tags)
	assert.Equal(t, "complete", tags["upload-status"])

	// The status document carries the lifecycle message trail.
	status = jobStatus(t, env, "alice-token", jobID)
	messages, _ := status["messages"].([]interface{})
	assert.NotEmpty(t, messages)
}

func TestJobLifecycle_CancelQueued(t *testing.T) {
	env := common.NewEnv(t)

	jobID := submitJob(t, env, "alice-token", "sim", []byte("circuit"), nil)

	resp, err := env.SubmissionPost("/api/jobs/"+jobID+"/cancel", "alice-token", nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	cancelled := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "CANCELLED", cancelled["status"])

	status := jobStatus(t, env, "alice-token", jobID)
	assert.Equal(t, "CANCELLED", status["status"])
	assert.Equal(t, "cancelled by user", status["status_detail"])

	// The queue entry is gone: a worker poll for that backend finds nothing.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = env.ExecutionPostCtx(ctx, "/api/execution/next", map[string]interface{}{"backend": "sim"})
	assert.Error(t, err)
}

func TestJobLifecycle_CancelRunningThenLateReport(t *testing.T) {
	env := common.NewEnv(t)

	jobID := submitJob(t, env, "alice-token", "sim", []byte("circuit"), nil)
	a := assignNext(t, env, "sim", 2*time.Second)
	require.Equal(t, jobID, a.JobID)

	resp, err := env.SubmissionPost("/api/jobs/"+jobID+"/cancel", "alice-token", nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	// The worker does not know and reports success anyway. The report is
	// recorded but the job stays CANCELLED.
	resp, err = env.ExecutionPost("/api/execution/report", map[string]interface{}{
		"job_id": jobID,
		"status": "SUCCESS",
		"uploaded_result": map[string]interface{}{
			"raw_size_bytes":     64,
			"encoded_size_bytes": 64,
		},
	})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	late := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "CANCELLED", late["status"])

	// The orphaned upload is never exposed as a result.
	resp, err = env.SubmissionGet("/api/jobs/"+jobID+"/result", "alice-token")
	require.NoError(t, err)
	result := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "CANCELLED", result["status"])
	assert.Nil(t, result["result"])
	assert.Nil(t, env.Objects.ResultTags(jobID))
}

func TestJobLifecycle_TimeoutSwept(t *testing.T) {
	env := common.NewEnvWithOptions(t, common.EnvOptions{SweepInterval: "20ms"})

	jobID := submitJob(t, env, "alice-token", "sim", []byte("circuit"), map[string]interface{}{
		"n_shots":         1,
		"timeout_seconds": 0.05,
	})
	a := assignNext(t, env, "sim", 2*time.Second)
	require.Equal(t, jobID, a.JobID)

	status := env.WaitForJobStatus("alice-token", jobID, "TIMEOUT", 3*time.Second)
	assert.Equal(t, "execution timed out", status["status_detail"])

	// A report arriving after the sweep is a conflict, not a rewrite.
	resp, err := env.ExecutionPost("/api/execution/report", map[string]interface{}{
		"job_id": jobID,
		"status": "SUCCESS",
	})
	require.NoError(t, err)
	assert.Equal(t, 409, resp.StatusCode)
	conflict := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ALREADY_TERMINAL", conflict["code"])
}

func TestJobLifecycle_RefreshUploadURL(t *testing.T) {
	env := common.NewEnv(t)

	jobID := submitJob(t, env, "alice-token", "sim", []byte("circuit"), nil)

	// Still QUEUED: no upload grant exists to refresh.
	resp, err := env.ExecutionPost("/api/execution/jobs/"+jobID+"/upload-url", nil)
	require.NoError(t, err)
	assert.Equal(t, 409, resp.StatusCode)
	resp.Body.Close()

	a := assignNext(t, env, "sim", 2*time.Second)
	require.Equal(t, jobID, a.JobID)

	resp, err = env.ExecutionPost("/api/execution/jobs/"+jobID+"/upload-url", nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	refreshed := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Contains(t, refreshed["url"], "verb=put")
}

func TestJobLifecycle_DuplicateReportIsIdempotent(t *testing.T) {
	env := common.NewEnv(t)

	jobID := submitJob(t, env, "alice-token", "sim", []byte("circuit"), nil)
	assignNext(t, env, "sim", 2*time.Second)

	report := map[string]interface{}{
		"job_id": jobID,
		"status": "FAILURE",
		"error":  "qubit decoherence",
	}

	resp, err := env.ExecutionPost("/api/execution/report", report)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	first := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "FAILED", first["status"])
	assert.Equal(t, "qubit decoherence", first["status_detail"])

	// The retry is acknowledged without another transition.
	resp, err = env.ExecutionPost("/api/execution/report", report)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	second := decodeResponse(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, "FAILED", second["status"])
	assert.Equal(t, first["version"], second["version"])
}
