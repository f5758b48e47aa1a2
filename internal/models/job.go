// Package models defines the data shapes shared across the scheduler.
package models

import "time"

// JobStatus is the lifecycle state of a job record.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusTimeout   JobStatus = "TIMEOUT"
)

// IsTerminal reports whether the status is final. Terminal records are never
// transitioned again and their admission slot has been released.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// ExecutionStatus is the outcome a worker reports for a finished run.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailure ExecutionStatus = "FAILURE"
	ExecutionTimeout ExecutionStatus = "TIMEOUT"
)

// JobStatus maps the worker-reported outcome to the record status it commits.
func (s ExecutionStatus) JobStatus() (JobStatus, bool) {
	switch s {
	case ExecutionSuccess:
		return JobStatusCompleted, true
	case ExecutionFailure:
		return JobStatusFailed, true
	case ExecutionTimeout:
		return JobStatusTimeout, true
	}
	return "", false
}

// Lifecycle event names under which instants are recorded on a job record.
const (
	EventSubmittedAt         = "submitted_at"
	EventQueuedAt            = "queued_at"
	EventDequeuedAt          = "dequeued_at"
	EventCompileStartedAt    = "compile_started_at"
	EventCompileFinishedAt   = "compile_finished_at"
	EventExecutionStartedAt  = "execution_started_at"
	EventExecutionFinishedAt = "execution_finished_at"
	EventFinishedAt          = "finished_at"
)

// WorkerEvents lists the timestamp events for which the worker's report is
// authoritative over anything the coordinator stamped.
var WorkerEvents = []string{
	EventCompileStartedAt,
	EventCompileFinishedAt,
	EventExecutionStartedAt,
	EventExecutionFinishedAt,
}

// JobSettings are the user-supplied execution parameters.
type JobSettings struct {
	NShots                 int     `json:"n_shots"`
	TimeoutSeconds         float64 `json:"timeout_seconds"`
	StateSavePolicy        string  `json:"state_save_policy,omitempty"`
	ResourceSqueezingLevel int     `json:"resource_squeezing_level,omitempty"`
}

// Timeout returns the execution deadline as a duration. Zero or negative
// settings mean no per-job timeout.
func (s JobSettings) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// ExecVersions are the component versions a worker reports having run.
type ExecVersions struct {
	PhysicalLab string `json:"physical_lab,omitempty"`
	Simulator   string `json:"simulator,omitempty"`
}

// UploadedResult is the size envelope of a result blob the worker uploaded.
type UploadedResult struct {
	RawSizeBytes     int64 `json:"raw_size_bytes"`
	EncodedSizeBytes int64 `json:"encoded_size_bytes"`
}

// LateReport captures a worker report that arrived after the job was
// cancelled. Kept for post-mortems; the reported artifact is not referenced.
type LateReport struct {
	Status       ExecutionStatus      `json:"status"`
	Timestamps   map[string]time.Time `json:"timestamps,omitempty"`
	ExecVersions ExecVersions         `json:"exec_versions"`
	ReportedAt   time.Time            `json:"reported_at"`
}

// JobRecord is the durable job record, keyed by JobID. The record store is
// the single source of truth; every write carries Version for compare-and-set.
type JobRecord struct {
	JobID            string               `json:"job_id"`
	TokenName        string               `json:"token_name"`
	Role             Role                 `json:"role"`
	SDKVersion       string               `json:"sdk_version,omitempty"`
	BackendRequested string               `json:"backend_requested"`
	BackendCanonical string               `json:"backend_canonical"`
	BackendExecuted  string               `json:"backend_executed,omitempty"`
	ProgramRef       string               `json:"program_ref"`
	ProgramSizeBytes int64                `json:"program_size_bytes"`
	Settings         JobSettings          `json:"settings"`
	Status           JobStatus            `json:"status"`
	StatusDetail     string               `json:"status_detail,omitempty"`
	ResultRef        string               `json:"result_ref,omitempty"`
	UploadedResult   *UploadedResult      `json:"uploaded_result,omitempty"`
	ExecVersions     ExecVersions         `json:"exec_versions"`
	SaveJob          bool                 `json:"save_job"`
	Version          int64                `json:"version"`
	Timestamps       map[string]time.Time `json:"timestamps"`
	LateReport       *LateReport          `json:"late_report,omitempty"`
	ExpiresAt        int64                `json:"expires_at,omitempty"` // unix seconds, 0 = no expiry
}

// Stamp records a lifecycle instant, allocating the map on first use.
func (j *JobRecord) Stamp(event string, at time.Time) {
	if j.Timestamps == nil {
		j.Timestamps = make(map[string]time.Time, 8)
	}
	j.Timestamps[event] = at
}

// StampedAt returns the instant recorded for event.
func (j *JobRecord) StampedAt(event string) (time.Time, bool) {
	at, ok := j.Timestamps[event]
	return at, ok
}

// Clone returns a deep copy safe to mutate before a conditional write.
func (j *JobRecord) Clone() *JobRecord {
	out := *j
	if j.Timestamps != nil {
		out.Timestamps = make(map[string]time.Time, len(j.Timestamps))
		for k, v := range j.Timestamps {
			out.Timestamps[k] = v
		}
	}
	if j.UploadedResult != nil {
		ur := *j.UploadedResult
		out.UploadedResult = &ur
	}
	if j.LateReport != nil {
		lr := *j.LateReport
		if j.LateReport.Timestamps != nil {
			lr.Timestamps = make(map[string]time.Time, len(j.LateReport.Timestamps))
			for k, v := range j.LateReport.Timestamps {
				lr.Timestamps[k] = v
			}
		}
		out.LateReport = &lr
	}
	return &out
}

// QueueEntry is the in-memory descriptor of an admitted job awaiting
// dispatch. Pure value; owned by the job queue.
type QueueEntry struct {
	JobID            string
	BackendCanonical string
	Role             Role
	ProgramSizeBytes int64
	EnqueuedAt       time.Time
}

// SignedURL is a presigned object-store capability with its expiry.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JobMessage is one diagnostic line from a job's message log.
type JobMessage struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// SubmitRequest is a user's job submission. Program bytes are opaque to the
// scheduler.
type SubmitRequest struct {
	SDKVersion string      `json:"sdk_version,omitempty"`
	Backend    string      `json:"backend"`
	Program    []byte      `json:"program"`
	Settings   JobSettings `json:"settings"`
	SaveJob    bool        `json:"save_job"`
}

// ExecutionReport is a worker's final report for an assigned job.
type ExecutionReport struct {
	JobID          string               `json:"job_id"`
	Status         ExecutionStatus      `json:"status"`
	Error          string               `json:"error,omitempty"`
	UploadedResult *UploadedResult      `json:"uploaded_result,omitempty"`
	Timestamps     map[string]time.Time `json:"timestamps,omitempty"`
	ActualBackend  string               `json:"actual_backend,omitempty"`
	ExecVersions   ExecVersions         `json:"exec_versions"`
}

// Assignment is what a polling worker receives for a dequeued job. Backend
// carries the name the user requested so a unified worker knows the intended
// target.
type Assignment struct {
	JobID    string      `json:"job_id"`
	Backend  string      `json:"backend"`
	Role     Role        `json:"role"`
	Program  []byte      `json:"program"`
	Settings JobSettings `json:"settings"`
	Upload   SignedURL   `json:"upload"`
}
