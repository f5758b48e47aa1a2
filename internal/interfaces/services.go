package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/qflow/internal/models"
)

// AdmissionController enforces per-role concurrency and payload-size limits.
// All operations are O(1) under a single mutex and never block.
type AdmissionController interface {
	// TryReserve atomically claims an admission slot for the role. Fails
	// fast with PAYLOAD_TOO_LARGE or QUOTA_EXCEEDED; nil means the slot is
	// held until Release.
	TryReserve(role models.Role, sizeBytes int64) error

	// Release frees a slot. Releasing below zero is ignored and logged;
	// it signals a coordinator bug, not a caller error.
	Release(role models.Role)

	// Restore re-claims a slot during startup recovery, bypassing limits so
	// records already admitted before a restart keep their slots.
	Restore(role models.Role)

	// Active returns the current slot count for a role.
	Active(role models.Role) int
}

// JobQueue is the memory-bounded in-flight queue: one FIFO per canonical
// backend plus a shared byte budget.
type JobQueue interface {
	// Enqueue appends the entry to its backend FIFO. Fails with
	// RESOURCE_EXHAUSTED when the byte budget would be exceeded.
	Enqueue(entry models.QueueEntry) error

	// Take blocks until an entry is available for the backend or ctx is
	// done. The returned entry is removed and its bytes released.
	Take(ctx context.Context, backendCanonical string) (models.QueueEntry, error)

	// Drop removes a queued entry by job id, reporting whether it was
	// present. Used when cancelling a job that has not been dispatched.
	Drop(jobID string) bool

	// Depth returns the number of entries waiting for a backend.
	Depth(backendCanonical string) int

	// PendingBytes returns the bytes currently counted against the budget.
	PendingBytes() int64
}

// BackendCatalog resolves user-supplied backend names against the published
// backend-status document.
type BackendCatalog interface {
	// Resolve maps a requested name to its canonical backend and current
	// status. Fails with UNKNOWN_BACKEND for names absent from the catalog.
	Resolve(ctx context.Context, requested string) (models.BackendStatus, error)

	// All returns the catalog's current view of every backend.
	All(ctx context.Context) ([]models.BackendStatus, error)
}

// MessageLog is the per-job append-only diagnostic ring. Appends never fail;
// the log is best-effort by contract.
type MessageLog interface {
	// Append records a diagnostic line for the job.
	Append(jobID, text string)

	// Tail returns up to n of the job's most recent messages, oldest first.
	Tail(jobID string, n int) []models.JobMessage
}

// LifecycleCoordinator owns the job state machine. It is the only writer of
// the record store; both RPC surfaces funnel their transitions through it.
type LifecycleCoordinator interface {
	// CreateQueued writes the initial QUEUED record.
	CreateQueued(ctx context.Context, record *models.JobRecord) error

	// MarkRunning transitions QUEUED → RUNNING at dispatch, stamping
	// dequeued_at and execution_started_at.
	MarkRunning(ctx context.Context, jobID string) (*models.JobRecord, error)

	// Cancel transitions QUEUED or RUNNING → CANCELLED.
	Cancel(ctx context.Context, jobID, detail string) (*models.JobRecord, error)

	// MarkFailed transitions a non-terminal record to FAILED with detail.
	MarkFailed(ctx context.Context, jobID, detail string) (*models.JobRecord, error)

	// ApplyReport commits a worker's execution report: terminal status,
	// merged timestamps, result pointer on success. Idempotent for
	// duplicate reports; late reports against CANCELLED records are
	// recorded without changing status.
	ApplyReport(ctx context.Context, report models.ExecutionReport) (*models.JobRecord, error)

	// SweepTimeouts transitions RUNNING records whose execution deadline
	// passed to TIMEOUT, returning how many records were swept.
	SweepTimeouts(ctx context.Context, now time.Time) (int, error)
}

// JobManager is the orchestration surface the RPC handlers call into.
type JobManager interface {
	// SubmitJob admits, persists, and enqueues a job, returning its id.
	SubmitJob(ctx context.Context, token string, req models.SubmitRequest) (string, error)

	// CancelJob cancels a queued or running job owned by the token.
	CancelJob(ctx context.Context, token, jobID string) error

	// GetJobStatus returns the record and its recent diagnostic messages.
	GetJobStatus(ctx context.Context, token, jobID string) (*models.JobRecord, []models.JobMessage, error)

	// GetJobResult returns the record plus, for COMPLETED jobs, a presigned
	// download URL for the result blob.
	GetJobResult(ctx context.Context, token, jobID string) (*models.JobRecord, *models.SignedURL, error)

	// GetServiceStatus resolves one backend through the catalog.
	GetServiceStatus(ctx context.Context, token, backend string) (models.BackendStatus, error)

	// ListBackends returns the whole catalog.
	ListBackends(ctx context.Context, token string) ([]models.BackendStatus, error)

	// AssignNextJob blocks for the backend's next dispatchable job and
	// returns it with a presigned result-upload URL.
	AssignNextJob(ctx context.Context, backend string) (*models.Assignment, error)

	// ReportExecutionResult commits a worker's report.
	ReportExecutionResult(ctx context.Context, report models.ExecutionReport) (*models.JobRecord, error)

	// RefreshUploadURL re-issues the result-upload URL while RUNNING.
	RefreshUploadURL(ctx context.Context, jobID string) (*models.SignedURL, error)
}
