// Package interfaces defines the scheduler's service and storage contracts
package interfaces

import (
	"context"
	"errors"

	"github.com/bobmcallan/qflow/internal/models"
)

// Sentinel errors storage implementations translate their backend failures to.
var (
	// ErrJobNotFound means no record exists for the job_id.
	ErrJobNotFound = errors.New("job record not found")

	// ErrJobExists means a Create hit an existing job_id.
	ErrJobExists = errors.New("job record already exists")

	// ErrVersionMismatch means a conditional write lost the version race.
	ErrVersionMismatch = errors.New("job record version mismatch")
)

// JobStore is the durable record store gateway. It is the single source of
// truth for job state; implementations must not cache records.
type JobStore interface {
	// Create writes a brand-new record, failing with ErrJobExists if the
	// job_id is already present.
	Create(ctx context.Context, record *models.JobRecord) error

	// Get fetches a record with a strongly consistent read. Returns
	// ErrJobNotFound when absent.
	Get(ctx context.Context, jobID string) (*models.JobRecord, error)

	// Update writes the record conditional on the stored version still
	// being expectedVersion. Returns ErrVersionMismatch when the condition
	// fails.
	Update(ctx context.Context, record *models.JobRecord, expectedVersion int64) error

	// ListByStatus returns all records currently in the given status.
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.JobRecord, error)

	// Close releases the underlying store.
	Close() error
}

// ObjectStore mediates program and result blobs through an external object
// store. Keys are derived from the job_id; callers never build keys.
type ObjectStore interface {
	// PutProgram uploads the program payload and returns its object key.
	PutProgram(ctx context.Context, jobID string, program []byte, tags map[string]string) (string, error)

	// GetProgram fetches the program payload for dispatch.
	GetProgram(ctx context.Context, jobID string) ([]byte, error)

	// DeleteProgram removes an uploaded program (admission rollback).
	DeleteProgram(ctx context.Context, jobID string) error

	// ResultKey returns the object key a worker's result lands under.
	ResultKey(jobID string) string

	// PresignResultUpload issues a time-limited PUT URL for the result key.
	PresignResultUpload(ctx context.Context, jobID string) (*models.SignedURL, error)

	// PresignResultDownload issues a time-limited GET URL for the result key.
	PresignResultDownload(ctx context.Context, jobID string) (*models.SignedURL, error)

	// TagResult applies object tags to an uploaded result, best-effort.
	TagResult(ctx context.Context, jobID string, tags map[string]string) error
}

// ParameterStore provides startup configuration fetched from an external
// parameter service (bucket name, table name, backend catalog document).
type ParameterStore interface {
	// GetParameter fetches a decrypted parameter value by name.
	GetParameter(ctx context.Context, name string) (string, error)
}

// StorageManager aggregates the scheduler's storage gateways.
type StorageManager interface {
	Jobs() JobStore
	Objects() ObjectStore
	Params() ParameterStore
	Close() error
}
