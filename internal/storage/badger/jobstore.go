package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// JobStore implements the record store on BadgerHold. Compare-and-set runs
// inside a badger read-write transaction; a serialization conflict means a
// concurrent writer won, which is exactly a version mismatch.
type JobStore struct {
	store  *Store
	logger *common.Logger
}

// NewJobStore creates a job record store backed by the given Store.
func NewJobStore(store *Store, logger *common.Logger) *JobStore {
	return &JobStore{store: store, logger: logger}
}

var _ interfaces.JobStore = (*JobStore)(nil)

// Create writes a brand-new record, failing with ErrJobExists when the
// job_id is already present.
func (s *JobStore) Create(_ context.Context, record *models.JobRecord) error {
	err := s.store.db.Insert(record.JobID, *record)
	if err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return interfaces.ErrJobExists
		}
		return fmt.Errorf("failed to create job record %s: %w", record.JobID, err)
	}

	s.logger.Debug().Str("job_id", record.JobID).Msg("Job record created")
	return nil
}

// Get fetches a record by job id.
func (s *JobStore) Get(_ context.Context, jobID string) (*models.JobRecord, error) {
	var record models.JobRecord
	err := s.store.db.Get(jobID, &record)
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job record %s: %w", jobID, err)
	}
	return &record, nil
}

// Update writes the record conditional on the stored version still being
// expectedVersion.
func (s *JobStore) Update(_ context.Context, record *models.JobRecord, expectedVersion int64) error {
	err := s.store.db.Badger().Update(func(txn *badgerdb.Txn) error {
		var current models.JobRecord
		if err := s.store.db.TxGet(txn, record.JobID, &current); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return interfaces.ErrJobNotFound
			}
			return err
		}
		if current.Version != expectedVersion {
			return interfaces.ErrVersionMismatch
		}
		return s.store.db.TxUpdate(txn, record.JobID, *record)
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrConflict) {
			return interfaces.ErrVersionMismatch
		}
		if errors.Is(err, interfaces.ErrVersionMismatch) || errors.Is(err, interfaces.ErrJobNotFound) {
			return err
		}
		return fmt.Errorf("failed to update job record %s: %w", record.JobID, err)
	}
	return nil
}

// ListByStatus returns all records currently in the given status.
func (s *JobStore) ListByStatus(_ context.Context, status models.JobStatus) ([]*models.JobRecord, error) {
	var found []models.JobRecord
	if err := s.store.db.Find(&found, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list job records by status %s: %w", status, err)
	}

	records := make([]*models.JobRecord, len(found))
	for i := range found {
		records[i] = &found[i]
	}
	return records, nil
}

// Close closes the underlying store.
func (s *JobStore) Close() error {
	return s.store.Close()
}
