// Package jobmanager orchestrates the scheduler's two RPC surfaces. It owns
// no durable state of its own: admission quotas, the dispatch queue, the
// backend catalog, and the record lifecycle are each delegated to their
// service, and the manager sequences them.
package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
	"github.com/bobmcallan/qflow/internal/services/backend"
)

// messageTail bounds how many diagnostic lines a status query returns.
const messageTail = 64

// Manager implements both the user-facing submission operations and the
// worker-facing execution operations.
type Manager struct {
	tokens      interfaces.TokenResolver
	admission   interfaces.AdmissionController
	queue       interfaces.JobQueue
	catalog     interfaces.BackendCatalog
	coordinator interfaces.LifecycleCoordinator
	messages    interfaces.MessageLog
	storage     interfaces.StorageManager
	unify       bool
	logger      *common.Logger
}

// NewManager creates the orchestrator. The unify flag must match the
// catalog's so stored canonical names and queue keys agree.
func NewManager(
	tokens interfaces.TokenResolver,
	admission interfaces.AdmissionController,
	queue interfaces.JobQueue,
	catalog interfaces.BackendCatalog,
	coordinator interfaces.LifecycleCoordinator,
	messages interfaces.MessageLog,
	storage interfaces.StorageManager,
	unify bool,
	logger *common.Logger,
) *Manager {
	return &Manager{
		tokens:      tokens,
		admission:   admission,
		queue:       queue,
		catalog:     catalog,
		coordinator: coordinator,
		messages:    messages,
		storage:     storage,
		unify:       unify,
		logger:      logger,
	}
}

var _ interfaces.JobManager = (*Manager)(nil)

// loadRecord fetches a job record, classifying a missing id as NOT_FOUND.
func (m *Manager) loadRecord(ctx context.Context, jobID string) (*models.JobRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, common.E(common.KindNotFound, "job id is required")
	}
	record, err := m.storage.Jobs().Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, common.Ef(common.KindNotFound, "job %s not found", jobID)
		}
		return nil, common.WrapErr(common.KindInternal, err, "failed to read job record")
	}
	return record, nil
}

// loadOwnedRecord fetches a record and verifies the caller owns it. Ownership
// is by token name, not role: an admin token does not see other users' jobs.
func (m *Manager) loadOwnedRecord(ctx context.Context, info *models.TokenInfo, jobID string) (*models.JobRecord, error) {
	record, err := m.loadRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.TokenName != info.Name {
		return nil, common.Ef(common.KindUnauthorized, "job %s does not belong to %s", jobID, info.Name)
	}
	return record, nil
}

// RestoreState rebuilds in-memory dispatch state from the record store after
// a restart. RUNNING records are failed, since their workers report to a
// process that no longer exists; QUEUED records are re-admitted and
// re-enqueued oldest first. Runs before either surface starts listening.
func (m *Manager) RestoreState(ctx context.Context) error {
	running, err := m.storage.Jobs().ListByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, record := range running {
		// Restore the slot first so the terminal transition's release keeps
		// the counters balanced.
		m.admission.Restore(record.Role)
		if _, err := m.coordinator.MarkFailed(ctx, record.JobID, "scheduler restarted during execution"); err != nil {
			m.logger.Error().Str("job_id", record.JobID).Err(err).Msg("Failed to fail orphaned running job")
			m.admission.Release(record.Role)
		}
	}

	queued, err := m.storage.Jobs().ListByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued jobs: %w", err)
	}
	sort.Slice(queued, func(i, j int) bool {
		qi, _ := queued[i].StampedAt(models.EventQueuedAt)
		qj, _ := queued[j].StampedAt(models.EventQueuedAt)
		return qi.Before(qj)
	})

	requeued := 0
	for _, record := range queued {
		m.admission.Restore(record.Role)
		queuedAt, _ := record.StampedAt(models.EventQueuedAt)
		entry := models.QueueEntry{
			JobID:            record.JobID,
			BackendCanonical: m.dispatchQueue(record.BackendCanonical),
			Role:             record.Role,
			ProgramSizeBytes: record.ProgramSizeBytes,
			EnqueuedAt:       queuedAt,
		}
		if err := m.queue.Enqueue(entry); err != nil {
			if _, failErr := m.coordinator.MarkFailed(ctx, record.JobID, "queue full"); failErr != nil {
				m.logger.Error().Str("job_id", record.JobID).Err(failErr).Msg("Failed to fail unrestorable queued job")
				m.admission.Release(record.Role)
			}
			continue
		}
		requeued++
	}

	if len(running) > 0 || len(queued) > 0 {
		m.logger.Info().
			Int("requeued", requeued).
			Int("failed_running", len(running)).
			Msg("Restored scheduler state from record store")
	}
	return nil
}

// dispatchQueue maps a stored canonical backend name to the queue it is
// served from. Records written before a unification flip keep their stored
// name but dispatch through the unified queue.
func (m *Manager) dispatchQueue(canonical string) string {
	if m.unify {
		return backend.UnifiedBackendName
	}
	return canonical
}
