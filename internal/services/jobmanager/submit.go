package jobmanager

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/models"
)

// SubmitJob admits, persists, and enqueues a job. The slot reserved here is
// held until the record reaches a terminal status; every failure path past
// the reservation releases it.
func (m *Manager) SubmitJob(ctx context.Context, token string, req models.SubmitRequest) (string, error) {
	info, err := m.tokens.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	role := models.ParseRole(info.Role)

	status, err := m.catalog.Resolve(ctx, req.Backend)
	if err != nil {
		return "", err
	}
	if !status.DispatchEligible() {
		return "", common.Ef(common.KindBackendUnavailable, "backend %s is %s", req.Backend, status.Status)
	}

	size := int64(len(req.Program))
	if err := m.admission.TryReserve(role, size); err != nil {
		return "", err
	}

	jobID, err := newJobID()
	if err != nil {
		m.admission.Release(role)
		return "", common.WrapErr(common.KindInternal, err, "failed to generate job id")
	}

	tags := map[string]string{
		"token_role": string(role),
		"save_job":   strconv.FormatBool(req.SaveJob),
	}
	programRef, err := m.storage.Objects().PutProgram(ctx, jobID, req.Program, tags)
	if err != nil {
		m.admission.Release(role)
		return "", common.WrapErr(common.KindInternal, err, "failed to store program payload")
	}

	now := time.Now().UTC()
	record := &models.JobRecord{
		JobID:            jobID,
		TokenName:        info.Name,
		Role:             role,
		SDKVersion:       req.SDKVersion,
		BackendRequested: req.Backend,
		BackendCanonical: status.Canonical,
		ProgramRef:       programRef,
		ProgramSizeBytes: size,
		Settings:         req.Settings,
		SaveJob:          req.SaveJob,
	}
	record.Stamp(models.EventSubmittedAt, now)

	if err := m.coordinator.CreateQueued(ctx, record); err != nil {
		m.admission.Release(role)
		m.deleteProgram(jobID)
		return "", err
	}

	entry := models.QueueEntry{
		JobID:            jobID,
		BackendCanonical: status.Canonical,
		Role:             role,
		ProgramSizeBytes: size,
		EnqueuedAt:       now,
	}
	if err := m.queue.Enqueue(entry); err != nil {
		// The record already exists, so fail it through the coordinator; the
		// terminal transition releases the admission slot.
		if _, failErr := m.coordinator.MarkFailed(ctx, jobID, "queue full"); failErr != nil {
			m.logger.Error().Str("job_id", jobID).Err(failErr).Msg("Failed to fail queue-rejected job")
			m.admission.Release(role)
		}
		m.deleteProgram(jobID)
		return "", err
	}

	m.logger.Info().
		Str("job_id", jobID).
		Str("backend", req.Backend).
		Str("canonical", status.Canonical).
		Str("role", string(role)).
		Int64("bytes", size).
		Str("sdk_version", req.SDKVersion).
		Msg("Job submitted")
	return jobID, nil
}

// CancelJob cancels a queued or running job owned by the caller.
func (m *Manager) CancelJob(ctx context.Context, token, jobID string) error {
	info, err := m.tokens.Resolve(ctx, token)
	if err != nil {
		return err
	}
	record, err := m.loadOwnedRecord(ctx, info, jobID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return common.Ef(common.KindAlreadyTerminal, "job %s already finished as %s", jobID, record.Status)
	}

	// Remove the queue entry first so no worker picks the job up mid-cancel.
	// A miss means a worker already took it; the record transition below is
	// still authoritative and a racing dispatch will observe CANCELLED.
	dropped := m.queue.Drop(jobID)
	if _, err := m.coordinator.Cancel(ctx, jobID, "cancelled by user"); err != nil {
		return err
	}

	m.logger.Info().Str("job_id", jobID).Bool("was_queued", dropped).Msg("Job cancelled")
	return nil
}

// GetJobStatus returns the record and its recent diagnostic messages.
func (m *Manager) GetJobStatus(ctx context.Context, token, jobID string) (*models.JobRecord, []models.JobMessage, error) {
	info, err := m.tokens.Resolve(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	record, err := m.loadOwnedRecord(ctx, info, jobID)
	if err != nil {
		return nil, nil, err
	}
	return record, m.messages.Tail(jobID, messageTail), nil
}

// GetJobResult returns the record plus, for COMPLETED jobs, a presigned
// download URL. Results reported after a cancellation are never exposed.
func (m *Manager) GetJobResult(ctx context.Context, token, jobID string) (*models.JobRecord, *models.SignedURL, error) {
	info, err := m.tokens.Resolve(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	record, err := m.loadOwnedRecord(ctx, info, jobID)
	if err != nil {
		return nil, nil, err
	}
	if record.Status != models.JobStatusCompleted {
		return record, nil, nil
	}
	download, err := m.storage.Objects().PresignResultDownload(ctx, jobID)
	if err != nil {
		return nil, nil, common.WrapErr(common.KindInternal, err, "failed to presign result download")
	}
	return record, download, nil
}

// GetServiceStatus resolves one backend through the catalog. The catalog is
// re-read per call so operator edits take effect without a restart.
func (m *Manager) GetServiceStatus(ctx context.Context, token, backendName string) (models.BackendStatus, error) {
	if _, err := m.tokens.Resolve(ctx, token); err != nil {
		return models.BackendStatus{}, err
	}
	return m.catalog.Resolve(ctx, backendName)
}

// ListBackends returns the catalog's current view of every backend.
func (m *Manager) ListBackends(ctx context.Context, token string) ([]models.BackendStatus, error) {
	if _, err := m.tokens.Resolve(ctx, token); err != nil {
		return nil, err
	}
	return m.catalog.All(ctx)
}

// deleteProgram best-effort removes an uploaded program during submission
// rollback. Runs on a fresh context: the caller's may already be cancelled
// and the cleanup must still be attempted.
func (m *Manager) deleteProgram(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.storage.Objects().DeleteProgram(ctx, jobID); err != nil {
		m.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to delete uploaded program")
	}
}

// newJobID returns a time-ordered job identifier. UUIDv7 keeps ids sortable
// by submission time without a shared sequence.
func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
