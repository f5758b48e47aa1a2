package jobmanager

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/models"
)

// AssignNextJob blocks until the backend's queue yields a dispatchable job,
// then returns it with its program payload and a presigned result-upload URL.
// Entries whose record was cancelled between enqueue and take are skipped.
func (m *Manager) AssignNextJob(ctx context.Context, backendName string) (*models.Assignment, error) {
	status, err := m.catalog.Resolve(ctx, backendName)
	if err != nil {
		return nil, err
	}

	for {
		entry, err := m.queue.Take(ctx, status.Canonical)
		if err != nil {
			return nil, err
		}

		record, err := m.coordinator.MarkRunning(ctx, entry.JobID)
		if err != nil {
			switch common.KindOf(err) {
			case common.KindAlreadyTerminal, common.KindIllegalTransition, common.KindNotFound:
				// Cancelled or otherwise finished while queued. The entry is
				// consumed and never re-enqueued.
				m.logger.Debug().Str("job_id", entry.JobID).Err(err).Msg("Skipping undispatchable queue entry")
				continue
			}
			return nil, err
		}

		program, err := m.storage.Objects().GetProgram(ctx, entry.JobID)
		if err != nil {
			if ctx.Err() != nil {
				m.failDispatch(entry.JobID, "dispatch interrupted")
				return nil, ctx.Err()
			}
			m.failDispatch(entry.JobID, "program payload unavailable")
			continue
		}

		upload, err := m.storage.Objects().PresignResultUpload(ctx, entry.JobID)
		if err != nil {
			if ctx.Err() != nil {
				m.failDispatch(entry.JobID, "dispatch interrupted")
				return nil, ctx.Err()
			}
			m.failDispatch(entry.JobID, "could not issue result upload url")
			continue
		}

		m.logger.Info().
			Str("job_id", entry.JobID).
			Str("worker_backend", backendName).
			Str("requested_backend", record.BackendRequested).
			Msg("Job assigned")
		return &models.Assignment{
			JobID:    record.JobID,
			Backend:  record.BackendRequested,
			Role:     record.Role,
			Program:  program,
			Settings: record.Settings,
			Upload:   *upload,
		}, nil
	}
}

// ReportExecutionResult commits a worker's final report through the
// lifecycle coordinator. Completed results get their object tagged so bucket
// lifecycle rules can tell finished uploads from abandoned ones.
func (m *Manager) ReportExecutionResult(ctx context.Context, report models.ExecutionReport) (*models.JobRecord, error) {
	if strings.TrimSpace(report.JobID) == "" {
		return nil, common.E(common.KindNotFound, "job id is required")
	}
	record, err := m.coordinator.ApplyReport(ctx, report)
	if err != nil {
		return nil, err
	}

	if record.Status == models.JobStatusCompleted {
		m.tagResult(record)
	}
	m.logger.Info().
		Str("job_id", report.JobID).
		Str("reported", string(report.Status)).
		Str("status", string(record.Status)).
		Msg("Execution result recorded")
	return record, nil
}

// RefreshUploadURL re-issues the result-upload URL for a RUNNING job whose
// original presign expired mid-execution.
func (m *Manager) RefreshUploadURL(ctx context.Context, jobID string) (*models.SignedURL, error) {
	record, err := m.loadRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		return nil, common.Ef(common.KindAlreadyTerminal, "job %s already finished as %s", jobID, record.Status)
	}
	if record.Status != models.JobStatusRunning {
		return nil, common.Ef(common.KindIllegalTransition, "job %s is %s, not RUNNING", jobID, record.Status)
	}
	upload, err := m.storage.Objects().PresignResultUpload(ctx, jobID)
	if err != nil {
		return nil, common.WrapErr(common.KindInternal, err, "failed to presign result upload")
	}
	m.messages.Append(jobID, "result upload url refreshed")
	return upload, nil
}

// failDispatch finalizes a job that was marked RUNNING but could not be
// handed to a worker. Runs on a fresh context; the dispatch RPC's is gone.
func (m *Manager) failDispatch(jobID, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.coordinator.MarkFailed(ctx, jobID, detail); err != nil {
		m.logger.Error().Str("job_id", jobID).Str("detail", detail).Err(err).Msg("Failed to finalize undispatchable job")
	}
}

// tagResult marks a completed upload on the result object, best-effort.
func (m *Manager) tagResult(record *models.JobRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tags := map[string]string{
		"upload-status": "complete",
		"token_role":    string(record.Role),
		"save_job":      strconv.FormatBool(record.SaveJob),
	}
	if err := m.storage.Objects().TagResult(ctx, record.JobID, tags); err != nil {
		m.logger.Warn().Str("job_id", record.JobID).Err(err).Msg("Failed to tag result object")
	}
}
