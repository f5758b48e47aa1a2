// Package lifecycle owns the job state machine. Every record write in the
// scheduler funnels through the coordinator, which is what keeps the version
// chain intact when both RPC surfaces touch the same job.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/qflow/internal/common"
	"github.com/bobmcallan/qflow/internal/interfaces"
	"github.com/bobmcallan/qflow/internal/models"
)

// errReportAlreadyApplied marks a duplicate execution report. Not an error
// for the caller: the first report won and the record already says so.
var errReportAlreadyApplied = errors.New("execution report already applied")

// Coordinator implements the LifecycleCoordinator contract on top of the
// record store. Transitions are read→validate→conditional-write with one
// retry; losing twice surfaces CONCURRENT_MODIFICATION.
type Coordinator struct {
	jobs      interfaces.JobStore
	admission interfaces.AdmissionController
	messages  interfaces.MessageLog
	recordTTL time.Duration
	resultKey func(jobID string) string
	logger    *common.Logger
	now       func() time.Time
}

// NewCoordinator creates the coordinator. resultKey derives the object key a
// COMPLETED record's result_ref points at; it comes from the object store so
// key construction stays in one place.
func NewCoordinator(
	jobs interfaces.JobStore,
	admission interfaces.AdmissionController,
	messages interfaces.MessageLog,
	recordTTL time.Duration,
	resultKey func(jobID string) string,
	logger *common.Logger,
) *Coordinator {
	return &Coordinator{
		jobs:      jobs,
		admission: admission,
		messages:  messages,
		recordTTL: recordTTL,
		resultKey: resultKey,
		logger:    logger,
		now:       time.Now,
	}
}

var _ interfaces.LifecycleCoordinator = (*Coordinator)(nil)

// CreateQueued writes the initial QUEUED record at version 1.
func (c *Coordinator) CreateQueued(ctx context.Context, record *models.JobRecord) error {
	record.Status = models.JobStatusQueued
	record.StatusDetail = ""
	record.Version = 1
	record.Stamp(models.EventQueuedAt, c.now())

	if err := c.jobs.Create(ctx, record); err != nil {
		if errors.Is(err, interfaces.ErrJobExists) {
			// Job ids are generated, never reused; a collision is a bug.
			return common.WrapErr(common.KindInternal, err, "job id collision")
		}
		return common.WrapErr(common.KindInternal, err, "failed to persist job record")
	}

	c.messages.Append(record.JobID, fmt.Sprintf("job queued for backend %s", record.BackendCanonical))
	return nil
}

// MarkRunning transitions QUEUED → RUNNING at dispatch.
func (c *Coordinator) MarkRunning(ctx context.Context, jobID string) (*models.JobRecord, error) {
	at := c.now()
	record, prev, err := c.transition(ctx, jobID, func(record *models.JobRecord) error {
		if record.Status.IsTerminal() {
			return common.Ef(common.KindAlreadyTerminal, "job %s already finished as %s", jobID, record.Status)
		}
		if record.Status != models.JobStatusQueued {
			return common.Ef(common.KindIllegalTransition, "job %s is %s, not QUEUED", jobID, record.Status)
		}
		record.Status = models.JobStatusRunning
		record.StatusDetail = ""
		record.Stamp(models.EventDequeuedAt, at)
		// The worker's report overwrites this with its own start instant;
		// until then it anchors the timeout sweep.
		record.Stamp(models.EventExecutionStartedAt, at)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.afterTransition(prev, record, "job dispatched to worker")
	return record, nil
}

// Cancel transitions QUEUED or RUNNING → CANCELLED.
func (c *Coordinator) Cancel(ctx context.Context, jobID, detail string) (*models.JobRecord, error) {
	if detail == "" {
		detail = "cancelled by user"
	}
	at := c.now()
	record, prev, err := c.transition(ctx, jobID, func(record *models.JobRecord) error {
		if record.Status.IsTerminal() {
			return common.Ef(common.KindAlreadyTerminal, "job %s already finished as %s", jobID, record.Status)
		}
		c.finalize(record, models.JobStatusCancelled, detail, at)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.afterTransition(prev, record, detail)
	return record, nil
}

// MarkFailed transitions a non-terminal record to FAILED with detail.
func (c *Coordinator) MarkFailed(ctx context.Context, jobID, detail string) (*models.JobRecord, error) {
	if detail == "" {
		detail = common.DefaultDetail(common.KindInternal)
	}
	at := c.now()
	record, prev, err := c.transition(ctx, jobID, func(record *models.JobRecord) error {
		if record.Status.IsTerminal() {
			return common.Ef(common.KindAlreadyTerminal, "job %s already finished as %s", jobID, record.Status)
		}
		c.finalize(record, models.JobStatusFailed, detail, at)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.afterTransition(prev, record, detail)
	return record, nil
}

// ApplyReport commits a worker's execution report. Duplicate reports are
// idempotent; a report racing a cancellation is recorded on the CANCELLED
// record without flipping its status or exposing the uploaded artifact.
func (c *Coordinator) ApplyReport(ctx context.Context, report models.ExecutionReport) (*models.JobRecord, error) {
	mapped, ok := report.Status.JobStatus()
	if !ok {
		return nil, common.Ef(common.KindIllegalTransition, "unknown execution status %q", report.Status)
	}

	at := c.now()
	var late bool
	record, prev, err := c.transition(ctx, report.JobID, func(record *models.JobRecord) error {
		late = false
		switch {
		case record.Status == models.JobStatusCancelled:
			late = true
			record.LateReport = &models.LateReport{
				Status:       report.Status,
				Timestamps:   report.Timestamps,
				ExecVersions: report.ExecVersions,
				ReportedAt:   at,
			}
			return nil

		case record.Status == mapped:
			return errReportAlreadyApplied

		case record.Status.IsTerminal():
			return common.Ef(common.KindAlreadyTerminal, "job %s already finished as %s", report.JobID, record.Status)

		case record.Status != models.JobStatusRunning:
			return common.Ef(common.KindIllegalTransition, "job %s is %s; execution was never assigned", report.JobID, record.Status)
		}

		c.applyOutcome(record, report, mapped, at)
		return nil
	})
	if errors.Is(err, errReportAlreadyApplied) {
		c.logger.Debug().Str("job_id", report.JobID).Str("status", string(mapped)).Msg("Duplicate execution report ignored")
		return record, nil
	}
	if err != nil {
		return nil, err
	}

	if late {
		c.messages.Append(record.JobID, "late execution report recorded after cancellation")
		c.logger.Info().Str("job_id", record.JobID).Str("reported", string(report.Status)).Msg("Late report against cancelled job")
	} else {
		c.afterTransition(prev, record, fmt.Sprintf("execution finished: %s", record.Status))
	}
	return record, nil
}

// applyOutcome folds a report into a RUNNING record.
func (c *Coordinator) applyOutcome(record *models.JobRecord, report models.ExecutionReport, status models.JobStatus, at time.Time) {
	detail := ""
	switch status {
	case models.JobStatusFailed:
		detail = report.Error
		if detail == "" {
			detail = "execution failed"
		}
	case models.JobStatusTimeout:
		detail = report.Error
		if detail == "" {
			detail = "execution timed out"
		}
	}
	c.finalize(record, status, detail, at)

	// The worker is authoritative for the instants it measured.
	for _, event := range models.WorkerEvents {
		if v, ok := report.Timestamps[event]; ok {
			record.Stamp(event, v)
		}
	}

	record.ExecVersions = report.ExecVersions
	if report.ActualBackend != "" && report.ActualBackend != record.BackendCanonical {
		record.BackendExecuted = report.ActualBackend
	}

	if status == models.JobStatusCompleted {
		record.ResultRef = c.resultKey(record.JobID)
		if report.UploadedResult != nil {
			ur := *report.UploadedResult
			record.UploadedResult = &ur
		}
	}
}

// SweepTimeouts transitions RUNNING records whose execution deadline passed
// to TIMEOUT. Per-record races are fine: a record that finished while the
// sweep was looking at it just loses the CAS and is skipped.
func (c *Coordinator) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	records, err := c.jobs.ListByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return 0, common.WrapErr(common.KindInternal, err, "failed to list running jobs")
	}

	swept := 0
	for _, candidate := range records {
		timeout := candidate.Settings.Timeout()
		if timeout <= 0 {
			continue
		}
		started, ok := executionAnchor(candidate)
		if !ok || now.Before(started.Add(timeout)) {
			continue
		}

		record, prev, err := c.transition(ctx, candidate.JobID, func(record *models.JobRecord) error {
			if record.Status != models.JobStatusRunning {
				return common.Ef(common.KindIllegalTransition, "job %s no longer RUNNING", record.JobID)
			}
			c.finalize(record, models.JobStatusTimeout, "execution timed out", now)
			return nil
		})
		if err != nil {
			// The job finished or was cancelled mid-sweep.
			c.logger.Debug().Str("job_id", candidate.JobID).Err(err).Msg("Timeout sweep skipped job")
			continue
		}

		c.afterTransition(prev, record, "execution timed out")
		c.logger.Info().
			Str("job_id", record.JobID).
			Dur("timeout", timeout).
			Msg("Job timed out")
		swept++
	}

	return swept, nil
}

// executionAnchor returns the instant a RUNNING record's timeout counts from.
func executionAnchor(record *models.JobRecord) (time.Time, bool) {
	if at, ok := record.StampedAt(models.EventExecutionStartedAt); ok {
		return at, true
	}
	if at, ok := record.StampedAt(models.EventDequeuedAt); ok {
		return at, true
	}
	return time.Time{}, false
}

// finalize stamps the shared terminal-state fields.
func (c *Coordinator) finalize(record *models.JobRecord, status models.JobStatus, detail string, at time.Time) {
	record.Status = status
	record.StatusDetail = detail
	record.Stamp(models.EventFinishedAt, at)
	if c.recordTTL > 0 {
		record.ExpiresAt = at.Add(c.recordTTL).Unix()
	}
}

// afterTransition runs the post-write obligations: the admission slot is
// released exactly when the record crossed into a terminal state, and the
// message log gets its line. Both are best-effort; the record write has
// already succeeded.
func (c *Coordinator) afterTransition(prev models.JobStatus, record *models.JobRecord, msg string) {
	if !prev.IsTerminal() && record.Status.IsTerminal() {
		c.admission.Release(record.Role)
	}
	if msg != "" {
		c.messages.Append(record.JobID, msg)
	}
}

// transition runs one read→validate→mutate→conditional-write cycle, retrying
// once with a fresh read if the version raced. mutate sees a clone and must
// re-validate on retry, because the record may have moved underneath.
// Returns the written record and the status it transitioned from; on a
// mutate rejection it returns the record as read.
func (c *Coordinator) transition(ctx context.Context, jobID string, mutate func(*models.JobRecord) error) (*models.JobRecord, models.JobStatus, error) {
	for attempt := 0; ; attempt++ {
		record, err := c.load(ctx, jobID)
		if err != nil {
			return nil, "", err
		}

		next := record.Clone()
		if err := mutate(next); err != nil {
			return record, record.Status, err
		}
		next.Version = record.Version + 1

		err = c.jobs.Update(ctx, next, record.Version)
		if err == nil {
			return next, record.Status, nil
		}
		if errors.Is(err, interfaces.ErrVersionMismatch) {
			if attempt == 0 {
				continue
			}
			return nil, "", common.Ef(common.KindConcurrentModification, "job %s was modified concurrently", jobID)
		}
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, "", common.Ef(common.KindNotFound, "job %s not found", jobID)
		}
		return nil, "", common.WrapErr(common.KindInternal, err, "failed to write job record")
	}
}

func (c *Coordinator) load(ctx context.Context, jobID string) (*models.JobRecord, error) {
	record, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, common.Ef(common.KindNotFound, "job %s not found", jobID)
		}
		return nil, common.WrapErr(common.KindInternal, err, "failed to read job record")
	}
	return record, nil
}
