package scheduler

import (
	"context"
	"fmt"

	"github.com/smallbiznis/billforge/pkg/db"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// claim takes ownership of (job, period). A fresh row is inserted on first
// use. An existing row is taken over only when its last attempt ended in
// partial failure or went stale while running; the attempt counter guards
// the takeover. retryOnly lists the units that failed last time, or is nil
// when the whole period must run.
func (s *Scheduler) claim(ctx context.Context, jobName, periodKey string) (*BillingJobRun, map[string]bool, error) {
	now := s.clock.Now().UTC()
	run := &BillingJobRun{
		ID:        s.genID.Generate(),
		JobName:   jobName,
		PeriodKey: periodKey,
		Status:    JobRunRunning,
		Attempt:   1,
		Errors:    datatypes.NewJSONType([]JobError{}),
		StartedAt: now,
	}
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO billing_job_runs (id, job_name, period_key, status, attempt, processed, errors, started_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		run.ID,
		run.JobName,
		run.PeriodKey,
		run.Status,
		run.Attempt,
		run.Errors,
		run.StartedAt,
	).Error
	if err == nil {
		return run, nil, nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return nil, nil, fmt.Errorf("claim %s %s: %w", jobName, periodKey, err)
	}

	existing, err := s.FindRun(ctx, jobName, periodKey)
	if err != nil {
		return nil, nil, err
	}
	if existing == nil {
		return nil, nil, ErrJobAlreadyRun
	}

	switch existing.Status {
	case JobRunCompleted:
		return nil, nil, ErrJobAlreadyRun
	case JobRunRunning:
		if now.Sub(existing.StartedAt) < s.cfg.StaleAfter {
			return nil, nil, ErrJobAlreadyRun
		}
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE billing_job_runs
		 SET status = ?, attempt = attempt + 1, started_at = ?, completed_at = NULL
		 WHERE id = ? AND attempt = ? AND status = ?`,
		JobRunRunning,
		now,
		existing.ID,
		existing.Attempt,
		existing.Status,
	)
	if res.Error != nil {
		return nil, nil, fmt.Errorf("reclaim %s %s: %w", jobName, periodKey, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil, ErrJobAlreadyRun
	}

	var retryOnly map[string]bool
	if existing.Status == JobRunPartialFailure {
		retryOnly = map[string]bool{}
		for _, failure := range existing.Errors.Data() {
			if failure.Unit == retryAll {
				retryOnly = nil
				break
			}
			retryOnly[failure.Unit] = true
		}
	}

	existing.Status = JobRunRunning
	existing.Attempt++
	existing.StartedAt = now
	existing.CompletedAt = nil
	s.logger(ctx).Info("scheduler.job.reclaimed",
		zap.String("job", jobName),
		zap.String("period_key", periodKey),
		zap.Int("attempt", existing.Attempt),
		zap.Int("retry_units", len(retryOnly)),
	)
	return existing, retryOnly, nil
}

// FindRun returns the recorded run for a job period, or nil.
func (s *Scheduler) FindRun(ctx context.Context, jobName, periodKey string) (*BillingJobRun, error) {
	var run BillingJobRun
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, job_name, period_key, status, attempt, processed, errors, started_at, completed_at
		 FROM billing_job_runs
		 WHERE job_name = ? AND period_key = ?`,
		jobName,
		periodKey,
	).Scan(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

// finish records the outcome of the attempt that owns the run.
func (s *Scheduler) finish(ctx context.Context, run *BillingJobRun, result JobResult) error {
	errs := result.Errors
	if errs == nil {
		errs = []JobError{}
	}
	now := s.clock.Now().UTC()
	err := s.db.WithContext(context.WithoutCancel(ctx)).Exec(
		`UPDATE billing_job_runs
		 SET status = ?, processed = ?, errors = ?, completed_at = ?
		 WHERE id = ? AND attempt = ?`,
		result.Status,
		result.Processed,
		datatypes.NewJSONType(errs),
		now,
		run.ID,
		run.Attempt,
	).Error
	if err != nil {
		return fmt.Errorf("finish %s %s: %w", run.JobName, run.PeriodKey, err)
	}
	return nil
}
