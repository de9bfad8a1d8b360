package scheduler

import (
	"context"
	"time"

	obslogger "github.com/smallbiznis/billforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billforge/internal/observability/metrics"
	"go.uber.org/zap"
)

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *BillingJobRun, retryUnits int) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("period_key", run.PeriodKey),
		zap.String("run_id", run.ID.String()),
		zap.Int("attempt", run.Attempt),
		zap.Int("retry_units", retryUnits),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, result JobResult, duration time.Duration) {
	fields := []zap.Field{
		zap.String("period_key", result.PeriodKey),
		zap.String("status", string(result.Status)),
		zap.Int("attempt", result.Attempt),
		zap.Int("processed", result.Processed),
		zap.Int("errors", len(result.Errors)),
		zap.Int64("duration_ms", duration.Milliseconds()),
	}
	log := s.logger(ctx)
	if len(result.Errors) > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logUnitError(ctx context.Context, u unit, err error) {
	s.logger(ctx).Error("scheduler.unit.failed",
		zap.String("unit", u.key),
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Error(err),
	)
}
