package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// NewCron builds the trigger that calls RunScheduled on the configured
// schedule. Overlapping ticks are skipped while a previous tick still runs.
func NewCron(s *Scheduler, log *zap.Logger) (*cron.Cron, error) {
	cronLog := cronLogger{log: log.Named("scheduler.cron")}
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(s.cfg.Cron, func() { s.tick(context.Background()) }); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Scheduler) tick(ctx context.Context) {
	results, err := s.RunScheduled(ctx)
	if err != nil {
		s.log.Warn("scheduled run failed", zap.Error(err))
	}
	if len(results) > 0 {
		s.log.Debug("scheduled run finished", zap.Int("jobs", len(results)))
	}
}

type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
