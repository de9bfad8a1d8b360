package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/billforge/internal/notification"
	"github.com/smallbiznis/billforge/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(
		func(r *webhook.Reconciler) SubscriptionSyncer { return r },
		func(n *notification.Notifier) Reminder { return n },
	),
	fx.Provide(New),
)

// CronModule starts the cron trigger with the application. Binaries that
// only serve HTTP leave it out.
var CronModule = fx.Module("scheduler.cron",
	fx.Provide(NewCron),
	fx.Invoke(RegisterCron),
)

func RegisterCron(lc fx.Lifecycle, c *cron.Cron, cfg Config, log *zap.Logger) {
	if !cfg.Enabled {
		log.Named("scheduler").Info("scheduler disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			log.Named("scheduler").Info("scheduler started", zap.String("schedule", cfg.Cron))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
}
