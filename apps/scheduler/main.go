package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	"github.com/smallbiznis/billforge/internal/invoice"
	"github.com/smallbiznis/billforge/internal/lock"
	"github.com/smallbiznis/billforge/internal/notification"
	"github.com/smallbiznis/billforge/internal/observability"
	"github.com/smallbiznis/billforge/internal/payment"
	"github.com/smallbiznis/billforge/internal/plan"
	"github.com/smallbiznis/billforge/internal/providers"
	"github.com/smallbiznis/billforge/internal/scheduler"
	"github.com/smallbiznis/billforge/internal/subscription"
	"github.com/smallbiznis/billforge/internal/usage"
	"github.com/smallbiznis/billforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		providers.Module,

		// Domain services required by scheduler
		plan.Module,
		subscription.Module,
		usage.Module,
		invoice.Module,
		payment.Module,
		notification.Module,
		scheduler.Module,

		// No server module!
		scheduler.CronModule,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
