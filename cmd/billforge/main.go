package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	"github.com/smallbiznis/billforge/internal/invoice"
	"github.com/smallbiznis/billforge/internal/lock"
	"github.com/smallbiznis/billforge/internal/migration"
	"github.com/smallbiznis/billforge/internal/notification"
	"github.com/smallbiznis/billforge/internal/observability"
	"github.com/smallbiznis/billforge/internal/payment"
	"github.com/smallbiznis/billforge/internal/plan"
	"github.com/smallbiznis/billforge/internal/providers"
	"github.com/smallbiznis/billforge/internal/ratelimit"
	"github.com/smallbiznis/billforge/internal/scheduler"
	"github.com/smallbiznis/billforge/internal/server"
	"github.com/smallbiznis/billforge/internal/subscription"
	"github.com/smallbiznis/billforge/internal/usage"
	"github.com/smallbiznis/billforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		providers.Module,

		// Functional Domains
		plan.Module,
		subscription.Module,
		usage.Module,
		invoice.Module,
		payment.Module,
		notification.Module,
		scheduler.Module,

		// Surfaces
		ratelimit.Module,
		server.Module,
		scheduler.CronModule,
	)
	app.Run()
}

// RegisterSnowflake builds the id generator. NODE_ID must differ between
// instances sharing a database.
func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID, err := strconv.ParseInt(getenv("NODE_ID", "1"), 10, 64)
	if err != nil {
		return nil, err
	}
	return snowflake.NewNode(nodeID)
}

func getenv(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}
