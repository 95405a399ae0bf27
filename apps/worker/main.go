package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/audit"
	"github.com/smallbiznis/quota/internal/cache"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/events"
	"github.com/smallbiznis/quota/internal/observability"
	"github.com/smallbiznis/quota/internal/plan"
	"github.com/smallbiznis/quota/internal/scheduler"
	"github.com/smallbiznis/quota/internal/subscription"
	"github.com/smallbiznis/quota/internal/usage"
	"github.com/smallbiznis/quota/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		clock.Module,
		events.Module,

		// Domain services required by the reconciliation jobs
		audit.Module,
		subscription.Module,
		plan.Module,
		usage.Module,
		scheduler.Module,

		// No server module!
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
