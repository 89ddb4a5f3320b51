package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/smsgate/internal/budget"
	"github.com/smallbiznis/smsgate/internal/clock"
	"github.com/smallbiznis/smsgate/internal/closure"
	"github.com/smallbiznis/smsgate/internal/config"
	"github.com/smallbiznis/smsgate/internal/dispatch"
	"github.com/smallbiznis/smsgate/internal/ledger"
	"github.com/smallbiznis/smsgate/internal/migration"
	"github.com/smallbiznis/smsgate/internal/observability"
	"github.com/smallbiznis/smsgate/internal/phone"
	"github.com/smallbiznis/smsgate/internal/provider"
	"github.com/smallbiznis/smsgate/internal/ratelimit"
	"github.com/smallbiznis/smsgate/internal/scheduler"
	"github.com/smallbiznis/smsgate/internal/server"
	"github.com/smallbiznis/smsgate/internal/webhook"
	"github.com/smallbiznis/smsgate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Domains
		phone.Module,
		provider.Module,
		ledger.Module,
		budget.Module,
		webhook.Module,
		dispatch.Module,
		closure.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
