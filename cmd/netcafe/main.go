package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/netcafe/internal/audit"
	"github.com/smallbiznis/netcafe/internal/billing"
	"github.com/smallbiznis/netcafe/internal/broadcast"
	"github.com/smallbiznis/netcafe/internal/clock"
	"github.com/smallbiznis/netcafe/internal/command"
	"github.com/smallbiznis/netcafe/internal/config"
	"github.com/smallbiznis/netcafe/internal/device"
	"github.com/smallbiznis/netcafe/internal/heartbeat"
	"github.com/smallbiznis/netcafe/internal/lock"
	"github.com/smallbiznis/netcafe/internal/member"
	"github.com/smallbiznis/netcafe/internal/migration"
	"github.com/smallbiznis/netcafe/internal/observability"
	"github.com/smallbiznis/netcafe/internal/orchestrator"
	"github.com/smallbiznis/netcafe/internal/rate"
	"github.com/smallbiznis/netcafe/internal/ratelimit"
	"github.com/smallbiznis/netcafe/internal/redisclient"
	"github.com/smallbiznis/netcafe/internal/scheduler"
	"github.com/smallbiznis/netcafe/internal/seed"
	"github.com/smallbiznis/netcafe/internal/server"
	"github.com/smallbiznis/netcafe/internal/session"
	"github.com/smallbiznis/netcafe/pkg/db"
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
		redisclient.Module,
		clock.Module,
		lock.Module,
		heartbeat.Module,
		broadcast.Module,

		// Floor domains
		rate.Module,
		device.Module,
		member.Module,
		billing.Module,
		session.Module,
		command.Module,
		audit.Module,
		orchestrator.Module,

		ratelimit.Module,
		scheduler.Module,
		seed.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
