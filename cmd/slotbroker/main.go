package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbroker/internal/clock"
	"github.com/smallbiznis/slotbroker/internal/config"
	"github.com/smallbiznis/slotbroker/internal/migration"
	"github.com/smallbiznis/slotbroker/internal/observability"
	"github.com/smallbiznis/slotbroker/internal/poolmetrics"
	"github.com/smallbiznis/slotbroker/internal/scheduler"
	"github.com/smallbiznis/slotbroker/internal/server"
	"github.com/smallbiznis/slotbroker/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// server.Module brings every domain service along with the routes
		server.Module,

		poolmetrics.Module,
		fx.Provide(func(s *poolmetrics.Snapshotter) scheduler.PoolSnapshotter { return s }),
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
