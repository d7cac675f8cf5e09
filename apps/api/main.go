package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbroker/internal/account"
	"github.com/smallbiznis/slotbroker/internal/allocation"
	"github.com/smallbiznis/slotbroker/internal/audit"
	"github.com/smallbiznis/slotbroker/internal/clock"
	"github.com/smallbiznis/slotbroker/internal/config"
	"github.com/smallbiznis/slotbroker/internal/observability"
	"github.com/smallbiznis/slotbroker/internal/platform"
	"github.com/smallbiznis/slotbroker/internal/profile"
	"github.com/smallbiznis/slotbroker/internal/ratelimit"
	"github.com/smallbiznis/slotbroker/internal/server"
	"github.com/smallbiznis/slotbroker/internal/subscription"
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

		platform.Module,
		profile.Module,
		account.Module,
		allocation.Module,
		subscription.Module,
		audit.Module,
		ratelimit.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterAPIRoutes()
			s.RegisterAdminRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
