package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/slotbroker/internal/config"
	"github.com/smallbiznis/slotbroker/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, policy *config.AllocationPolicyHolder, node *snowflake.Node, log *zap.Logger) error {
		if cfg.MigrateOnStart {
			if err := Apply(conn); err != nil {
				return err
			}
			log.Info("migrations.applied")
		}

		if cfg.SeedCatalog {
			result, err := seed.EnsureCatalog(context.Background(), conn, node, policy.Catalog())
			if err != nil {
				return err
			}
			log.Info("seed.catalog.applied",
				zap.Int("platform_count", result.Platforms),
				zap.Int("offer_count", result.Offers),
			)
		}
		return nil
	}),
)
