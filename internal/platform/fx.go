package platform

import (
	"github.com/smallbiznis/slotbroker/internal/cache"
	"github.com/smallbiznis/slotbroker/internal/platform/repository"
	"github.com/smallbiznis/slotbroker/internal/platform/service"
	"go.uber.org/fx"
)

var Module = fx.Module("platform.service",
	cache.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
