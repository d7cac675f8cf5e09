package profile

import (
	"github.com/smallbiznis/slotbroker/internal/profile/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("profile.registry",
	fx.Provide(repository.Provide),
)
