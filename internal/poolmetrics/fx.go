package poolmetrics

import "go.uber.org/fx"

var Module = fx.Module("pool.metrics",
	fx.Provide(NewGauges),
	fx.Provide(NewPusher),
	fx.Provide(NewSnapshotter),
)
