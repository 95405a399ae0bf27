package counter

import "go.uber.org/fx"

var Module = fx.Module("usage.counter",
	fx.Provide(Provide),
)
