package reconcile

import "go.uber.org/fx"

var Module = fx.Module("reconcile",
	fx.Provide(NewTenantDirectory),
	fx.Provide(NewSnapshotter),
	fx.Provide(NewMonthlyResetter),
)
