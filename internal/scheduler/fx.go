package scheduler

import (
	"context"

	"github.com/smallbiznis/quota/internal/reconcile"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	reconcile.Module,
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Register),
)

func Register(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sched.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sched.Stop(ctx)
		},
	})
}
