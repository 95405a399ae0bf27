package usage

import (
	"github.com/smallbiznis/quota/internal/usage/counter"
	"github.com/smallbiznis/quota/internal/usage/repository"
	"github.com/smallbiznis/quota/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	counter.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
