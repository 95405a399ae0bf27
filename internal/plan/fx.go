package plan

import (
	"github.com/smallbiznis/quota/internal/plan/repository"
	"github.com/smallbiznis/quota/internal/plan/resolver"
	"github.com/smallbiznis/quota/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.service",
	fx.Provide(repository.Provide),
	fx.Provide(resolver.New),
	fx.Provide(service.NewService),
	fx.Provide(service.NewCatalogSyncer),
	fx.Invoke(service.RegisterCatalogSync),
)
