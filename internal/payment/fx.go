package payment

import (
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/payment/adapters"
	"github.com/smallbiznis/quota/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
	"github.com/smallbiznis/quota/internal/payment/repository"
	paymentservice "github.com/smallbiznis/quota/internal/payment/service"
	"github.com/smallbiznis/quota/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config, log *zap.Logger) *adapters.Registry {
		var registered []paymentdomain.Adapter
		if adapter := stripe.NewAdapter(cfg.Stripe); adapter != nil {
			registered = append(registered, adapter)
		} else {
			log.Warn("stripe webhook secret not configured, stripe deliveries will be rejected")
		}
		return adapters.NewRegistry(registered...)
	}),
	fx.Provide(paymentservice.NewProcessor),
	fx.Provide(webhook.NewService),
)
