package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/quota/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Adapters  *adapters.Registry
	Processor paymentdomain.Processor
}

type Service struct {
	log       *zap.Logger
	adapters  *adapters.Registry
	processor paymentdomain.Processor
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:       p.Log.Named("payment.webhook"),
		adapters:  p.Adapters,
		processor: p.Processor,
	}
}

// Ingest verifies a raw delivery with the provider's adapter and hands the
// parsed event to the processor.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if len(payload) == 0 {
		return paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		}
		return err
	}
	if event.Provider == "" {
		event.Provider = provider
	}

	if s.processor == nil {
		return errors.New("payment_processor_unavailable")
	}
	return s.processor.Process(ctx, event)
}
