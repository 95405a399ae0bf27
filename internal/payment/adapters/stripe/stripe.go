package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/config"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const providerName = "stripe"

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

// NewAdapter returns nil when no webhook secret is configured.
func NewAdapter(cfg config.StripeConfig) *Adapter {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Adapter{webhookSecret: secret, tolerance: tolerance}
}

func (a *Adapter) Provider() string {
	return providerName
}

func (a *Adapter) Parse(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.ExternalEvent, error) {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, paymentdomain.ErrInvalidSignature
		}
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.ExternalEvent{
		ID:         event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Payload:    payload,
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Metadata = session.Metadata
		if session.Customer != nil {
			out.CustomerRef = session.Customer.ID
		}
		if session.Subscription != nil {
			out.SubscriptionRef = session.Subscription.ID
		}
	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.Metadata = sub.Metadata
		out.SubscriptionRef = sub.ID
		if sub.Customer != nil {
			out.CustomerRef = sub.Customer.ID
		}
	default:
		// Other event types are still marked processed so redeliveries stay cheap.
		return out, nil
	}

	out.TenantID = parseTenantID(out.Metadata)
	out.Plan = strings.ToLower(strings.TrimSpace(out.Metadata[paymentdomain.MetadataPlan]))
	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func parseTenantID(metadata map[string]string) snowflake.ID {
	raw := strings.TrimSpace(metadata[paymentdomain.MetadataTenantID])
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}
