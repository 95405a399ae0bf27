package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/config"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
)

const testSecret = "whsec_test"

func TestNewAdapterRequiresSecret(t *testing.T) {
	if adapter := NewAdapter(config.StripeConfig{}); adapter != nil {
		t.Fatalf("expected nil adapter without secret")
	}
	adapter := NewAdapter(config.StripeConfig{WebhookSecret: testSecret})
	if adapter == nil {
		t.Fatalf("expected adapter")
	}
	if adapter.tolerance <= 0 {
		t.Fatalf("expected default tolerance, got %s", adapter.tolerance)
	}
}

func TestParseRejectsBadSignature(t *testing.T) {
	adapter := NewAdapter(config.StripeConfig{WebhookSecret: testSecret})
	payload := mustJSON(t, map[string]any{
		"id":      "evt_sig",
		"object":  "event",
		"type":    "checkout.session.completed",
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": map[string]any{"id": "cs_1"}},
	})

	if _, err := adapter.Parse(context.Background(), payload, http.Header{}); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature without header, got %v", err)
	}

	headers := http.Header{}
	headers.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, time.Now().Unix()))
	if _, err := adapter.Parse(context.Background(), payload, headers); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	stale := time.Now().Add(-time.Hour).Unix()
	headers.Set("Stripe-Signature", buildStripeSignatureHeader(testSecret, payload, stale))
	if _, err := adapter.Parse(context.Background(), payload, headers); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected stale signature to be rejected, got %v", err)
	}
}

func TestParseEvents(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	tenantID := node.Generate()
	created := time.Now().UTC().Unix()

	tests := []struct {
		name       string
		event      map[string]any
		wantType   string
		wantTenant snowflake.ID
		wantPlan   string
		wantSubRef string
		wantCusRef string
	}{{
		name: "checkout.session.completed",
		event: map[string]any{
			"id":      "evt_checkout",
			"object":  "event",
			"type":    "checkout.session.completed",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":           "cs_1",
					"object":       "checkout.session",
					"customer":     "cus_1",
					"subscription": "sub_1",
					"metadata": map[string]any{
						"tenant_id": tenantID.String(),
						"plan":      "Pro",
					},
				},
			},
		},
		wantType:   paymentdomain.EventTypeCheckoutCompleted,
		wantTenant: tenantID,
		wantPlan:   "pro",
		wantSubRef: "sub_1",
		wantCusRef: "cus_1",
	}, {
		name: "customer.subscription.deleted without metadata",
		event: map[string]any{
			"id":      "evt_deleted",
			"object":  "event",
			"type":    "customer.subscription.deleted",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":       "sub_2",
					"object":   "subscription",
					"customer": "cus_2",
				},
			},
		},
		wantType:   paymentdomain.EventTypeSubscriptionDeleted,
		wantSubRef: "sub_2",
		wantCusRef: "cus_2",
	}, {
		name: "unhandled type",
		event: map[string]any{
			"id":      "evt_other",
			"object":  "event",
			"type":    "invoice.paid",
			"created": created,
			"data":    map[string]any{"object": map[string]any{"id": "in_1"}},
		},
		wantType: "invoice.paid",
	}}

	adapter := NewAdapter(config.StripeConfig{WebhookSecret: testSecret})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := mustJSON(t, tt.event)
			headers := http.Header{}
			headers.Set("Stripe-Signature", buildStripeSignatureHeader(testSecret, payload, time.Now().Unix()))

			got, err := adapter.Parse(context.Background(), payload, headers)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Type != tt.wantType {
				t.Fatalf("expected type %s, got %s", tt.wantType, got.Type)
			}
			if got.Provider != "stripe" {
				t.Fatalf("expected provider stripe, got %s", got.Provider)
			}
			if got.TenantID != tt.wantTenant {
				t.Fatalf("expected tenant %s, got %s", tt.wantTenant, got.TenantID)
			}
			if got.Plan != tt.wantPlan {
				t.Fatalf("expected plan %q, got %q", tt.wantPlan, got.Plan)
			}
			if got.SubscriptionRef != tt.wantSubRef {
				t.Fatalf("expected subscription ref %q, got %q", tt.wantSubRef, got.SubscriptionRef)
			}
			if got.CustomerRef != tt.wantCusRef {
				t.Fatalf("expected customer ref %q, got %q", tt.wantCusRef, got.CustomerRef)
			}
			if got.OccurredAt.Unix() != created {
				t.Fatalf("expected occurred_at %d, got %d", created, got.OccurredAt.Unix())
			}
		})
	}
}

func TestParseInvalidTenantMetadata(t *testing.T) {
	adapter := NewAdapter(config.StripeConfig{WebhookSecret: testSecret})
	payload := mustJSON(t, map[string]any{
		"id":      "evt_bad_tenant",
		"object":  "event",
		"type":    "checkout.session.completed",
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       "cs_2",
				"object":   "checkout.session",
				"metadata": map[string]any{"tenant_id": "not-a-number", "plan": "pro"},
			},
		},
	})
	headers := http.Header{}
	headers.Set("Stripe-Signature", buildStripeSignatureHeader(testSecret, payload, time.Now().Unix()))

	got, err := adapter.Parse(context.Background(), payload, headers)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.TenantID != 0 {
		t.Fatalf("expected zero tenant for invalid metadata, got %s", got.TenantID)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return payload
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
