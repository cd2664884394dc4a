package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/adpay-gateway/internal/common"
)

// MaxWebhookBody caps the size of an inbound notification.
const MaxWebhookBody = 1 << 20

// ReplayStore remembers webhook bodies that were already accepted.
type ReplayStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Webhook handles payment provider callbacks on /webhooks/payment/{provider}.
type Webhook struct {
	Svc *Service
	// TrustForwarded honours X-Forwarded-For when resolving the sender address.
	TrustForwarded bool
	// TrustedProxies are skipped when walking X-Forwarded-For from the right.
	TrustedProxies []netip.Prefix
}

// Handle reads the raw body, hands it to the service and maps the outcome to
// an HTTP status. Unhandled events are acknowledged with 202 so the provider
// stops redelivering them.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Svc.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook body too large", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	source, _ := common.ClientAddr(r, h.TrustForwarded, h.TrustedProxies...)

	report, err := h.Svc.ProcessWebhook(r.Context(), WebhookDelivery{
		Provider: chi.URLParam(r, "provider"),
		Body:     body,
		Header:   r.Header.Get,
		Source:   source,
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "LEDGER_ERROR", "unable to record payment status", nil)
		return
	}

	switch report.Outcome {
	case WebhookApplied, WebhookDuplicate:
		common.JSON(w, http.StatusOK, map[string]any{
			"status":    string(report.Status),
			"paymentId": report.Result.PaymentID,
			"duplicate": report.Outcome == WebhookDuplicate,
		})
	case WebhookIgnored:
		common.JSON(w, http.StatusAccepted, map[string]any{"ignored": true, "reason": report.Result.ErrorMessage})
	case WebhookUnknownProvider:
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
	case WebhookForbidden:
		common.JSONError(w, http.StatusForbidden, "SOURCE_NOT_ALLOWED", "webhook source not allowed", nil)
	case WebhookMalformed:
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", report.Result.ErrorMessage, nil)
	default:
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
	}
}
