package payment

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/adpay-gateway/internal/common"
	"github.com/noah-isme/adpay-gateway/internal/obs"
)

// ErrUnknownProvider is returned when a provider name is not registered.
var ErrUnknownProvider = errors.New("payment: unknown provider")

// ErrStatusUnavailable is returned when a status poll could not reach the provider.
var ErrStatusUnavailable = errors.New("payment: provider status unavailable")

// CryptoCatalog exposes the read-only auxiliary queries of the crypto rail.
type CryptoCatalog interface {
	AvailableCurrencies(ctx context.Context) []string
	ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, bool)
}

// Service orchestrates invoice creation, status polling, cancellation and
// webhook intake on top of the provider registry.
type Service struct {
	Registry  *Registry
	Guard     *Guard
	Recorder  Recorder
	Scheduler ReconcileScheduler
	Replay    ReplayStore
	ReplayTTL time.Duration
	// WebhookBaseURL is the public base the crypto rail posts IPNs to.
	WebhookBaseURL string
	Logger         zerolog.Logger
}

var tracer = otel.Tracer("payment.Service")

// CreateInvoice selects the provider owning req.Currency and opens an
// invoice. Identical intents are deduplicated through the Guard when one is configured.
func (s *Service) CreateInvoice(ctx context.Context, req InvoiceRequest) PaymentResult {
	ctx, span := tracer.Start(ctx, "PaymentService.CreateInvoice")
	defer span.End()

	providerName := "none"
	result := "failed"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.String("payment.currency", string(req.Currency)),
			attribute.String("payment.invoice.result", result),
		)
		if obs.PaymentInvoiceTotal != nil {
			obs.PaymentInvoiceTotal.WithLabelValues(providerName, string(req.Currency), result).Inc()
		}
	}()

	provider, ok := s.Registry.Select(req.Currency)
	if !ok {
		result = "unsupported_currency"
		return Failed("Currency " + string(req.Currency) + " is not supported")
	}
	providerName = provider.Name()
	if req.Callbacks.WebhookURL == "" && s.WebhookBaseURL != "" {
		req.Callbacks.WebhookURL = WebhookURL(s.WebhookBaseURL, providerName)
	}
	logger := s.Logger.With().Str("provider", providerName).Int64("user_id", req.UserID).Logger()

	fp := ""
	if s.Guard != nil {
		fp = Fingerprint(req)
		cached, acquired, err := s.Guard.Acquire(ctx, fp)
		switch {
		case err != nil:
			// guard failures fall through to an unguarded call
			logger.Warn().Err(err).Msg("invoice guard unavailable")
			fp = ""
		case cached != nil:
			result = "reused"
			reused := *cached
			reused.AdditionalData = cloneData(cached.AdditionalData)
			reused.AdditionalData["reused"] = true
			return reused
		case !acquired:
			result = "in_flight"
			return Failed("invoice creation already in progress")
		}
	}

	res := provider.CreateInvoice(ctx, req)
	if fp != "" {
		if err := s.Guard.Release(context.WithoutCancel(ctx), fp, res); err != nil {
			logger.Warn().Err(err).Msg("invoice guard release failed")
		}
	}
	if !res.Success {
		span.SetStatus(codes.Error, res.ErrorMessage)
		logger.Warn().Str("error", res.ErrorMessage).Msg("invoice creation failed")
		return res
	}
	result = "success"
	span.SetAttributes(attribute.String("payment.id", res.PaymentID))
	logger.Info().Str("payment_id", res.PaymentID).Str("amount", req.Amount.String()).Msg("invoice created")

	if s.Recorder != nil {
		if _, _, err := s.Recorder.Record(ctx, Transition{
			Provider:   providerName,
			PaymentID:  res.PaymentID,
			Status:     StatusPending,
			Amount:     req.Amount,
			Currency:   string(req.Currency),
			Source:     "invoice",
			ObservedAt: time.Now().UTC(),
		}); err != nil {
			logger.Error().Err(err).Str("payment_id", res.PaymentID).Msg("record pending invoice failed")
		}
	}
	if s.Scheduler != nil {
		if err := s.Scheduler.ScheduleReconcile(ctx, providerName, res.PaymentID); err != nil {
			logger.Error().Err(err).Str("payment_id", res.PaymentID).Msg("schedule reconcile failed")
		}
	}
	return res
}

// PollStatus queries the provider for the current status and records it. The
// returned status is the effective one after the terminal-state rules apply.
func (s *Service) PollStatus(ctx context.Context, providerName, paymentID string) (Status, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.PollStatus")
	defer span.End()

	provider, ok := s.Registry.ByName(providerName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	span.SetAttributes(attribute.String("payment.provider", provider.Name()), attribute.String("payment.id", paymentID))

	if settled, ok := s.settledStatus(ctx, provider.Name(), paymentID); ok {
		span.SetAttributes(attribute.Bool("payment.settled", true))
		if obs.PaymentStatusPollTotal != nil {
			obs.PaymentStatusPollTotal.WithLabelValues(provider.Name(), "settled").Inc()
		}
		return settled, nil
	}

	var status Status
	if fetcher, ok := provider.(StatusFetcher); ok {
		fetched, err := fetcher.FetchStatus(ctx, paymentID)
		if err != nil {
			span.RecordError(err)
			if obs.PaymentStatusPollTotal != nil {
				obs.PaymentStatusPollTotal.WithLabelValues(provider.Name(), "unavailable").Inc()
			}
			return "", fmt.Errorf("%w: %v", ErrStatusUnavailable, err)
		}
		status = fetched
	} else {
		status = provider.GetPaymentStatus(ctx, paymentID)
	}
	if obs.PaymentStatusPollTotal != nil {
		obs.PaymentStatusPollTotal.WithLabelValues(provider.Name(), string(status)).Inc()
	}
	return s.record(ctx, Transition{
		Provider:   provider.Name(),
		PaymentID:  paymentID,
		Status:     status,
		Source:     "poll",
		ObservedAt: time.Now().UTC(),
	})
}

// settledStatus returns the stored status when it is already terminal, so a
// settled payment is answered without a remote call. Read errors fall through
// to a live poll.
func (s *Service) settledStatus(ctx context.Context, provider, paymentID string) (Status, bool) {
	reader, ok := s.Recorder.(StatusReader)
	if !ok {
		return "", false
	}
	stored, found, err := reader.Get(ctx, provider, paymentID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("provider", provider).Str("payment_id", paymentID).Msg("ledger read failed")
		return "", false
	}
	if !found || !stored.Status.IsTerminal() {
		return "", false
	}
	return stored.Status, true
}

// Cancel cancels an open payment. Providers without the capability report false.
func (s *Service) Cancel(ctx context.Context, providerName, paymentID string) (bool, error) {
	provider, ok := s.Registry.ByName(providerName)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	if !Cancel(ctx, provider, paymentID) {
		return false, nil
	}
	s.Logger.Info().Str("provider", provider.Name()).Str("payment_id", paymentID).Msg("payment cancelled")
	if _, err := s.record(ctx, Transition{
		Provider:   provider.Name(),
		PaymentID:  paymentID,
		Status:     StatusCancelled,
		Source:     "cancel",
		ObservedAt: time.Now().UTC(),
	}); err != nil {
		return true, err
	}
	return true, nil
}

// Crypto returns the crypto rail's auxiliary query surface when registered.
func (s *Service) Crypto() (CryptoCatalog, bool) {
	for _, p := range s.Registry.Providers() {
		if p.Kind() != KindCryptoInvoice {
			continue
		}
		if c, ok := p.(CryptoCatalog); ok {
			return c, true
		}
	}
	return nil, false
}

func (s *Service) record(ctx context.Context, t Transition) (Status, error) {
	if s.Recorder == nil {
		return t.Status, nil
	}
	status, outcome, err := s.Recorder.Record(ctx, t)
	if err != nil {
		return "", err
	}
	if outcome == RecordRejected {
		s.Logger.Warn().
			Str("provider", t.Provider).
			Str("payment_id", t.PaymentID).
			Str("stored_status", string(status)).
			Str("incoming_status", string(t.Status)).
			Str("source", t.Source).
			Msg("terminal status kept")
	}
	return status, nil
}

// WebhookOutcome classifies the result of a webhook delivery.
type WebhookOutcome string

const (
	WebhookApplied         WebhookOutcome = "applied"
	WebhookDuplicate       WebhookOutcome = "duplicate"
	WebhookIgnored         WebhookOutcome = "ignored"
	WebhookUnauthenticated WebhookOutcome = "unauthenticated"
	WebhookMalformed       WebhookOutcome = "malformed"
	WebhookForbidden       WebhookOutcome = "forbidden"
	WebhookUnknownProvider WebhookOutcome = "unknown_provider"
)

// WebhookDelivery is one inbound notification as received over HTTP.
type WebhookDelivery struct {
	Provider string
	Body     []byte
	// Header returns a request header value.
	Header func(name string) string
	Source netip.Addr
}

// WebhookReport is returned by ProcessWebhook.
type WebhookReport struct {
	Outcome WebhookOutcome
	Result  WebhookResult
	// Status is the stored status after the delivery was applied.
	Status Status
}

// ProcessWebhook authenticates a delivery, verifies it through the owning
// provider and records the resulting transition. The returned error is set
// only when the transition could not be persisted.
func (s *Service) ProcessWebhook(ctx context.Context, d WebhookDelivery) (WebhookReport, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.ProcessWebhook")
	defer span.End()

	name := strings.ToLower(strings.TrimSpace(d.Provider))
	report, err := s.processWebhook(ctx, name, d)
	span.SetAttributes(
		attribute.String("payment.provider", name),
		attribute.String("payment.webhook.outcome", string(report.Outcome)),
	)
	result := string(report.Outcome)
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger failure")
	}
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(name, result).Inc()
	}
	return report, err
}

func (s *Service) processWebhook(ctx context.Context, name string, d WebhookDelivery) (WebhookReport, error) {
	provider, ok := s.Registry.ByName(name)
	if !ok {
		return WebhookReport{Outcome: WebhookUnknownProvider}, nil
	}
	logger := s.Logger.With().Str("provider", provider.Name()).Logger()

	if filter, ok := provider.(SourceFilter); ok {
		if !d.Source.IsValid() || !filter.AllowSource(d.Source) {
			logger.Warn().Str("source", d.Source.String()).Msg("webhook from untrusted source")
			return WebhookReport{Outcome: WebhookForbidden}, nil
		}
	}
	if verifier, ok := provider.(SignatureVerifier); ok {
		header := ""
		if d.Header != nil {
			header = d.Header(verifier.SignatureHeader())
		}
		if !verifier.VerifyWebhookSignature(d.Body, header) {
			logger.Warn().Msg("webhook signature rejected")
			return WebhookReport{
				Outcome: WebhookUnauthenticated,
				Result:  rejectWebhook(ErrInvalidSignature, "Invalid webhook signature"),
			}, nil
		}
	}

	res := provider.VerifyWebhook(ctx, d.Body)
	if !res.Valid {
		outcome := WebhookUnauthenticated
		switch {
		case errors.Is(res.Err, ErrUnhandledEvent):
			outcome = WebhookIgnored
		case errors.Is(res.Err, ErrMalformedPayload):
			outcome = WebhookMalformed
		}
		logger.Info().Str("outcome", string(outcome)).Str("reason", res.ErrorMessage).Msg("webhook not applied")
		return WebhookReport{Outcome: outcome, Result: res}, nil
	}
	if strings.TrimSpace(res.PaymentID) == "" {
		return WebhookReport{Outcome: WebhookMalformed, Result: rejectWebhook(ErrMalformedPayload, "payment id missing")}, nil
	}

	replayKey := ""
	if s.Replay != nil && s.ReplayTTL > 0 {
		key := fmt.Sprintf("wh:%s:%s", provider.Name(), common.Sha256Hex(string(d.Body)))
		fresh, err := s.Replay.SetNX(ctx, key, "1", s.ReplayTTL).Result()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("webhook replay store unavailable")
		case !fresh:
			return WebhookReport{Outcome: WebhookDuplicate, Result: res, Status: res.Status}, nil
		default:
			replayKey = key
		}
	}

	status := res.Status
	if s.Recorder != nil {
		stored, outcome, err := s.Recorder.Record(ctx, Transition{
			Provider:      provider.Name(),
			PaymentID:     res.PaymentID,
			Status:        res.Status,
			Amount:        res.Amount,
			Currency:      res.Currency,
			TransactionID: res.TransactionID,
			Source:        "webhook",
			ObservedAt:    time.Now().UTC(),
		})
		if err != nil {
			if replayKey != "" {
				// let the provider's redelivery through
				_ = s.Replay.Del(context.WithoutCancel(ctx), replayKey).Err()
			}
			logger.Error().Err(err).Str("payment_id", res.PaymentID).Msg("record webhook transition failed")
			return WebhookReport{Outcome: WebhookApplied, Result: res}, err
		}
		status = stored
		if outcome != RecordApplied {
			logger.Info().Str("payment_id", res.PaymentID).Str("record", string(outcome)).Msg("webhook transition already known")
			return WebhookReport{Outcome: WebhookDuplicate, Result: res, Status: status}, nil
		}
	}
	logger.Info().
		Str("payment_id", res.PaymentID).
		Str("status", string(status)).
		Str("amount", res.Amount.String()).
		Str("currency", res.Currency).
		Msg("webhook applied")
	return WebhookReport{Outcome: WebhookApplied, Result: res, Status: status}, nil
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
