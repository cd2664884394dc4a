// Package app assembles the clients and services shared by the API and the
// reconciliation worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/adpay-gateway/internal/config"
	"github.com/noah-isme/adpay-gateway/internal/ledger"
	"github.com/noah-isme/adpay-gateway/internal/lock"
	"github.com/noah-isme/adpay-gateway/internal/payment"
	"github.com/noah-isme/adpay-gateway/internal/reconcile"
	"github.com/noah-isme/adpay-gateway/internal/resilience"
)

// Dependencies enumerates the wiring shared across both binaries.
type Dependencies struct {
	Redis      *redis.Client
	TaskRedis  asynq.RedisConnOpt
	TaskClient *asynq.Client
	Providers  []payment.Provider
	Registry   *payment.Registry
	Ledger     *ledger.Redis
	Scheduler  *reconcile.Scheduler
	Locker     *lock.Locker
	Service    *payment.Service
}

// Build connects to Redis and constructs the payment service.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	rdb, err := NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{Redis: rdb}

	providers, err := NewProviders(cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	registry, err := payment.NewRegistry(providers...)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("build provider registry: %w", err)
	}
	deps.Providers = providers
	deps.Registry = registry
	deps.Ledger = ledger.NewRedis(rdb, "ledger:", cfg.LedgerTTL)
	deps.Locker = &lock.Locker{R: rdb, Prefix: "lock:"}

	svc := &payment.Service{
		Registry:       registry,
		Guard:          payment.NewGuard(rdb, cfg.InvoiceInflightTTL, cfg.InvoiceReuseTTL),
		Recorder:       deps.Ledger,
		Replay:         rdb,
		ReplayTTL:      cfg.WebhookReplayTTL,
		WebhookBaseURL: cfg.WebhookBaseURL,
		Logger:         logger.With().Str("component", "payment").Logger(),
	}

	if cfg.ReconcileEnabled {
		opt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("parse task redis url: %w", err)
		}
		deps.TaskRedis = opt
		deps.TaskClient = asynq.NewClient(opt)
		deps.Scheduler = reconcile.NewScheduler(deps.TaskClient, reconcile.Policy{
			FirstDelay: cfg.ReconcileFirstDelay,
			BaseDelay:  cfg.ReconcileBaseDelay,
			MaxDelay:   cfg.ReconcileMaxDelay,
			Window:     cfg.ReconcileWindow,
			Jitter:     0.1,
			Queue:      cfg.ReconcileQueue,
		})
		svc.Scheduler = deps.Scheduler
	}
	deps.Service = svc
	return deps, nil
}

// NewRedis parses url, instruments the client and verifies connectivity.
func NewRedis(ctx context.Context, url string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewProviders constructs the three rails, each behind its own breaker.
func NewProviders(cfg *config.Config, logger zerolog.Logger) ([]payment.Provider, error) {
	networks, err := payment.ParsePrefixes(cfg.Yookassa.TrustedNetworks)
	if err != nil {
		return nil, fmt.Errorf("parse YOOKASSA_TRUSTED_NETWORKS: %w", err)
	}
	client := func(name string) *resilience.HTTPClient {
		breaker := resilience.NewBreaker(name, resilience.BreakerConfig{
			MinRequests:  cfg.BreakerMinRequests,
			FailureRatio: cfg.BreakerFailureRatio,
			OpenFor:      cfg.BreakerOpenFor,
		}).WithLogger(logger)
		return resilience.NewHTTPClient(cfg.PaymentTimeout, breaker)
	}
	providers := []payment.Provider{
		payment.NewYookassa(payment.YookassaConfig{
			ShopID:          cfg.Yookassa.ShopID,
			SecretKey:       cfg.Yookassa.SecretKey,
			BaseURL:         cfg.Yookassa.BaseURL,
			ReturnURL:       cfg.Yookassa.ReturnURL,
			TrustedNetworks: networks,
		}, client(payment.YookassaName), logger),
		payment.NewStripe(payment.StripeConfig{
			SecretKey:          cfg.Stripe.SecretKey,
			WebhookSecret:      cfg.Stripe.WebhookSecret,
			BaseURL:            cfg.Stripe.BaseURL,
			SuccessURL:         cfg.Stripe.SuccessURL,
			CancelURL:          cfg.Stripe.CancelURL,
			SignatureTolerance: cfg.Stripe.SignatureTolerance,
		}, client(payment.StripeName), logger),
		payment.NewNOWPayments(payment.NOWPaymentsConfig{
			APIKey:         cfg.NOWPayments.APIKey,
			IPNSecret:      cfg.NOWPayments.IPNSecret,
			BaseURL:        cfg.NOWPayments.BaseURL,
			IPNCallbackURL: payment.WebhookURL(cfg.WebhookBaseURL, payment.NOWPaymentsName),
		}, client(payment.NOWPaymentsName), logger),
	}
	return providers, nil
}

// Close releases the task client and Redis connection.
func (d *Dependencies) Close() error {
	var errs []error
	if d.TaskClient != nil {
		errs = append(errs, d.TaskClient.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}
