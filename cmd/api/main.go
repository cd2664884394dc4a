package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/adpay-gateway/internal/app"
	"github.com/noah-isme/adpay-gateway/internal/common"
	"github.com/noah-isme/adpay-gateway/internal/config"
	"github.com/noah-isme/adpay-gateway/internal/health"
	"github.com/noah-isme/adpay-gateway/internal/obs"
	"github.com/noah-isme/adpay-gateway/internal/payment"
	"github.com/noah-isme/adpay-gateway/internal/ratelimit"
	"github.com/noah-isme/adpay-gateway/internal/resilience"
	"github.com/noah-isme/adpay-gateway/internal/security"
)

const apiBodyLimit = 64 << 10

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	resilience.MustRegisterMetrics(cfg.MetricsNamespace, nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:   "adpay-gateway",
		Endpoint:      cfg.TracingEndpoint,
		Exporter:      cfg.TracingExporter,
		SamplingRatio: cfg.TracingRatio,
		Environment:   cfg.AppEnv,
		Providers:     configuredProviders(cfg),
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()
	if err := redisotel.InstrumentMetrics(deps.Redis); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	for name, ok := range cfg.ConfiguredProviders() {
		if !ok {
			logger.Warn().Str("provider", name).Msg("payment provider has no credentials")
		}
	}

	invoiceLimiter, err := ratelimit.NewRedisLimiter(deps.Redis, "rl:invoice", cfg.RateLimitInvoices, cfg.RateLimitWindow)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	limit := ratelimit.Handler{
		Limiter: invoiceLimiter,
		Key:     ratelimit.ByInvoiceUser,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}

	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	paymentHandler := payment.NewHandler(deps.Service)
	paymentHandler.Idempotent = idem.Middleware
	trustedProxies, err := payment.ParsePrefixes(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse TRUSTED_PROXIES")
	}
	webhookHandler := payment.Webhook{Svc: deps.Service, TrustForwarded: cfg.TrustForwarded, TrustedProxies: trustedProxies}

	probes := make([]health.Prober, 0, len(deps.Providers))
	providerNames := make([]string, 0, len(deps.Providers))
	for _, p := range deps.Providers {
		probes = append(probes, p)
		providerNames = append(providerNames, p.Name())
	}
	healthHandler := health.Handler{
		Checker:          health.RedisChecker{Client: deps.Redis},
		Providers:        probes,
		ProviderTimeout:  cfg.HealthTimeout,
		RequireProviders: cfg.ReadinessRequireRail,
	}

	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBuckets), nil).WithProviders(providerNames...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(obs.TracingMiddleware)
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: cfg.AppEnv == "production", TrustForwarded: cfg.TrustForwarded}.Middleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Post("/webhooks/payment/{provider}", webhookHandler.Handle)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins(cfg),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key"},
			ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			MaxAge:         300,
		}))
		v.Use(security.BodyLimit{Max: apiBodyLimit}.Middleware)
		paymentHandler.Register(v, limit.Middleware)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      payment.PaymentCallTimeout + 15*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown(srv, logger)
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func shutdown(srv *http.Server, logger zerolog.Logger) {
	health.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func configuredProviders(cfg *config.Config) []string {
	var names []string
	for name, ok := range cfg.ConfiguredProviders() {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
