package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string
	// TrustForwarded honours X-Forwarded-For when resolving client addresses.
	TrustForwarded bool
	// TrustedProxies lists the reverse proxy ranges skipped in X-Forwarded-For.
	TrustedProxies []string
	// WebhookBaseURL is the public base URL providers call back on.
	WebhookBaseURL string

	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	TracingExporter  string
	TracingEndpoint  string
	TracingRatio     float64

	Yookassa    YookassaConfig
	Stripe      StripeConfig
	NOWPayments NOWPaymentsConfig

	PaymentTimeout       time.Duration
	HealthTimeout        time.Duration
	BreakerMinRequests   int
	BreakerFailureRatio  float64
	BreakerOpenFor       time.Duration
	InvoiceInflightTTL   time.Duration
	InvoiceReuseTTL      time.Duration
	WebhookReplayTTL     time.Duration
	LedgerTTL            time.Duration
	IdempotencyTTL       time.Duration
	RateLimitInvoices    int64
	RateLimitWindow      time.Duration
	ReconcileEnabled     bool
	ReconcileFirstDelay  time.Duration
	ReconcileBaseDelay   time.Duration
	ReconcileMaxDelay    time.Duration
	ReconcileWindow      time.Duration
	ReconcileQueue       string
	WorkerConcurrency    int
	ReadinessRequireRail bool
}

// YookassaConfig carries card-redirect rail settings.
type YookassaConfig struct {
	ShopID          string
	SecretKey       string
	BaseURL         string
	ReturnURL       string
	TrustedNetworks []string
}

// StripeConfig carries hosted-checkout rail settings.
type StripeConfig struct {
	SecretKey          string
	WebhookSecret      string
	BaseURL            string
	SuccessURL         string
	CancelURL          string
	SignatureTolerance time.Duration
}

// NOWPaymentsConfig carries crypto-invoice rail settings.
type NOWPaymentsConfig struct {
	APIKey    string
	IPNSecret string
	BaseURL   string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		TrustForwarded:     parseBool(k.String("TRUST_FORWARDED")),
		TrustedProxies:     splitAndTrim(k.String("TRUSTED_PROXIES")),
		WebhookBaseURL:     strings.TrimRight(strings.TrimSpace(k.String("WEBHOOK_BASE_URL")), "/"),

		LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "adpay"),
		MetricsBuckets:   k.String("OBS_HTTP_BUCKETS_MS"),
		TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "none"),
		TracingEndpoint:  k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingRatio:     parseFloat(k.String("OBS_TRACING_SAMPLE_RATIO"), 0.1),

		Yookassa: YookassaConfig{
			ShopID:          strings.TrimSpace(k.String("YOOKASSA_SHOP_ID")),
			SecretKey:       strings.TrimSpace(k.String("YOOKASSA_SECRET_KEY")),
			BaseURL:         k.String("YOOKASSA_API_URL"),
			ReturnURL:       k.String("YOOKASSA_RETURN_URL"),
			TrustedNetworks: splitAndTrim(k.String("YOOKASSA_TRUSTED_NETWORKS")),
		},
		Stripe: StripeConfig{
			SecretKey:          strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),
			WebhookSecret:      strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
			BaseURL:            k.String("STRIPE_API_URL"),
			SuccessURL:         k.String("STRIPE_SUCCESS_URL"),
			CancelURL:          k.String("STRIPE_CANCEL_URL"),
			SignatureTolerance: parseDuration(k.String("STRIPE_SIGNATURE_TOLERANCE"), "5m"),
		},
		NOWPayments: NOWPaymentsConfig{
			APIKey:    strings.TrimSpace(k.String("NOWPAYMENTS_API_KEY")),
			IPNSecret: strings.TrimSpace(k.String("NOWPAYMENTS_IPN_SECRET")),
			BaseURL:   k.String("NOWPAYMENTS_API_URL"),
		},

		PaymentTimeout:       parseDuration(k.String("PAYMENT_TIMEOUT"), "30s"),
		HealthTimeout:        parseDuration(k.String("PAYMENT_HEALTH_TIMEOUT"), "10s"),
		BreakerMinRequests:   parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		BreakerFailureRatio:  parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:       parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		InvoiceInflightTTL:   parseDuration(k.String("INVOICE_INFLIGHT_TTL"), "35s"),
		InvoiceReuseTTL:      parseDuration(k.String("INVOICE_REUSE_TTL"), "15m"),
		WebhookReplayTTL:     parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),
		LedgerTTL:            parseDuration(k.String("LEDGER_TTL"), "2160h"),
		IdempotencyTTL:       parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitInvoices:    int64(parseInt(k.String("RATE_LIMIT_INVOICES"), 10)),
		RateLimitWindow:      parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		ReconcileEnabled:     parseBoolDefault(k.String("RECONCILE_ENABLED"), true),
		ReconcileFirstDelay:  parseDuration(k.String("RECONCILE_FIRST_DELAY"), "1m"),
		ReconcileBaseDelay:   parseDuration(k.String("RECONCILE_BASE_DELAY"), "30s"),
		ReconcileMaxDelay:    parseDuration(k.String("RECONCILE_MAX_DELAY"), "15m"),
		ReconcileWindow:      parseDuration(k.String("RECONCILE_WINDOW"), "24h"),
		ReconcileQueue:       valueOrDefault(k.String("RECONCILE_QUEUE"), "reconcile"),
		WorkerConcurrency:    parseInt(k.String("WORKER_CONCURRENCY"), 10),
		ReadinessRequireRail: parseBool(k.String("READINESS_REQUIRE_PROVIDERS")),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.WebhookBaseURL == "" {
		return nil, errors.New("WEBHOOK_BASE_URL is required")
	}
	if cfg.RateLimitInvoices <= 0 {
		return nil, errors.New("RATE_LIMIT_INVOICES must be positive")
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// ConfiguredProviders reports which rails have credentials.
func (c *Config) ConfiguredProviders() map[string]bool {
	return map[string]bool{
		"yookassa":    c.Yookassa.ShopID != "" && c.Yookassa.SecretKey != "",
		"stripe":      c.Stripe.SecretKey != "",
		"nowpayments": c.NOWPayments.APIKey != "",
	}
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
