package obs

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// webhookSpanPrefix matches the root span the HTTP middleware opens for
// inbound payment notifications.
const webhookSpanPrefix = "POST /webhooks/payment/"

// TracingConfig controls tracer provider initialisation.
type TracingConfig struct {
	ServiceName string
	Endpoint    string
	// Exporter is "otlp" or "none".
	Exporter string
	// SamplingRatio applies to ordinary root spans. Webhook intake is always
	// sampled. Values outside [0,1] mean 1.
	SamplingRatio float64
	Environment   string
	// Providers are the payment rails served, recorded on the resource.
	Providers []string
}

// InitTracer installs the global tracer provider and propagators and returns
// its shutdown function. Exporter "none" keeps the no-op provider.
func InitTracer(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	var (
		spanExporter sdktrace.SpanExporter
		err          error
	)
	switch exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter)); exporter {
	case "none", "off":
		return noop, nil
	case "", "otlp":
		var opts []otlptracehttp.Option
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
		}
		spanExporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := tracingResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(NewSampler(cfg.SamplingRatio))),
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func tracingResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "adpay-gateway"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	}
	if len(cfg.Providers) > 0 {
		attrs = append(attrs, attribute.StringSlice("payment.providers", cfg.Providers))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}
	return res, nil
}

// NewSampler samples webhook intake root spans unconditionally and other
// root spans by trace id ratio.
func NewSampler(ratio float64) sdktrace.Sampler {
	if ratio < 0 || ratio > 1 {
		ratio = 1
	}
	return webhookSampler{ratio: sdktrace.TraceIDRatioBased(ratio)}
}

type webhookSampler struct {
	ratio sdktrace.Sampler
}

func (s webhookSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if strings.HasPrefix(p.Name, webhookSpanPrefix) {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.RecordAndSample,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return s.ratio.ShouldSample(p)
}

func (s webhookSampler) Description() string {
	return "WebhookSampler{" + s.ratio.Description() + "}"
}
