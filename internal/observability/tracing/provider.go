package tracing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the trace provider.
type Config struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	Environment      string
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

// NewProvider configures the global tracer provider and propagator.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (*sdktrace.TracerProvider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName(cfg.ServiceName)),
		semconv.ServiceVersion(strings.TrimSpace(cfg.ServiceVersion)),
		semconv.DeploymentEnvironment(strings.TrimSpace(cfg.Environment)),
	)

	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.NeverSample()),
		)
		otel.SetTracerProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.1
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("tracing initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
			zap.Float64("sampling_ratio", ratio),
		)
	}
	return provider, nil
}

// InjectHTTP propagates the span in ctx into outbound request headers.
func InjectHTTP(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

var sensitiveKeys = map[attribute.Key]struct{}{
	"credentials":  {},
	"password":     {},
	"secret":       {},
	"auth_token":   {},
	"message_body": {},
}

// SafeAttributes drops attributes that may carry credentials or message content.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := sensitiveKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

func newExporter(protocol, endpoint string) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		return otlptracehttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

func serviceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "smsgate"
	}
	return name
}
