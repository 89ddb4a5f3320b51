package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments exported over OTLP.
type Metrics struct {
	smsAttempts     metric.Int64Counter
	ledgerEntries   metric.Int64Counter
	ledgerCost      metric.Int64Counter
	budgetDecisions metric.Int64Counter
	webhookAttempts metric.Int64Counter
	periodClosures  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "smsgate"
	}
	meter := provider.Meter(name)

	smsAttempts, err := meter.Int64Counter("smsgate_sms_attempts_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("smsgate_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	ledgerCost, err := meter.Int64Counter("smsgate_ledger_cost_units_total")
	if err != nil {
		return nil, err
	}
	budgetDecisions, err := meter.Int64Counter("smsgate_budget_decisions_total")
	if err != nil {
		return nil, err
	}
	webhookAttempts, err := meter.Int64Counter("smsgate_webhook_attempts_total")
	if err != nil {
		return nil, err
	}
	periodClosures, err := meter.Int64Counter("smsgate_period_closures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		smsAttempts:     smsAttempts,
		ledgerEntries:   ledgerEntries,
		ledgerCost:      ledgerCost,
		budgetDecisions: budgetDecisions,
		webhookAttempts: webhookAttempts,
		periodClosures:  periodClosures,
	}, nil
}

// RecordSMSAttempt counts terminal and retried send attempts.
func (m *Metrics) RecordSMSAttempt(ctx context.Context, provider, carrier, status, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("carrier", strings.TrimSpace(carrier)),
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.smsAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry increments ledger entry counts and accumulated cost.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, carrier, status string, totalCost int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("carrier", strings.TrimSpace(carrier)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
	if totalCost > 0 {
		m.ledgerCost.Add(ctx, totalCost, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordBudgetDecision(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.budgetDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordWebhookAttempt(ctx context.Context, eventType string, success bool) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "delivered"
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", status),
	)
	m.webhookAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPeriodClosure(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.periodClosures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":   {},
	"carrier":    {},
	"status":     {},
	"reason":     {},
	"outcome":    {},
	"event_type": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
