package tracing

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("provider", "airtel-ga"),
		attribute.String("password", "x"),
		attribute.String("message_body", "hello"),
	)
	if len(attrs) != 1 || attrs[0].Key != "provider" {
		t.Fatalf("expected only provider attribute, got %v", attrs)
	}
}

func TestNewProviderDisabledUsesNeverSampler(t *testing.T) {
	provider, err := NewProvider(nil, Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, span := provider.Tracer("test").Start(t.Context(), "noop")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Fatalf("expected unsampled span when tracing is disabled")
	}
}
