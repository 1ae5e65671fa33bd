package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("pool", "purchased"),
		attribute.String("document_id", "456"),
	)
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(attrs))
	}
	if attrs[0].Key != "pool" {
		t.Fatalf("expected pool to be retained, got %s", attrs[0].Key)
	}
}

func TestNewBuildsInstruments(t *testing.T) {
	m, err := New(Config{ServiceName: "docuply-test"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil {
		t.Fatal("expected metrics instance")
	}

	// Instruments tolerate recording without a configured exporter.
	ctx := context.Background()
	m.RecordUsage(ctx, "document_processing")
	m.RecordSPUs(ctx, "subscription", 5)
	m.RecordLimitDenied(ctx, "individual")
	m.RecordWebhookEvent(ctx, "checkout.session.completed", "applied")
	m.RecordReconcileOutcome(ctx, "synced", 3)
}
