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

// Metrics exposes application-level instruments.
type Metrics struct {
	usageRecorded     metric.Int64Counter
	spusConsumed      metric.Int64Counter
	limitDenied       metric.Int64Counter
	webhookEvents     metric.Int64Counter
	reconcileOutcomes metric.Int64Counter
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
		name = "docuply"
	}
	meter := provider.Meter(name)

	usageRecorded, err := meter.Int64Counter("docuply_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	spusConsumed, err := meter.Int64Counter("docuply_spus_consumed_total")
	if err != nil {
		return nil, err
	}
	limitDenied, err := meter.Int64Counter("docuply_limit_denied_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("docuply_billing_webhook_events_total")
	if err != nil {
		return nil, err
	}
	reconcileOutcomes, err := meter.Int64Counter("docuply_billing_reconcile_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageRecorded:     usageRecorded,
		spusConsumed:      spusConsumed,
		limitDenied:       limitDenied,
		webhookEvents:     webhookEvents,
		reconcileOutcomes: reconcileOutcomes,
	}, nil
}

// RecordUsage increments recorded usage event counts.
func (m *Metrics) RecordUsage(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSPUs counts consumed SPUs by the pool they were drawn from.
func (m *Metrics) RecordSPUs(ctx context.Context, pool string, spus int64) {
	if m == nil || spus <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("pool", strings.TrimSpace(pool)))
	m.spusConsumed.Add(ctx, spus, metric.WithAttributes(attrs...))
}

// RecordLimitDenied increments insufficient-credit denial counts.
func (m *Metrics) RecordLimitDenied(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_tier", strings.TrimSpace(tier)))
	m.limitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments billing webhook counts by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileOutcome increments reconciliation sweep outcome counts.
func (m *Metrics) RecordReconcileOutcome(ctx context.Context, outcome string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.reconcileOutcomes.Add(ctx, count, metric.WithAttributes(attrs...))
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
	"org_tier":   {},
	"endpoint":   {},
	"operation":  {},
	"pool":       {},
	"event_type": {},
	"outcome":    {},
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
