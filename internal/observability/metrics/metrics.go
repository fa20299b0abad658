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
	deductions     metric.Int64Counter
	creditsSpent   metric.Int64Counter
	settlements    metric.Int64Counter
	webhookEvents  metric.Int64Counter
	gatewayCalls   metric.Int64Counter
	stuckOrders    metric.Int64Counter
	reconciliation metric.Int64Counter
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
		name = "creditledger"
	}
	meter := provider.Meter(name)

	counters := map[string]*metric.Int64Counter{}
	m := &Metrics{}
	counters["creditledger_deductions_total"] = &m.deductions
	counters["creditledger_credits_spent_total"] = &m.creditsSpent
	counters["creditledger_settlements_total"] = &m.settlements
	counters["creditledger_webhook_events_total"] = &m.webhookEvents
	counters["creditledger_gateway_calls_total"] = &m.gatewayCalls
	counters["creditledger_stuck_orders_total"] = &m.stuckOrders
	counters["creditledger_reconciliations_total"] = &m.reconciliation

	for counterName, dst := range counters {
		counter, err := meter.Int64Counter(counterName)
		if err != nil {
			return nil, err
		}
		*dst = counter
	}

	return m, nil
}

// RecordDeduction counts a tool charge attempt by outcome.
func (m *Metrics) RecordDeduction(ctx context.Context, tool, outcome string, credits int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tool", strings.TrimSpace(tool)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
	if credits > 0 {
		m.creditsSpent.Add(ctx, credits, metric.WithAttributes(attrs...))
	}
}

// RecordSettlement counts settlement attempts by source and outcome.
func (m *Metrics) RecordSettlement(ctx context.Context, source, productKind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("product_kind", strings.TrimSpace(productKind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent counts inbound gateway events.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("action", strings.TrimSpace(action)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall counts outbound gateway requests.
func (m *Metrics) RecordGatewayCall(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.gatewayCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStuckOrders counts orders found waiting in VERIFIED by a sweep.
func (m *Metrics) RecordStuckOrders(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.stuckOrders.Add(ctx, int64(count))
}

// RecordReconciliation counts manual or automatic reconciliation attempts.
func (m *Metrics) RecordReconciliation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.reconciliation.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"tool":         {},
	"outcome":      {},
	"source":       {},
	"product_kind": {},
	"event_type":   {},
	"action":       {},
	"operation":    {},
	"status_code":  {},
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
