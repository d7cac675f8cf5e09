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

// Allocation outcomes recorded on slotbroker_allocations_total.
const (
	OutcomeActivated = "activated"
	OutcomeReplayed  = "replayed"
	OutcomeExhausted = "exhausted"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes allocation-level instruments.
type Metrics struct {
	allocations       metric.Int64Counter
	allocationRetries metric.Int64Counter
	slotsBound        metric.Int64Counter
	slotsReleased     metric.Int64Counter
	allocationLatency metric.Float64Histogram
	rateLimitDenied   metric.Int64Counter
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "slotbroker"
	}
	meter := provider.Meter(name)

	allocations, err := meter.Int64Counter("slotbroker_allocations_total",
		metric.WithDescription("Allocation requests by outcome."))
	if err != nil {
		return nil, err
	}
	allocationRetries, err := meter.Int64Counter("slotbroker_allocation_retries_total",
		metric.WithDescription("Allocation attempts retried after slot contention."))
	if err != nil {
		return nil, err
	}
	slotsBound, err := meter.Int64Counter("slotbroker_slots_bound_total")
	if err != nil {
		return nil, err
	}
	slotsReleased, err := meter.Int64Counter("slotbroker_slots_released_total")
	if err != nil {
		return nil, err
	}
	allocationLatency, err := meter.Float64Histogram("slotbroker_allocation_duration_seconds",
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("slotbroker_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		allocations:       allocations,
		allocationRetries: allocationRetries,
		slotsBound:        slotsBound,
		slotsReleased:     slotsReleased,
		allocationLatency: allocationLatency,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordAllocation counts one allocation request and its latency.
func (m *Metrics) RecordAllocation(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", outcome))
	m.allocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.allocationLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordAllocationRetry(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.allocationRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSlotsBound(ctx context.Context, platformID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("platform_id", platformID))
	m.slotsBound.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordSlotsReleased counts slots returned to the pool; reason is "expired" or "cancelled".
func (m *Metrics) RecordSlotsReleased(ctx context.Context, reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", reason))
	m.slotsReleased.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
	"outcome":     {},
	"reason":      {},
	"platform_id": {},
	"endpoint":    {},
	"status_code": {},
	"job":         {},
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
