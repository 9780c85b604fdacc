// Package metrics exposes the lifecycle engine's OpenTelemetry
// instruments.
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
}

// Metrics exposes application-level instruments.
type Metrics struct {
	mutations          metric.Int64Counter
	validationFailures metric.Int64Counter
	conflictsResolved  metric.Int64Counter
	idempotentReplays  metric.Int64Counter
	auditFailures      metric.Int64Counter
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

// New configures the lifecycle instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "recordflow"
	}
	meter := provider.Meter(name)

	mutations, err := meter.Int64Counter("record_mutations_total",
		metric.WithDescription("Successful lifecycle mutations by operation and category"))
	if err != nil {
		return nil, err
	}
	validationFailures, err := meter.Int64Counter("record_validation_failures_total",
		metric.WithDescription("Rejected candidates by category"))
	if err != nil {
		return nil, err
	}
	conflictsResolved, err := meter.Int64Counter("record_conflicts_resolved_total",
		metric.WithDescription("Records truncated by backdated insertions"))
	if err != nil {
		return nil, err
	}
	idempotentReplays, err := meter.Int64Counter("record_idempotent_replays_total",
		metric.WithDescription("Mutations short-circuited by idempotency key"))
	if err != nil {
		return nil, err
	}
	auditFailures, err := meter.Int64Counter("record_audit_failures_total",
		metric.WithDescription("Audit events that could not be appended"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		mutations:          mutations,
		validationFailures: validationFailures,
		conflictsResolved:  conflictsResolved,
		idempotentReplays:  idempotentReplays,
		auditFailures:      auditFailures,
	}, nil
}

func (m *Metrics) RecordMutation(ctx context.Context, operation, category string) {
	if m == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("category", category),
	))
}

func (m *Metrics) RecordValidationFailure(ctx context.Context, category string, violations int) {
	if m == nil {
		return
	}
	m.validationFailures.Add(ctx, int64(violations), metric.WithAttributes(
		attribute.String("category", category),
	))
}

func (m *Metrics) RecordConflictsResolved(ctx context.Context, category string, truncated int) {
	if m == nil || truncated == 0 {
		return
	}
	m.conflictsResolved.Add(ctx, int64(truncated), metric.WithAttributes(
		attribute.String("category", category),
	))
}

func (m *Metrics) RecordIdempotentReplay(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.idempotentReplays.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

func (m *Metrics) RecordAuditFailure(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.auditFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported metrics exporter protocol %q", protocol)
	}
}
