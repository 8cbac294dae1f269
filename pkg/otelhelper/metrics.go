package otelhelper

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlpmetrichttp "go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeter exports metrics over OTLP/HTTP when enabled and returns a no-op meter otherwise.
// The shutdown func flushes the last collection.
// nolint:ireturn
func NewMeter(ctx context.Context, serviceName string, enabled bool) (metric.Meter, func(context.Context) error, error) {
	if !enabled {
		return NoopMeter(), func(context.Context) error { return nil }, nil
	}

	r, err := newResource(serviceName)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(r),
	)

	otel.SetMeterProvider(provider)

	return provider.Meter(serviceName), provider.Shutdown, nil
}

// nolint:ireturn
func NoopMeter() metric.Meter {
	return metricnoop.NewMeterProvider().Meter("careflow")
}

// ExecutionMetrics counts executions and node outcomes. A nil *ExecutionMetrics records nothing.
type ExecutionMetrics struct {
	started  metric.Int64Counter
	finished metric.Int64Counter
	duration metric.Float64Histogram
	nodes    metric.Int64Counter
}

func NewExecutionMetrics(meter metric.Meter) (*ExecutionMetrics, error) {
	started, err := meter.Int64Counter("careflow.executions.started",
		metric.WithDescription("Executions started"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	finished, err := meter.Int64Counter("careflow.executions.finished",
		metric.WithDescription("Executions that reached a final status"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("careflow.execution.duration",
		metric.WithDescription("Time from start to final status"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	nodes, err := meter.Int64Counter("careflow.node.outcomes",
		metric.WithDescription("Node transitions by type and outcome"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	return &ExecutionMetrics{started: started, finished: finished, duration: duration, nodes: nodes}, nil
}

func (m *ExecutionMetrics) Started(ctx context.Context, workflowID, triggerType string) {
	if m == nil {
		return
	}

	m.started.Add(ctx, 1, metric.WithAttributes(
		attribute.String(WorkflowIDKey, workflowID),
		attribute.String(TriggerTypeKey, triggerType)))
}

// Finished records a final status. duration is skipped when the start time is unknown.
func (m *ExecutionMetrics) Finished(ctx context.Context, workflowID, status string, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(WorkflowIDKey, workflowID),
		attribute.String(StatusKey, status))

	m.finished.Add(ctx, 1, attrs)

	if duration > 0 {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
}

func (m *ExecutionMetrics) NodeOutcome(ctx context.Context, nodeType, outcome string) {
	if m == nil {
		return
	}

	m.nodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(NodeTypeKey, nodeType),
		attribute.String(OutcomeKey, outcome)))
}
