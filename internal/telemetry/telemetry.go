// Package telemetry instruments the engine with OpenTelemetry metrics and
// traces: user-action latency, cells recomputed, cycles detected. The engine
// calls through a Metrics handle that is cheap and safe when telemetry is
// disabled.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/gridkit/gridkit"

// Metrics is the engine's instrumentation handle.
type Metrics struct {
	enabled bool
	tracer  trace.Tracer

	actionsApplied  metric.Int64Counter
	actionDuration  metric.Float64Histogram
	cellsRecomputed metric.Int64Counter
	cyclesDetected  metric.Int64Counter
	undosApplied    metric.Int64Counter
}

// Disabled returns a no-op handle.
func Disabled() *Metrics {
	return &Metrics{}
}

// New builds a handle on the global otel providers. Call after the SDK
// providers are configured (see cmd wiring).
func New() (*Metrics, error) {
	meter := otel.Meter(scopeName)
	m := &Metrics{
		enabled: true,
		tracer:  otel.Tracer(scopeName),
	}
	var err error
	if m.actionsApplied, err = meter.Int64Counter("gridkit.actions.applied",
		metric.WithDescription("User actions applied")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.actionDuration, err = meter.Float64Histogram("gridkit.actions.duration_ms",
		metric.WithDescription("ApplyUserActions latency"), metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.cellsRecomputed, err = meter.Int64Counter("gridkit.cells.recomputed",
		metric.WithDescription("Formula cells recomputed")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.cyclesDetected, err = meter.Int64Counter("gridkit.cycles.detected",
		metric.WithDescription("Circular references surfaced as cell errors")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if m.undosApplied, err = meter.Int64Counter("gridkit.actions.rolled_back",
		metric.WithDescription("User-action bundles rolled back on error")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return m, nil
}

// StartAction opens a span for one user-action bundle and returns a closer
// that records latency and outcome.
func (m *Metrics) StartAction(name string, count int) func(err error) {
	if !m.enabled {
		return func(error) {}
	}
	ctx, span := m.tracer.Start(context.Background(), "ApplyUserActions",
		trace.WithAttributes(
			attribute.String("first_action", name),
			attribute.Int("action_count", count),
		))
	start := time.Now()
	return func(err error) {
		m.actionsApplied.Add(ctx, int64(count))
		m.actionDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		if err != nil {
			span.RecordError(err)
			m.undosApplied.Add(ctx, 1)
		}
		span.End()
	}
}

// CellRecomputed counts one successful cell evaluation.
func (m *Metrics) CellRecomputed(tableID string) {
	if !m.enabled {
		return
	}
	m.cellsRecomputed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("table", tableID)))
}

// CycleDetected counts one circular-reference error value.
func (m *Metrics) CycleDetected() {
	if !m.enabled {
		return
	}
	m.cyclesDetected.Add(context.Background(), 1)
}
