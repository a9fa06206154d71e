package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// radarMetrics 雷达服务指标。未配置 MeterProvider 时 otel 使用 noop 实现。
type radarMetrics struct {
	transitions    metric.Int64Counter
	broadcasts     metric.Int64Counter
	pruned         metric.Int64Counter
	fanoutDuration metric.Float64Histogram
	graceExpired   metric.Int64Counter
	batchFlushes   metric.Int64Counter
	decayRemovals  metric.Int64Counter
}

func newRadarMetrics() *radarMetrics {
	meter := otel.Meter("radar")
	m := &radarMetrics{}
	m.transitions, _ = meter.Int64Counter("radar_status_transitions_total",
		metric.WithDescription("Presence status transitions"))
	m.broadcasts, _ = meter.Int64Counter("radar_broadcasts_total",
		metric.WithDescription("Events fanned out to connections"))
	m.pruned, _ = meter.Int64Counter("radar_pruned_connections_total",
		metric.WithDescription("Connections removed after a failed send"))
	m.fanoutDuration, _ = meter.Float64Histogram("radar_fanout_duration_seconds",
		metric.WithDescription("Time spent delivering one event to all connections"),
		metric.WithUnit("s"))
	m.graceExpired, _ = meter.Int64Counter("radar_grace_expirations_total",
		metric.WithDescription("Grace periods that ended in an offline transition"))
	m.batchFlushes, _ = meter.Int64Counter("radar_batch_flushes_total",
		metric.WithDescription("Location batches flushed"))
	m.decayRemovals, _ = meter.Int64Counter("radar_decay_removals_total",
		metric.WithDescription("Users removed from the radar by silent decay"))
	return m
}

func (m *radarMetrics) transition(ctx context.Context, status string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *radarMetrics) broadcast(ctx context.Context, eventType string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("event", eventType))
	m.broadcasts.Add(ctx, 1, attrs)
	m.fanoutDuration.Record(ctx, seconds, attrs)
}
