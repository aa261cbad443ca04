package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, system, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EngineMetrics holds the sync engine instruments
type EngineMetrics struct {
	eventsEnqueued    metric.Int64Counter
	eventsPublished   metric.Int64Counter
	eventsRetried     metric.Int64Counter
	eventsDropped     metric.Int64Counter
	selfEchoes        metric.Int64Counter
	conflictsDetected metric.Int64Counter
	conflictsResolved metric.Int64Counter
	queueDepth        metric.Int64UpDownCounter
}

// NewEngineMetrics creates the engine metrics instruments
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter(instrumentationName)

	eventsEnqueued, err := meter.Int64Counter(
		"syncengine.events.enqueued",
		metric.WithDescription("Total number of events accepted by the sync queue"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	eventsPublished, err := meter.Int64Counter(
		"syncengine.events.published",
		metric.WithDescription("Total number of events delivered to the shared store"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	eventsRetried, err := meter.Int64Counter(
		"syncengine.events.retried",
		metric.WithDescription("Total number of delivery retries"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64Counter(
		"syncengine.events.dropped",
		metric.WithDescription("Total number of events dropped after exceeding max retries"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	selfEchoes, err := meter.Int64Counter(
		"syncengine.feed.self_echoes",
		metric.WithDescription("Total number of self-originated change notifications suppressed"),
		metric.WithUnit("{notifications}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsDetected, err := meter.Int64Counter(
		"syncengine.conflicts.detected",
		metric.WithDescription("Total number of conflicts detected"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsResolved, err := meter.Int64Counter(
		"syncengine.conflicts.resolved",
		metric.WithDescription("Total number of conflicts resolved"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"syncengine.queue.depth",
		metric.WithDescription("Current number of events waiting in the sync queue"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		eventsEnqueued:    eventsEnqueued,
		eventsPublished:   eventsPublished,
		eventsRetried:     eventsRetried,
		eventsDropped:     eventsDropped,
		selfEchoes:        selfEchoes,
		conflictsDetected: conflictsDetected,
		conflictsResolved: conflictsResolved,
		queueDepth:        queueDepth,
	}, nil
}

// RecordEnqueue records an accepted event and the queue growing by one
func (m *EngineMetrics) RecordEnqueue(ctx context.Context, priority string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("priority", priority))
	m.eventsEnqueued.Add(ctx, 1, attrs)
	m.queueDepth.Add(ctx, 1)
}

// RecordPublished records a successful delivery
func (m *EngineMetrics) RecordPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
	m.queueDepth.Add(ctx, -1)
}

// RecordRetry records a failed delivery being rescheduled
func (m *EngineMetrics) RecordRetry(ctx context.Context, retryCount int) {
	if m == nil {
		return
	}
	m.eventsRetried.Add(ctx, 1, metric.WithAttributes(attribute.Int("retry_count", retryCount)))
}

// RecordDropped records an event dropped after exhausting retries
func (m *EngineMetrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1)
	m.queueDepth.Add(ctx, -1)
}

// RecordEvicted records an event evicted to cap the queue size
func (m *EngineMetrics) RecordEvicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, -1)
}

// RecordSelfEcho records a suppressed self-originated notification
func (m *EngineMetrics) RecordSelfEcho(ctx context.Context) {
	if m == nil {
		return
	}
	m.selfEchoes.Add(ctx, 1)
}

// RecordConflictDetected records a detected conflict
func (m *EngineMetrics) RecordConflictDetected(ctx context.Context, conflictType, severity string) {
	if m == nil {
		return
	}
	m.conflictsDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conflict_type", conflictType),
		attribute.String("severity", severity),
	))
}

// RecordConflictResolved records a resolved conflict
func (m *EngineMetrics) RecordConflictResolved(ctx context.Context, strategy string, automatic bool) {
	if m == nil {
		return
	}
	m.conflictsResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("automatic", automatic),
	))
}
