package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName is the service name for agent telemetry
	ServiceName = "chitin-agent"

	// TracerName is the tracer name for the agent
	TracerName = "github.com/chitin-dev/chitin-agent"

	// MeterName is the meter name for the agent
	MeterName = "github.com/chitin-dev/chitin-agent"

	debugEnv = "CHITIN_TELEMETRY_DEBUG"
)

var (
	tracer trace.Tracer = otel.GetTracerProvider().Tracer(TracerName)

	meter metric.Meter

	// ToolCallCounter tracks the number of tool calls with server attribution
	ToolCallCounter metric.Int64Counter

	// ToolCallDuration tracks the duration of tool calls in milliseconds
	ToolCallDuration metric.Float64Histogram

	// ToolErrorCounter tracks tool call errors by kind and server
	ToolErrorCounter metric.Int64Counter

	// ToolsDiscovered tracks the tools a server advertised on its last listing
	ToolsDiscovered metric.Int64Gauge

	// ReconnectCounter tracks session reconnect attempts
	ReconnectCounter metric.Int64Counter

	// Policy metrics
	DecisionCounter   metric.Int64Counter
	EscalationCounter metric.Int64Counter

	// Audit metrics
	AuditPushCounter  metric.Int64Counter
	AuditEventsPushed metric.Int64Counter
	AuditPushFailures metric.Int64Counter
	AuditQueueDepth   metric.Int64Gauge
)

// Init creates the instruments from the global providers. Recording before
// Init is a no-op.
func Init() {
	tracer = otel.GetTracerProvider().Tracer(TracerName)
	meter = otel.GetMeterProvider().Meter(MeterName)

	debugf("Init called, tracer provider %T, meter provider %T", otel.GetTracerProvider(), otel.GetMeterProvider())

	var err error

	ToolCallCounter, err = meter.Int64Counter("chitin.tool.calls",
		metric.WithDescription("Number of tool calls executed"),
		metric.WithUnit("1"))
	logInstrumentError("tool call counter", err)

	ToolCallDuration, err = meter.Float64Histogram("chitin.tool.duration",
		metric.WithDescription("Duration of tool call execution"),
		metric.WithUnit("ms"))
	logInstrumentError("tool duration histogram", err)

	ToolErrorCounter, err = meter.Int64Counter("chitin.tool.errors",
		metric.WithDescription("Number of tool call errors"),
		metric.WithUnit("1"))
	logInstrumentError("tool error counter", err)

	ToolsDiscovered, err = meter.Int64Gauge("chitin.tools.discovered",
		metric.WithDescription("Number of tools discovered from servers"),
		metric.WithUnit("1"))
	logInstrumentError("tools discovered gauge", err)

	ReconnectCounter, err = meter.Int64Counter("chitin.session.reconnects",
		metric.WithDescription("Number of tool server reconnect attempts"),
		metric.WithUnit("1"))
	logInstrumentError("reconnect counter", err)

	DecisionCounter, err = meter.Int64Counter("chitin.policy.decisions",
		metric.WithDescription("Number of policy decisions by outcome"),
		metric.WithUnit("1"))
	logInstrumentError("decision counter", err)

	EscalationCounter, err = meter.Int64Counter("chitin.policy.escalations",
		metric.WithDescription("Number of escalations by result"),
		metric.WithUnit("1"))
	logInstrumentError("escalation counter", err)

	AuditPushCounter, err = meter.Int64Counter("chitin.audit.pushes",
		metric.WithDescription("Number of audit batch pushes"),
		metric.WithUnit("1"))
	logInstrumentError("audit push counter", err)

	AuditEventsPushed, err = meter.Int64Counter("chitin.audit.events.pushed",
		metric.WithDescription("Number of audit events delivered to a sink"),
		metric.WithUnit("1"))
	logInstrumentError("audit events counter", err)

	AuditPushFailures, err = meter.Int64Counter("chitin.audit.push.failures",
		metric.WithDescription("Number of failed audit batch pushes"),
		metric.WithUnit("1"))
	logInstrumentError("audit failure counter", err)

	AuditQueueDepth, err = meter.Int64Gauge("chitin.audit.queue.depth",
		metric.WithDescription("Audit events waiting to be pushed"),
		metric.WithUnit("1"))
	logInstrumentError("audit queue gauge", err)
}

func debugf(format string, a ...any) {
	if os.Getenv(debugEnv) != "" {
		fmt.Fprintf(os.Stderr, "[CHITIN-TELEMETRY] "+format+"\n", a...)
	}
}

func logInstrumentError(name string, err error) {
	if err != nil {
		// Telemetry must never break the agent.
		debugf("Error creating %s: %v", name, err)
	}
}

// StartToolCallSpan starts a new span for a tool call
func StartToolCallSpan(ctx context.Context, toolName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{
		attribute.String("chitin.tool.name", toolName),
	}, attrs...)

	return tracer.Start(ctx, "chitin.tool.call",
		trace.WithAttributes(allAttrs...),
		trace.WithSpanKind(trace.SpanKindClient))
}

// StartCommandSpan starts a new span for a command execution
func StartCommandSpan(ctx context.Context, commandPath string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{
		attribute.String("chitin.command.path", commandPath),
	}, attrs...)

	return tracer.Start(ctx, "chitin.command."+commandPath,
		trace.WithAttributes(allAttrs...),
		trace.WithSpanKind(trace.SpanKindServer))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordToolCall records a tool call routed to a server
func RecordToolCall(ctx context.Context, serverName, toolName string) {
	if ToolCallCounter == nil {
		return
	}
	ToolCallCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chitin.server.name", serverName),
		attribute.String("chitin.tool.name", toolName),
	))
}

// RecordToolDuration records tool call duration
func RecordToolDuration(ctx context.Context, serverName, toolName string, durationMs float64) {
	if ToolCallDuration == nil {
		return
	}
	ToolCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("chitin.server.name", serverName),
		attribute.String("chitin.tool.name", toolName),
	))
}

// RecordToolError records a failed tool call
func RecordToolError(ctx context.Context, serverName, toolName, kind string) {
	if ToolErrorCounter == nil {
		return
	}
	ToolErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chitin.server.name", serverName),
		attribute.String("chitin.tool.name", toolName),
		attribute.String("chitin.error.kind", kind),
	))
}

// RecordToolList records the number of tools discovered from a server
func RecordToolList(ctx context.Context, serverName string, toolCount int) {
	if ToolsDiscovered == nil {
		return
	}
	ToolsDiscovered.Record(ctx, int64(toolCount), metric.WithAttributes(
		attribute.String("chitin.server.name", serverName),
	))
}

// RecordReconnect records one reconnect attempt of a session
func RecordReconnect(ctx context.Context, serverName string, attempt int) {
	if ReconnectCounter == nil {
		return
	}
	ReconnectCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chitin.server.name", serverName),
		attribute.Int("chitin.reconnect.attempt", attempt),
	))
}

// RecordDecision records a policy decision for a proposed tool call
func RecordDecision(ctx context.Context, toolName, outcome string) {
	if DecisionCounter == nil {
		return
	}
	DecisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chitin.tool.name", toolName),
		attribute.String("chitin.policy.outcome", outcome),
	))
}

// RecordEscalation records the human verdict on an escalated call
func RecordEscalation(ctx context.Context, toolName string, approved bool) {
	if EscalationCounter == nil {
		return
	}
	result := "denied"
	if approved {
		result = "approved"
	}
	EscalationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chitin.tool.name", toolName),
		attribute.String("chitin.escalation.result", result),
	))
}

// RecordAuditPush records one audit batch push and its outcome
func RecordAuditPush(ctx context.Context, sink string, events int, err error) {
	if AuditPushCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("chitin.audit.sink", sink))
	AuditPushCounter.Add(ctx, 1, attrs)
	if err != nil {
		AuditPushFailures.Add(ctx, 1, attrs)
		return
	}
	AuditEventsPushed.Add(ctx, int64(events), attrs)
}

// RecordAuditQueue records the number of audit events waiting
func RecordAuditQueue(ctx context.Context, depth int) {
	if AuditQueueDepth == nil {
		return
	}
	AuditQueueDepth.Record(ctx, int64(depth))
}
