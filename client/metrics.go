package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

const meterName = "pkt.systems/wantq/client"

type sessionMetrics struct {
	logger          pslog.Logger
	meter           metric.Meter
	wantsSent       metric.Int64Counter
	wantsResolved   metric.Int64Counter
	wantsDropped    metric.Int64Counter
	handlerFailures metric.Int64Counter
	handlerDuration metric.Int64Histogram
	reconnects      metric.Int64Counter
	pending         metric.Int64ObservableGauge
}

func newSessionMetrics(logger pslog.Logger) *sessionMetrics {
	meter := otel.Meter(meterName)
	m := &sessionMetrics{logger: logger, meter: meter}
	var err error

	m.wantsSent, err = meter.Int64Counter(
		"wantq.client.wants.sent",
		metric.WithDescription("Wants announced to the server"),
	)
	logMetricInitError(logger, "wantq.client.wants.sent", err)

	m.wantsResolved, err = meter.Int64Counter(
		"wantq.client.wants.resolved",
		metric.WithDescription("Responses matched to a pending want"),
	)
	logMetricInitError(logger, "wantq.client.wants.resolved", err)

	m.wantsDropped, err = meter.Int64Counter(
		"wantq.client.messages.dropped",
		metric.WithDescription("Inbound messages discarded without dispatch"),
	)
	logMetricInitError(logger, "wantq.client.messages.dropped", err)

	m.handlerFailures, err = meter.Int64Counter(
		"wantq.client.handler.failures",
		metric.WithDescription("Handler invocations that returned an error or panicked"),
	)
	logMetricInitError(logger, "wantq.client.handler.failures", err)

	m.handlerDuration, err = meter.Int64Histogram(
		"wantq.client.handler.duration_ms",
		metric.WithDescription("Handler execution time"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "wantq.client.handler.duration_ms", err)

	m.reconnects, err = meter.Int64Counter(
		"wantq.client.session.reconnects",
		metric.WithDescription("Connection attempts after a failure"),
	)
	logMetricInitError(logger, "wantq.client.session.reconnects", err)

	m.pending, err = meter.Int64ObservableGauge(
		"wantq.client.wants.pending",
		metric.WithDescription("Wants awaiting a response"),
	)
	logMetricInitError(logger, "wantq.client.wants.pending", err)

	return m
}

// observePending registers a callback reporting the pending want count for
// one session. The returned function unregisters it.
func (m *sessionMetrics) observePending(sessionID string, pending func() int64) func() {
	if m == nil || m.pending == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("wantq.session", sessionID))
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.pending, pending(), attrs)
		return nil
	}, m.pending)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("telemetry.metric.callback_failed", "name", "wantq.client.wants.pending", "error", err)
		}
		return func() {}
	}
	return func() { _ = reg.Unregister() }
}

func (m *sessionMetrics) recordSent(ctx context.Context, queue string) {
	if m == nil || m.wantsSent == nil {
		return
	}
	m.wantsSent.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("wantq.queue", queue)))
}

func (m *sessionMetrics) recordResolved(ctx context.Context, queue string) {
	if m == nil || m.wantsResolved == nil {
		return
	}
	m.wantsResolved.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("wantq.queue", queue)))
}

func (m *sessionMetrics) recordDropped(ctx context.Context, reason string) {
	if m == nil || m.wantsDropped == nil {
		return
	}
	m.wantsDropped.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("wantq.reason", reason)))
}

func (m *sessionMetrics) recordHandler(ctx context.Context, queue string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("wantq.queue", queue),
		attribute.String("wantq.handler.failed", boolLabel(err != nil)),
	}
	if m.handlerDuration != nil {
		m.handlerDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.handlerFailures != nil {
		m.handlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("wantq.queue", queue)))
	}
}

func (m *sessionMetrics) recordReconnect(ctx context.Context) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(metricContext(ctx), 1)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func boolLabel(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
