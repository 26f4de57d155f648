package soloport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type relayMetrics struct {
	connections metric.Int64Counter
	deliveries  metric.Int64Counter
	pending     metric.Int64ObservableGauge
	observers   metric.Int64ObservableGauge
	listening   metric.Int64ObservableGauge
}

func newRelayMetrics(logger pslog.Logger, in *Instance) *relayMetrics {
	meter := otel.Meter("pkt.systems/soloport")
	m := &relayMetrics{}
	var err error

	m.connections, err = meter.Int64Counter(
		"soloport.relay.connections",
		metric.WithDescription("Accepted client connections, by outcome"),
	)
	logMetricInitError(logger, "soloport.relay.connections", err)

	m.deliveries, err = meter.Int64Counter(
		"soloport.relay.deliveries",
		metric.WithDescription("Argument sets handed to observers"),
	)
	logMetricInitError(logger, "soloport.relay.deliveries", err)

	m.pending, err = meter.Int64ObservableGauge(
		"soloport.relay.pending",
		metric.WithDescription("Argument sets queued for observers"),
	)
	logMetricInitError(logger, "soloport.relay.pending", err)

	m.observers, err = meter.Int64ObservableGauge(
		"soloport.relay.observers",
		metric.WithDescription("Registered observers"),
	)
	logMetricInitError(logger, "soloport.relay.observers", err)

	m.listening, err = meter.Int64ObservableGauge(
		"soloport.mutex.held",
		metric.WithDescription("Whether the endpoint mutex is held (1) or released (0)"),
	)
	logMetricInitError(logger, "soloport.mutex.held", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if in == nil {
			return nil
		}
		in.observeMetrics(o, m)
		return nil
	}, m.pending, m.observers, m.listening); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "soloport.relay", "error", err)
	}

	return m
}

func (in *Instance) observeMetrics(o metric.Observer, m *relayMetrics) {
	if in == nil || m == nil {
		return
	}
	in.mu.Lock()
	pending := len(in.pending)
	observers := len(in.observers)
	listening := in.listening
	in.mu.Unlock()

	if m.pending != nil {
		o.ObserveInt64(m.pending, int64(pending))
	}
	if m.observers != nil {
		o.ObserveInt64(m.observers, int64(observers))
	}
	if m.listening != nil {
		held := int64(0)
		if listening {
			held = 1
		}
		o.ObserveInt64(m.listening, held)
	}
}

func (m *relayMetrics) recordConnection(ctx context.Context, outcome string) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("soloport.outcome", outcome)))
}

func (m *relayMetrics) recordDelivery(ctx context.Context) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
