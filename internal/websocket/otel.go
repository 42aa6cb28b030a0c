package websocket

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records hub activity. A nil *Metrics records nothing.
type Metrics struct {
	connected metric.Int64Gauge
	messages  metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewMetrics creates the hub instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	connected, err := meter.Int64Gauge("licensed_websocket_clients",
		metric.WithDescription("Connected admin event feed clients"))
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket clients gauge: %w", err)
	}
	messages, err := meter.Int64Counter("licensed_websocket_messages_total",
		metric.WithDescription("Event envelopes delivered to websocket clients"))
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket messages counter: %w", err)
	}
	dropped, err := meter.Int64Counter("licensed_websocket_dropped_clients_total",
		metric.WithDescription("Clients disconnected because their send buffer was full"))
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket dropped counter: %w", err)
	}
	return &Metrics{connected: connected, messages: messages, dropped: dropped}, nil
}

func (m *Metrics) clients(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.connected.Record(ctx, int64(n))
}

func (m *Metrics) broadcast(ctx context.Context, typ string, sent, dropped int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", typ))
	if sent > 0 {
		m.messages.Add(ctx, int64(sent), attrs)
	}
	if dropped > 0 {
		m.dropped.Add(ctx, int64(dropped), attrs)
	}
}
