package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Activation attempt results
const (
	ResultAdmitted    = "admitted"
	ResultReactivated = "reactivated"
	ResultExisting    = "existing"
	ResultCapacity    = "capacity"
	ResultRejected    = "rejected"
)

// Metrics holds the licensing engine instruments. A nil *Metrics records nothing.
type Metrics struct {
	ActivationAttempts metric.Int64Counter
	AdmissionDuration  metric.Float64Histogram
	Deactivations      metric.Int64Counter
	KeysIssued         metric.Int64Counter
	Renewals           metric.Int64Counter
	Extensions         metric.Int64Counter
	KeysExpired        metric.Int64Counter
	ActivationsExpired metric.Int64Counter
}

// NewMetrics creates the licensing instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Activation attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.AdmissionDuration, err = meter.Float64Histogram(
		"license_admission_duration_seconds",
		metric.WithDescription("Time spent in the atomic admission unit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission duration histogram: %w", err)
	}

	m.Deactivations, err = meter.Int64Counter(
		"license_deactivations_total",
		metric.WithDescription("Activations deactivated"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}

	m.KeysIssued, err = meter.Int64Counter(
		"license_keys_issued_total",
		metric.WithDescription("License keys created"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keys issued counter: %w", err)
	}

	m.Renewals, err = meter.Int64Counter(
		"license_renewals_total",
		metric.WithDescription("Key renewals recorded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create renewals counter: %w", err)
	}

	m.Extensions, err = meter.Int64Counter(
		"license_extensions_total",
		metric.WithDescription("Key expiration extensions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create extensions counter: %w", err)
	}

	m.KeysExpired, err = meter.Int64Counter(
		"license_keys_expired_total",
		metric.WithDescription("Keys expired by the sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create keys expired counter: %w", err)
	}

	m.ActivationsExpired, err = meter.Int64Counter(
		"license_activations_expired_total",
		metric.WithDescription("Activations expired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activations expired counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordActivation(ctx context.Context, result string, started time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.ActivationAttempts.Add(ctx, 1, attrs)
	m.AdmissionDuration.Record(ctx, time.Since(started).Seconds(), attrs)
}

// inc bumps the counter chosen by pick; safe on a nil receiver
func (m *Metrics) inc(ctx context.Context, pick func(*Metrics) metric.Int64Counter) {
	if m == nil {
		return
	}
	if c := pick(m); c != nil {
		c.Add(ctx, 1)
	}
}

func keysIssued(m *Metrics) metric.Int64Counter         { return m.KeysIssued }
func renewals(m *Metrics) metric.Int64Counter           { return m.Renewals }
func extensions(m *Metrics) metric.Int64Counter         { return m.Extensions }
func keysExpired(m *Metrics) metric.Int64Counter        { return m.KeysExpired }
func activationsExpired(m *Metrics) metric.Int64Counter { return m.ActivationsExpired }
func deactivations(m *Metrics) metric.Int64Counter      { return m.Deactivations }
