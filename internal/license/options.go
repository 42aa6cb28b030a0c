package license

import (
	"time"

	"licensed/internal/events"
)

// Option configures the key and activation engines
type Option func(*options)

type options struct {
	now      func() time.Time
	observer events.Observer
	metrics  *Metrics
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, observer: events.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObserver registers the observer notified after every committed change
func WithObserver(obs events.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithMetrics attaches OpenTelemetry instruments
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func (o options) clock() time.Time {
	return o.now().UTC()
}

// at returns when in UTC, or the current time when when is nil
func (o options) at(when *time.Time) time.Time {
	if when == nil || when.IsZero() {
		return o.clock()
	}
	return when.UTC()
}
