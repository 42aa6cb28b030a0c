package release

import (
	"time"

	"licensed/internal/cache"
	"licensed/internal/events"
)

// Option configures the release engine and the update recorder
type Option func(*options)

type options struct {
	now       func() time.Time
	observer  events.Observer
	metrics   *Metrics
	cache     cache.ReleaseCache
	retention int
}

// DefaultRetention is how many active releases a product keeps when neither
// the product nor the engine configures a count.
const DefaultRetention = 5

func buildOptions(opts []Option) options {
	o := options{now: time.Now, observer: events.Nop{}, retention: DefaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces the wall clock
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

// WithCache reads active releases through c
func WithCache(c cache.ReleaseCache) Option {
	return func(o *options) { o.cache = c }
}

// WithRetention sets the default number of active releases kept per product
func WithRetention(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retention = n
		}
	}
}

func (o options) at(when *time.Time) time.Time {
	if when == nil || when.IsZero() {
		return o.now().UTC()
	}
	return when.UTC()
}
