// Package events defines the typed domain observer used by the licensing
// engines and its sinks (logging, Kafka, the admin websocket feed).
package events

import (
	"context"
	"log/slog"
	"time"

	"licensed/pkg/contracts/domain"
)

// Event type names carried in Envelope.Type
const (
	TypeKeyCreated              = "key.created"
	TypeKeyStatusChanged        = "key.status_changed"
	TypeKeyRenewed              = "key.renewed"
	TypeKeyExtended             = "key.extended"
	TypeKeyDeleted              = "key.deleted"
	TypeActivationCreated       = "activation.created"
	TypeActivationStatusChanged = "activation.status_changed"
	TypeActivationDeleted       = "activation.deleted"
	TypeReleaseCreated          = "release.created"
	TypeReleaseStatusChanged    = "release.status_changed"
	TypeReleaseDeleted          = "release.deleted"
	TypeUpdateRecorded          = "update.recorded"
)

// Observer receives domain events after the corresponding write committed.
// Implementations must not block; slow work belongs behind a queue.
type Observer interface {
	KeyCreated(ctx context.Context, k domain.Key)
	KeyStatusChanged(ctx context.Context, k domain.Key, from domain.KeyStatus)
	KeyRenewed(ctx context.Context, k domain.Key, r domain.Renewal)
	KeyExtended(ctx context.Context, k domain.Key, previous *time.Time)
	KeyDeleted(ctx context.Context, k domain.Key)

	ActivationCreated(ctx context.Context, a domain.Activation)
	ActivationStatusChanged(ctx context.Context, a domain.Activation, from domain.ActivationStatus)
	ActivationDeleted(ctx context.Context, a domain.Activation)

	ReleaseCreated(ctx context.Context, r domain.Release)
	ReleaseStatusChanged(ctx context.Context, r domain.Release, from domain.ReleaseStatus)
	ReleaseDeleted(ctx context.Context, r domain.Release)

	UpdateRecorded(ctx context.Context, u domain.Update)
}

// Nop ignores every event. Embed it to implement only some callbacks.
type Nop struct{}

func (Nop) KeyCreated(context.Context, domain.Key)                                              {}
func (Nop) KeyStatusChanged(context.Context, domain.Key, domain.KeyStatus)                      {}
func (Nop) KeyRenewed(context.Context, domain.Key, domain.Renewal)                              {}
func (Nop) KeyExtended(context.Context, domain.Key, *time.Time)                                 {}
func (Nop) KeyDeleted(context.Context, domain.Key)                                              {}
func (Nop) ActivationCreated(context.Context, domain.Activation)                                {}
func (Nop) ActivationStatusChanged(context.Context, domain.Activation, domain.ActivationStatus) {}
func (Nop) ActivationDeleted(context.Context, domain.Activation)                                {}
func (Nop) ReleaseCreated(context.Context, domain.Release)                                      {}
func (Nop) ReleaseStatusChanged(context.Context, domain.Release, domain.ReleaseStatus)          {}
func (Nop) ReleaseDeleted(context.Context, domain.Release)                                      {}
func (Nop) UpdateRecorded(context.Context, domain.Update)                                       {}

// Multi fans every event out to each observer in order
type Multi []Observer

// NewMulti drops nil observers
func NewMulti(observers ...Observer) Multi {
	m := make(Multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m Multi) KeyCreated(ctx context.Context, k domain.Key) {
	for _, o := range m {
		o.KeyCreated(ctx, k)
	}
}

func (m Multi) KeyStatusChanged(ctx context.Context, k domain.Key, from domain.KeyStatus) {
	for _, o := range m {
		o.KeyStatusChanged(ctx, k, from)
	}
}

func (m Multi) KeyRenewed(ctx context.Context, k domain.Key, r domain.Renewal) {
	for _, o := range m {
		o.KeyRenewed(ctx, k, r)
	}
}

func (m Multi) KeyExtended(ctx context.Context, k domain.Key, previous *time.Time) {
	for _, o := range m {
		o.KeyExtended(ctx, k, previous)
	}
}

func (m Multi) KeyDeleted(ctx context.Context, k domain.Key) {
	for _, o := range m {
		o.KeyDeleted(ctx, k)
	}
}

func (m Multi) ActivationCreated(ctx context.Context, a domain.Activation) {
	for _, o := range m {
		o.ActivationCreated(ctx, a)
	}
}

func (m Multi) ActivationStatusChanged(ctx context.Context, a domain.Activation, from domain.ActivationStatus) {
	for _, o := range m {
		o.ActivationStatusChanged(ctx, a, from)
	}
}

func (m Multi) ActivationDeleted(ctx context.Context, a domain.Activation) {
	for _, o := range m {
		o.ActivationDeleted(ctx, a)
	}
}

func (m Multi) ReleaseCreated(ctx context.Context, r domain.Release) {
	for _, o := range m {
		o.ReleaseCreated(ctx, r)
	}
}

func (m Multi) ReleaseStatusChanged(ctx context.Context, r domain.Release, from domain.ReleaseStatus) {
	for _, o := range m {
		o.ReleaseStatusChanged(ctx, r, from)
	}
}

func (m Multi) ReleaseDeleted(ctx context.Context, r domain.Release) {
	for _, o := range m {
		o.ReleaseDeleted(ctx, r)
	}
}

func (m Multi) UpdateRecorded(ctx context.Context, u domain.Update) {
	for _, o := range m {
		o.UpdateRecorded(ctx, u)
	}
}

// Envelope is the wire form of an event for sinks. Key is the license key the
// event concerns, empty for release and update events.
type Envelope struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Key        string         `json:"key,omitempty"`
	Data       map[string]any `json:"data"`
}

// Sink publishes envelopes somewhere outside the process
type Sink interface {
	Publish(ctx context.Context, e Envelope) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e Envelope) error

func (f SinkFunc) Publish(ctx context.Context, e Envelope) error { return f(ctx, e) }

type forwarder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// Forward turns observer callbacks into envelopes published to sink. Publish
// failures are logged and never reach the engine that raised the event.
func Forward(sink Sink, logger *slog.Logger) Observer {
	return &forwarder{sink: sink, logger: logger, now: time.Now}
}

func (f *forwarder) emit(ctx context.Context, typ, key string, data map[string]any) {
	e := Envelope{Type: typ, OccurredAt: f.now().UTC(), Key: key, Data: data}
	if err := f.sink.Publish(ctx, e); err != nil {
		f.logger.WarnContext(ctx, "failed to publish event",
			slog.String("type", typ),
			slog.String("error", err.Error()))
	}
}

func with(data map[string]any, k string, v any) map[string]any {
	data[k] = v
	return data
}

func (f *forwarder) KeyCreated(ctx context.Context, k domain.Key) {
	f.emit(ctx, TypeKeyCreated, k.Key, k.Fields())
}

func (f *forwarder) KeyStatusChanged(ctx context.Context, k domain.Key, from domain.KeyStatus) {
	f.emit(ctx, TypeKeyStatusChanged, k.Key, with(k.Fields(), "previous_status", string(from)))
}

func (f *forwarder) KeyRenewed(ctx context.Context, k domain.Key, r domain.Renewal) {
	f.emit(ctx, TypeKeyRenewed, k.Key, with(k.Fields(), "renewal", r.Fields()))
}

func (f *forwarder) KeyExtended(ctx context.Context, k domain.Key, previous *time.Time) {
	data := k.Fields()
	if previous != nil {
		data["previous_expires"] = previous.UTC().Format(time.RFC3339)
	}
	f.emit(ctx, TypeKeyExtended, k.Key, data)
}

func (f *forwarder) KeyDeleted(ctx context.Context, k domain.Key) {
	f.emit(ctx, TypeKeyDeleted, k.Key, k.Fields())
}

func (f *forwarder) ActivationCreated(ctx context.Context, a domain.Activation) {
	f.emit(ctx, TypeActivationCreated, a.Key, a.Fields())
}

func (f *forwarder) ActivationStatusChanged(ctx context.Context, a domain.Activation, from domain.ActivationStatus) {
	f.emit(ctx, TypeActivationStatusChanged, a.Key, with(a.Fields(), "previous_status", string(from)))
}

func (f *forwarder) ActivationDeleted(ctx context.Context, a domain.Activation) {
	f.emit(ctx, TypeActivationDeleted, a.Key, a.Fields())
}

func (f *forwarder) ReleaseCreated(ctx context.Context, r domain.Release) {
	f.emit(ctx, TypeReleaseCreated, "", r.Fields())
}

func (f *forwarder) ReleaseStatusChanged(ctx context.Context, r domain.Release, from domain.ReleaseStatus) {
	f.emit(ctx, TypeReleaseStatusChanged, "", with(r.Fields(), "previous_status", string(from)))
}

func (f *forwarder) ReleaseDeleted(ctx context.Context, r domain.Release) {
	f.emit(ctx, TypeReleaseDeleted, "", r.Fields())
}

func (f *forwarder) UpdateRecorded(ctx context.Context, u domain.Update) {
	f.emit(ctx, TypeUpdateRecorded, "", u.Fields())
}

// LogSink writes every envelope to the structured logger at info level
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(ctx context.Context, e Envelope) error {
		attrs := []any{slog.String("type", e.Type)}
		if e.Key != "" {
			attrs = append(attrs, slog.String("license_key", e.Key))
		}
		logger.InfoContext(ctx, "domain event", append(attrs, slog.Any("data", e.Data))...)
		return nil
	})
}
