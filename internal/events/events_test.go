package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/pkg/contracts/domain"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Envelope
	fail error
}

func (s *recordingSink) Publish(_ context.Context, e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return s.fail
}

type countingObserver struct {
	Nop
	created int
}

func (c *countingObserver) KeyCreated(context.Context, domain.Key) { c.created++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	m := NewMulti(a, nil, b)
	require.Len(t, m, 2)

	m.KeyCreated(context.Background(), domain.Key{Key: "K"})
	m.KeyDeleted(context.Background(), domain.Key{Key: "K"})
	assert.Equal(t, 1, a.created)
	assert.Equal(t, 1, b.created)
}

func TestForwardBuildsEnvelopes(t *testing.T) {
	sink := &recordingSink{}
	obs := Forward(sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	key := domain.Key{Key: "ABC", Status: domain.KeyStatusDisabled, MaxActivations: 2}
	obs.KeyStatusChanged(ctx, key, domain.KeyStatusActive)
	obs.ActivationCreated(ctx, domain.Activation{ID: 7, Key: "ABC", Location: "example.com"})
	obs.UpdateRecorded(ctx, domain.Update{ID: 1, ActivationID: 7, ReleaseID: 3})

	require.Len(t, sink.got, 3)
	assert.Equal(t, TypeKeyStatusChanged, sink.got[0].Type)
	assert.Equal(t, "ABC", sink.got[0].Key)
	assert.Equal(t, "active", sink.got[0].Data["previous_status"])
	assert.Equal(t, "disabled", sink.got[0].Data["status"])
	assert.Equal(t, TypeActivationCreated, sink.got[1].Type)
	assert.Equal(t, "ABC", sink.got[1].Key)
	assert.Equal(t, TypeUpdateRecorded, sink.got[2].Type)
	assert.Empty(t, sink.got[2].Key)
	assert.Equal(t, time.UTC, sink.got[0].OccurredAt.Location())
}

func TestForwardSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{fail: errors.New("broker down")}
	obs := Forward(sink, slog.New(slog.NewTextHandler(&buf, nil)))

	assert.NotPanics(t, func() {
		obs.KeyCreated(context.Background(), domain.Key{Key: "K"})
	})
	assert.Contains(t, buf.String(), "broker down")
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, sink.Publish(context.Background(), Envelope{Type: TypeKeyCreated, Key: "K"}))
	assert.Contains(t, buf.String(), `"license_key":"K"`)
	assert.Contains(t, buf.String(), TypeKeyCreated)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewKafkaPublisher(nil, "t", logger)
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", logger)
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "licensing.events", logger)
	require.NoError(t, err)
	w := &fakeWriter{}
	p.writer = w

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), Envelope{Type: TypeKeyCreated, Key: "K1", OccurredAt: now}))
	require.NoError(t, p.Publish(context.Background(), Envelope{Type: TypeReleaseCreated, OccurredAt: now}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "licensing.events", w.msgs[0].Topic)
	assert.Equal(t, "K1", string(w.msgs[0].Key))
	assert.Equal(t, TypeReleaseCreated, string(w.msgs[1].Key))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, TypeKeyCreated, decoded.Type)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherDoesNotBlockCallers(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "licensing.events", slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, err)

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async, "publishing must not wait for broker acks")
	assert.LessOrEqual(t, w.BatchTimeout, 50*time.Millisecond)
	require.NotNil(t, w.Completion)

	w.Completion([]kafka.Message{{Key: []byte("K1")}}, nil)
	assert.Empty(t, buf.String())
	w.Completion([]kafka.Message{{Key: []byte("K1")}, {Key: []byte("K2")}}, errors.New("broker unavailable"))
	assert.Contains(t, buf.String(), "failed to deliver events")
	assert.Contains(t, buf.String(), `"messages":2`)
	assert.Contains(t, buf.String(), "broker unavailable")
}
