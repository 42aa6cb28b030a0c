package release

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensed/internal/errors"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

func TestRecordAdvancesActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.publish(t, productPlugin, "1.1", domain.ReleaseMinor)
	a := f.activation(t, "K", productPlugin, "1.0", domain.TrackStable)

	u, err := f.updates.Record(ctx, RecordRequest{ActivationID: a.ID, ReleaseID: r1.ID})
	require.NoError(t, err)
	assert.Equal(t, "1.0", u.PreviousVersion, "previous defaults to the stored version")
	assert.True(t, u.UpdatedAt.Equal(f.now))

	got, err := f.store.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1", got.Version)
	assert.Equal(t, r1.ID, got.ReleaseID)

	latest, err := f.engine.ResolveLatest(ctx, got)
	require.NoError(t, err)
	assert.Nil(t, latest, "activation is current after the update")

	prev := "0.8"
	when := f.now.Add(-time.Hour)
	u, err = f.updates.Record(ctx, RecordRequest{ActivationID: a.ID, ReleaseID: r1.ID, Previous: &prev, When: &when})
	require.NoError(t, err)
	assert.Equal(t, "0.8", u.PreviousVersion)
	assert.True(t, u.UpdatedAt.Equal(when))

	rows, err := f.updates.List(ctx, store.UpdateFilter{ActivationID: a.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

// faultyStore fails the update log or activation writes on demand
type faultyStore struct {
	*store.MemoryStore
	failUpdates     bool
	failActivations bool
}

func (s *faultyStore) AddUpdate(ctx context.Context, u domain.Update) (domain.Update, error) {
	if s.failUpdates {
		return domain.Update{}, apperrors.Storage("add update", errors.New("disk full"))
	}
	return s.MemoryStore.AddUpdate(ctx, u)
}

func (s *faultyStore) MutateActivation(ctx context.Context, id int64, fn func(*domain.Activation) error) (domain.Activation, error) {
	if s.failActivations {
		return domain.Activation{}, apperrors.Storage("mutate activation", errors.New("disk full"))
	}
	return s.MemoryStore.MutateActivation(ctx, id, fn)
}

func TestRecordFailureLeavesNoPartialWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.publish(t, productPlugin, "1.1", domain.ReleaseMinor)
	a := f.activation(t, "K", productPlugin, "1.0", domain.TrackStable)

	faulty := &faultyStore{MemoryStore: f.store}
	recorder := NewRecorder(faulty, slog.New(slog.NewTextHandler(io.Discard, nil)))

	faulty.failUpdates = true
	_, err := recorder.Record(ctx, RecordRequest{ActivationID: a.ID, ReleaseID: r1.ID})
	require.ErrorIs(t, err, apperrors.ErrStorage)
	got, err := f.store.GetActivation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0", got.Version, "the activation is restored when the log write fails")
	assert.Equal(t, a.ReleaseID, got.ReleaseID)

	faulty.failUpdates, faulty.failActivations = false, true
	_, err = recorder.Record(ctx, RecordRequest{ActivationID: a.ID, ReleaseID: r1.ID})
	require.ErrorIs(t, err, apperrors.ErrStorage)
	rows, err := f.store.ListUpdates(ctx, store.UpdateFilter{ActivationID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, rows, "no log row without the activation advancing")
}

func TestRecordRejectsForeignRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := f.publish(t, productDefaults, "3.0", domain.ReleaseMajor)
	a := f.activation(t, "K", productPlugin, "1.0", domain.TrackStable)

	_, err := f.updates.Record(ctx, RecordRequest{ActivationID: a.ID, ReleaseID: other.ID})
	assert.ErrorIs(t, err, apperrors.ErrDomain)

	_, err = f.updates.Record(ctx, RecordRequest{ActivationID: 999, ReleaseID: other.ID})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.publish(t, productPlugin, "2.0", domain.ReleaseMajor)
	start := *r.StartDate

	a1 := f.activation(t, "A", productPlugin, "1.0", domain.TrackStable)
	a2 := f.activation(t, "B", productPlugin, "1.0", domain.TrackStable)
	a3 := f.activation(t, "C", productPlugin, "1.5", domain.TrackStable)
	f.activation(t, "D", productPlugin, "1.5", domain.TrackStable)

	day := func(n int) *time.Time {
		ts := start.Add(time.Duration(n)*24*time.Hour + time.Hour)
		return &ts
	}
	for _, req := range []RecordRequest{
		{ActivationID: a1.ID, ReleaseID: r.ID, When: day(0)},
		{ActivationID: a2.ID, ReleaseID: r.ID, When: day(0)},
		{ActivationID: a3.ID, ReleaseID: r.ID, When: day(2)},
		{ActivationID: a3.ID, ReleaseID: r.ID, When: day(30)},
	} {
		_, err := f.updates.Record(ctx, req)
		require.NoError(t, err)
	}

	s, err := f.updates.Summary(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 3, s.Activations)
	assert.Equal(t, 4, s.Installs)
	assert.InDelta(t, 75.0, s.PercentUpdated, 0.001)

	require.NotEmpty(t, s.TopPrevious)
	assert.Equal(t, VersionCount{Version: "1.0", Count: 2}, s.TopPrevious[0])

	require.Len(t, s.FirstDays, SummaryDays)
	assert.Equal(t, 2, s.FirstDays[0].Count)
	assert.Equal(t, 0, s.FirstDays[1].Count)
	assert.Equal(t, 1, s.FirstDays[2].Count, "the day-30 update falls outside the window")
}

func TestSummaryOfDraft(t *testing.T) {
	f := newFixture(t)
	r, err := f.engine.Create(context.Background(), NewRelease{
		ProductID: productPlugin, DownloadID: downloadPlugin, Version: "9.0", Type: domain.ReleaseMajor,
	})
	require.NoError(t, err)

	s, err := f.updates.Summary(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.FirstDays)
	assert.Zero(t, s.PercentUpdated)
}
