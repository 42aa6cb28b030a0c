package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensed/internal/errors"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

func TestActivationCapacityScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 1, nil)

	a1, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "siteA.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationActive, a1.Status)

	_, err = f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "siteB.com"})
	assert.ErrorIs(t, err, apperrors.ErrCapacity)

	a1, err = f.activations.Deactivate(ctx, a1.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationDeactivated, a1.Status)
	require.NotNil(t, a1.Deactivated)

	a2, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "siteB.com"})
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.Equal(t, domain.ActivationActive, a2.Status)

	n, err := f.activations.ActiveCount(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActivateSameLocationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 1, nil)

	first, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example", Version: "1.0"})
	require.NoError(t, err)
	second, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example", Version: "2.0"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "1.0", second.Version)

	rows, err := f.activations.List(ctx, store.ActivationFilter{Key: "K"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Len(t, f.events.activationsCreated, 1)
}

func TestReactivationRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 2, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example"})
	require.NoError(t, err)

	_, err = f.activations.Reactivate(ctx, a.ID, nil)
	assert.ErrorIs(t, err, apperrors.ErrDomain, "active activations cannot be reactivated")

	_, err = f.activations.Deactivate(ctx, a.ID, nil)
	require.NoError(t, err)

	later := testNow.Add(90 * time.Minute)
	back, err := f.activations.Reactivate(ctx, a.ID, &later)
	require.NoError(t, err)
	assert.Equal(t, a.ID, back.ID)
	assert.Equal(t, a.Location, back.Location)
	assert.Equal(t, domain.ActivationActive, back.Status)
	assert.Nil(t, back.Deactivated)
	assert.True(t, back.Activated.Equal(later))

	assert.Equal(t, []domain.ActivationStatus{domain.ActivationDeactivated, domain.ActivationActive}, f.events.activationChanges)
}

func TestReactivateRequiresActiveKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 2, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example"})
	require.NoError(t, err)
	_, err = f.activations.Deactivate(ctx, a.ID, nil)
	require.NoError(t, err)

	for _, status := range []domain.KeyStatus{domain.KeyStatusDisabled, domain.KeyStatusExpired} {
		_, err = f.keys.SetStatus(ctx, "K", status)
		require.NoError(t, err)

		_, err = f.activations.Reactivate(ctx, a.ID, nil)
		require.ErrorIs(t, err, apperrors.ErrDomain)
		assert.Contains(t, err.Error(), string(status))

		stored, err := f.activations.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ActivationDeactivated, stored.Status)
	}

	_, err = f.keys.SetStatus(ctx, "K", domain.KeyStatusActive)
	require.NoError(t, err)
	_, err = f.activations.Reactivate(ctx, a.ID, nil)
	assert.NoError(t, err)
}

func TestActivateReactivatesDeactivatedLocationInPlace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 1, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example"})
	require.NoError(t, err)
	_, err = f.activations.Deactivate(ctx, a.ID, nil)
	require.NoError(t, err)

	again, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	assert.Equal(t, domain.ActivationActive, again.Status)
	assert.Nil(t, again.Deactivated)
}

func TestReactivateRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 1, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "one"})
	require.NoError(t, err)
	_, err = f.activations.Deactivate(ctx, a.ID, nil)
	require.NoError(t, err)
	_, err = f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "two"})
	require.NoError(t, err)

	_, err = f.activations.Reactivate(ctx, a.ID, nil)
	assert.ErrorIs(t, err, apperrors.ErrCapacity)
}

func TestExpiredActivationIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 1, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example"})
	require.NoError(t, err)
	expired, err := f.activations.Expire(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationExpired, expired.Status)

	// expiring twice is harmless
	_, err = f.activations.Expire(ctx, a.ID)
	require.NoError(t, err)

	_, err = f.activations.Deactivate(ctx, a.ID, nil)
	assert.ErrorIs(t, err, apperrors.ErrDomain)
	_, err = f.activations.Reactivate(ctx, a.ID, nil)
	assert.ErrorIs(t, err, apperrors.ErrDomain)

	fresh, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site.example"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, fresh.ID)

	old, err := f.activations.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationExpired, old.Status)
}

func TestActivateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 5, nil)
	f.key(t, "ONLINE", productMonthly, 5, nil)

	tests := []struct {
		name    string
		req     ActivateRequest
		wantErr error
		field   string
	}{
		{"missing key", ActivateRequest{Location: "x"}, apperrors.ErrValidation, "key"},
		{"empty location", ActivateRequest{Key: "K", Location: "   "}, apperrors.ErrValidation, "location"},
		{"long location", ActivateRequest{Key: "K", Location: strings.Repeat("a", domain.MaxLocationLength+1)}, apperrors.ErrValidation, "location"},
		{"normalises to empty", ActivateRequest{Key: "ONLINE", Location: "https://"}, apperrors.ErrValidation, "location"},
		{"unknown key", ActivateRequest{Key: "NOPE", Location: "x"}, apperrors.ErrNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.activations.Activate(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.field != "" {
				var appErr *apperrors.AppError
				require.True(t, errors.As(err, &appErr))
				assert.Equal(t, tt.field, appErr.Field)
			}
		})
	}
}

func TestActivateNormalisesOnlineSoftwareLocations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "ONLINE", productMonthly, 1, nil)
	f.key(t, "OFFLINE", productLifetime, 2, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "ONLINE", Location: "https://www.Example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "example.com", a.Location)

	b, err := f.activations.Activate(ctx, ActivateRequest{Key: "ONLINE", Location: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := f.activations.Activate(ctx, ActivateRequest{Key: "OFFLINE", Location: "https://www.Example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://www.Example.com/", c.Location)
}

func TestActivateTrackAndKeyStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 3, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "one", Track: "nightly"})
	require.NoError(t, err)
	assert.Equal(t, domain.TrackStable, a.Track)

	b, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "two", Track: "pre-release"})
	require.NoError(t, err)
	assert.Equal(t, domain.TrackPreRelease, b.Track)

	_, err = f.keys.SetStatus(ctx, "K", domain.KeyStatusDisabled)
	require.NoError(t, err)
	_, err = f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "three"})
	assert.ErrorIs(t, err, apperrors.ErrDomain)
}

func TestUnlimitedAndZeroSeatKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "ZERO", productLifetime, 0, nil)
	_, err := f.keys.CreateKey(ctx, NewKey{Key: "UNLIMITED", ProductID: productLifetime, Unlimited: true})
	require.NoError(t, err)

	_, err = f.activations.Activate(ctx, ActivateRequest{Key: "ZERO", Location: "x"})
	assert.ErrorIs(t, err, apperrors.ErrCapacity)

	for i := 0; i < 25; i++ {
		_, err := f.activations.Activate(ctx, ActivateRequest{Key: "UNLIMITED", Location: fmt.Sprintf("site-%d", i)})
		require.NoError(t, err)
	}
	n, err := f.activations.ActiveCount(ctx, "UNLIMITED")
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestConcurrentActivationAdmitsExactlyOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 3, nil)
	for _, loc := range []string{"seed-1", "seed-2"} {
		_, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: loc})
		require.NoError(t, err)
	}

	const racers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: fmt.Sprintf("racer-%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, apperrors.ErrCapacity):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, racers-1, rejected)
	n, err := f.activations.ActiveCount(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReportAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.key(t, "K", productLifetime, 1, nil)

	a, err := f.activations.Activate(ctx, ActivateRequest{Key: "K", Location: "site", Version: "1.0"})
	require.NoError(t, err)

	a, err = f.activations.Report(ctx, a.ID, "", domain.TrackPreRelease)
	require.NoError(t, err)
	assert.Equal(t, "1.0", a.Version)
	assert.Equal(t, domain.TrackPreRelease, a.Track)

	a, err = f.activations.Report(ctx, a.ID, "1.2", domain.TrackPreRelease)
	require.NoError(t, err)
	assert.Equal(t, "1.2", a.Version)

	require.NoError(t, f.activations.Delete(ctx, a.ID))
	_, err = f.activations.Get(ctx, a.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, f.activations.Delete(ctx, a.ID), apperrors.ErrNotFound)
}
