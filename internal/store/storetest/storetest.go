// Package storetest is a conformance suite run against every store adapter.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "licensed/internal/errors"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

// Factory returns an empty store; cleanup is registered on t by the factory
type Factory func(t *testing.T) store.Store

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full suite against stores produced by open
func Run(t *testing.T, open Factory) {
	t.Run("Keys", func(t *testing.T) { testKeys(t, open(t)) })
	t.Run("KeyFilters", func(t *testing.T) { testKeyFilters(t, open(t)) })
	t.Run("DeleteKeyCascades", func(t *testing.T) { testDeleteKeyCascades(t, open(t)) })
	t.Run("Admit", func(t *testing.T) { testAdmit(t, open(t)) })
	t.Run("AdmitExpiredLocation", func(t *testing.T) { testAdmitExpiredLocation(t, open(t)) })
	t.Run("ConcurrentAdmit", func(t *testing.T) { testConcurrentAdmit(t, open(t)) })
	t.Run("Activations", func(t *testing.T) { testActivations(t, open(t)) })
	t.Run("IssuedLines", func(t *testing.T) { testIssuedLines(t, open(t)) })
	t.Run("Renewals", func(t *testing.T) { testRenewals(t, open(t)) })
	t.Run("ConcurrentRenewal", func(t *testing.T) { testConcurrentRenewal(t, open(t)) })
	t.Run("Releases", func(t *testing.T) { testReleases(t, open(t)) })
	t.Run("Updates", func(t *testing.T) { testUpdates(t, open(t)) })
}

func newKey(key string, max int) domain.Key {
	exp := epoch.AddDate(1, 0, 0)
	return domain.Key{
		Key:            key,
		ProductID:      10,
		CustomerID:     20,
		TransactionID:  30,
		Status:         domain.KeyStatusActive,
		MaxActivations: max,
		Expires:        &exp,
		CreatedAt:      epoch,
	}
}

// admitNew inserts a fresh active row when capacity allows
func admitNew(when time.Time) store.AdmitFunc {
	return func(k domain.Key, active int, existing *domain.Activation) (domain.Activation, error) {
		if existing != nil && existing.Status == domain.ActivationActive {
			return *existing, nil
		}
		if !k.Admits(active) {
			return domain.Activation{}, apperrors.Capacity("maximum activations reached")
		}
		a := domain.Activation{Status: domain.ActivationActive, Activated: when, Track: domain.TrackStable}
		if existing != nil && existing.Status == domain.ActivationDeactivated {
			a.ID = existing.ID
		}
		return a, nil
	}
}

func testKeys(t *testing.T, s store.Store) {
	ctx := context.Background()

	created, err := s.CreateKey(ctx, newKey("KEY-1", 2))
	require.NoError(t, err)
	assert.Equal(t, "KEY-1", created.Key)

	_, err = s.CreateKey(ctx, newKey("KEY-1", 5))
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)

	got, err := s.GetKey(ctx, "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MaxActivations)
	require.NotNil(t, got.Expires)
	assert.True(t, got.Expires.Equal(epoch.AddDate(1, 0, 0)))
	assert.True(t, got.CreatedAt.Equal(epoch))

	_, err = s.GetKey(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	mutated, err := s.MutateKey(ctx, "KEY-1", func(k *domain.Key) error {
		k.Key = "renamed"
		k.MaxActivations = 7
		k.Expires = nil
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "KEY-1", mutated.Key, "key string is immutable")
	assert.Equal(t, 7, mutated.MaxActivations)

	got, err = s.GetKey(ctx, "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxActivations)
	assert.Nil(t, got.Expires)

	unchanged, err := s.MutateKey(ctx, "KEY-1", func(k *domain.Key) error {
		k.MaxActivations = 99
		return store.ErrUnchanged
	})
	assert.ErrorIs(t, err, store.ErrUnchanged)
	assert.Equal(t, 7, unchanged.MaxActivations)

	got, err = s.GetKey(ctx, "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxActivations, "aborted mutation is not persisted")

	_, err = s.MutateKey(ctx, "missing", func(*domain.Key) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func testKeyFilters(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		k := newKey(fmt.Sprintf("K%d", i), 1)
		k.CreatedAt = epoch.Add(time.Duration(i) * time.Hour)
		exp := epoch.AddDate(0, i, 0)
		k.Expires = &exp
		if i%2 == 1 {
			k.ProductID = 11
		}
		if i == 3 {
			k.Status = domain.KeyStatusDisabled
			k.Expires = nil
		}
		_, err := s.CreateKey(ctx, k)
		require.NoError(t, err)
	}

	all, err := s.ListKeys(ctx, store.KeyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"K0", "K1", "K2", "K3"}, keyNames(all))

	byProduct, err := s.ListKeys(ctx, store.KeyFilter{ProductID: 11})
	require.NoError(t, err)
	assert.Equal(t, []string{"K1", "K3"}, keyNames(byProduct))

	disabled, err := s.ListKeys(ctx, store.KeyFilter{Status: domain.KeyStatusDisabled})
	require.NoError(t, err)
	assert.Equal(t, []string{"K3"}, keyNames(disabled))

	cutoff := epoch.AddDate(0, 1, 15)
	expiring, err := s.ListKeys(ctx, store.KeyFilter{ExpiresBefore: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, []string{"K0", "K1"}, keyNames(expiring), "lifetime keys never match")

	paged, err := s.ListKeys(ctx, store.KeyFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"K1", "K2"}, keyNames(paged))
}

func testDeleteKeyCascades(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.CreateKey(ctx, newKey("GONE", 3))
	require.NoError(t, err)
	_, err = s.CreateKey(ctx, newKey("KEPT", 3))
	require.NoError(t, err)

	a, err := s.Admit(ctx, "GONE", "a.example", admitNew(epoch))
	require.NoError(t, err)
	kept, err := s.Admit(ctx, "KEPT", "a.example", admitNew(epoch))
	require.NoError(t, err)
	_, _, err = s.RenewKey(ctx, "GONE", renewal(domain.Renewal{RenewedAt: epoch}))
	require.NoError(t, err)
	_, err = s.AddUpdate(ctx, domain.Update{ActivationID: a.ID, ReleaseID: 1, UpdatedAt: epoch, PreviousVersion: "1.0"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteKey(ctx, "GONE"))

	_, err = s.GetKey(ctx, "GONE")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.GetActivation(ctx, a.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	renewals, err := s.ListRenewals(ctx, "GONE")
	require.NoError(t, err)
	assert.Empty(t, renewals)

	updates, err := s.ListUpdates(ctx, store.UpdateFilter{ActivationID: a.ID})
	require.NoError(t, err)
	assert.Len(t, updates, 1, "update log rows are not cascaded")

	_, err = s.GetActivation(ctx, kept.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, s.DeleteKey(ctx, "GONE"), apperrors.ErrNotFound)
}

func testAdmit(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Admit(ctx, "missing", "a.example", admitNew(epoch))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = s.CreateKey(ctx, newKey("K", 1))
	require.NoError(t, err)

	first, err := s.Admit(ctx, "K", "a.example", admitNew(epoch))
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, "K", first.Key)
	assert.Equal(t, "a.example", first.Location)
	assert.Equal(t, domain.ActivationActive, first.Status)

	again, err := s.Admit(ctx, "K", "a.example", admitNew(epoch.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = s.Admit(ctx, "K", "b.example", admitNew(epoch))
	assert.ErrorIs(t, err, apperrors.ErrCapacity)

	var seenActive int
	var seenExisting *domain.Activation
	_, err = s.Admit(ctx, "K", "a.example", func(k domain.Key, active int, existing *domain.Activation) (domain.Activation, error) {
		seenActive, seenExisting = active, existing
		return domain.Activation{Status: domain.ActivationActive, Activated: epoch}, nil
	})
	assert.ErrorIs(t, err, apperrors.ErrDuplicate, "a second live row for a location is rejected")
	assert.Equal(t, 1, seenActive)
	require.NotNil(t, seenExisting)
	assert.Equal(t, first.ID, seenExisting.ID)

	n, err := s.CountActive(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testAdmitExpiredLocation(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateKey(ctx, newKey("K", 1))
	require.NoError(t, err)

	first, err := s.Admit(ctx, "K", "a.example", admitNew(epoch))
	require.NoError(t, err)
	_, err = s.MutateActivation(ctx, first.ID, func(a *domain.Activation) error {
		a.Status = domain.ActivationExpired
		return nil
	})
	require.NoError(t, err)

	second, err := s.Admit(ctx, "K", "a.example", admitNew(epoch.Add(time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := s.FindActivation(ctx, "K", "a.example")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	old, err := s.GetActivation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationExpired, old.Status, "expired row is kept as history")
}

func testConcurrentAdmit(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateKey(ctx, newKey("RACE", 3))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.Admit(ctx, "RACE", fmt.Sprintf("seed-%d.example", i), admitNew(epoch))
		require.NoError(t, err)
	}

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Admit(ctx, "RACE", fmt.Sprintf("site-%d.example", i), admitNew(epoch))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case apperrors.KindOf(err) == apperrors.KindCapacity:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, workers-1, rejected)

	n, err := s.CountActive(ctx, "RACE")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testActivations(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateKey(ctx, newKey("K", 5))
	require.NoError(t, err)
	_, err = s.CreateKey(ctx, newKey("OTHER", 5))
	require.NoError(t, err)

	a, err := s.Admit(ctx, "K", "a.example", admitNew(epoch))
	require.NoError(t, err)
	b, err := s.Admit(ctx, "K", "b.example", admitNew(epoch))
	require.NoError(t, err)
	_, err = s.Admit(ctx, "OTHER", "a.example", admitNew(epoch))
	require.NoError(t, err)

	deactivatedAt := epoch.Add(2 * time.Hour)
	got, err := s.MutateActivation(ctx, b.ID, func(act *domain.Activation) error {
		act.Status = domain.ActivationDeactivated
		act.Deactivated = &deactivatedAt
		act.Location = "elsewhere"
		act.Version = "1.2"
		act.Track = domain.TrackPreRelease
		act.ReleaseID = 4
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b.example", got.Location, "location is immutable")

	reloaded, err := s.GetActivation(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationDeactivated, reloaded.Status)
	require.NotNil(t, reloaded.Deactivated)
	assert.True(t, reloaded.Deactivated.Equal(deactivatedAt))
	assert.Equal(t, "1.2", reloaded.Version)
	assert.Equal(t, domain.TrackPreRelease, reloaded.Track)
	assert.EqualValues(t, 4, reloaded.ReleaseID)

	n, err := s.CountActive(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	forKey, err := s.ListActivations(ctx, store.ActivationFilter{Key: "K"})
	require.NoError(t, err)
	require.Len(t, forKey, 2)
	assert.Equal(t, a.ID, forKey[0].ID)

	active, err := s.ListActivations(ctx, store.ActivationFilter{Status: domain.ActivationActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	_, err = s.FindActivation(ctx, "K", "nowhere")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, s.DeleteActivation(ctx, a.ID))
	_, err = s.GetActivation(ctx, a.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, s.DeleteActivation(ctx, a.ID), apperrors.ErrNotFound)

	_, err = s.MutateActivation(ctx, a.ID, func(*domain.Activation) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// renewal returns a RenewFunc recording r and pushing the expiration one month
func renewal(r domain.Renewal) store.RenewFunc {
	return func(k *domain.Key, _ []domain.Renewal) (domain.Renewal, error) {
		if k.Expires != nil {
			r.PreviousExpiration = k.Expires
			next := k.Expires.AddDate(0, 1, 0)
			k.Expires = &next
		}
		return r, nil
	}
}

func testIssuedLines(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := newKey("LINE-1", 1)
	first.IssueLine = 1
	_, err := s.CreateKey(ctx, first)
	require.NoError(t, err)

	again := newKey("LINE-1-AGAIN", 1)
	again.IssueLine = 1
	_, err = s.CreateKey(ctx, again)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate, "a purchase line issues one key")

	second := newKey("LINE-2", 1)
	second.IssueLine = 2
	_, err = s.CreateKey(ctx, second)
	require.NoError(t, err)

	// keys created outside issuance share the transaction freely
	_, err = s.CreateKey(ctx, newKey("MANUAL-1", 1))
	require.NoError(t, err)
	_, err = s.CreateKey(ctx, newKey("MANUAL-2", 1))
	require.NoError(t, err)

	k, err := s.GetKey(ctx, "LINE-2")
	require.NoError(t, err)
	assert.Equal(t, 2, k.IssueLine)

	// deleting the key frees its line
	require.NoError(t, s.DeleteKey(ctx, "LINE-1"))
	_, err = s.CreateKey(ctx, again)
	assert.NoError(t, err)
}

func testRenewals(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateKey(ctx, newKey("K", 1))
	require.NoError(t, err)

	k, r1, err := s.RenewKey(ctx, "K", renewal(domain.Renewal{RenewedAt: epoch, TransactionID: 77, Revenue: 49.5}))
	require.NoError(t, err)
	assert.Equal(t, "K", r1.Key)
	assert.True(t, k.Expires.Equal(epoch.AddDate(1, 1, 0)))

	stored, err := s.GetKey(ctx, "K")
	require.NoError(t, err)
	assert.True(t, stored.Expires.Equal(epoch.AddDate(1, 1, 0)), "the key is saved with the renewal")

	_, r2, err := s.RenewKey(ctx, "K", renewal(domain.Renewal{RenewedAt: epoch.Add(time.Hour)}))
	require.NoError(t, err)
	assert.Greater(t, r2.ID, r1.ID)

	_, _, err = s.RenewKey(ctx, "K", renewal(domain.Renewal{RenewedAt: epoch, TransactionID: 77}))
	assert.ErrorIs(t, err, apperrors.ErrDuplicate, "a transaction renews a key once")

	_, _, err = s.RenewKey(ctx, "K", func(*domain.Key, []domain.Renewal) (domain.Renewal, error) {
		return domain.Renewal{}, store.ErrUnchanged
	})
	assert.ErrorIs(t, err, store.ErrUnchanged)

	list, err := s.ListRenewals(ctx, "K")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, 77, list[0].TransactionID)
	assert.InDelta(t, 49.5, list[0].Revenue, 0.001)
	require.NotNil(t, list[0].PreviousExpiration)
	assert.True(t, list[0].PreviousExpiration.Equal(epoch.AddDate(1, 0, 0)))
	require.NotNil(t, list[1].PreviousExpiration)
	assert.True(t, list[1].PreviousExpiration.Equal(epoch.AddDate(1, 1, 0)))

	stored, err = s.GetKey(ctx, "K")
	require.NoError(t, err)
	assert.True(t, stored.Expires.Equal(epoch.AddDate(1, 2, 0)), "rejected renewals leave the key alone")

	_, _, err = s.RenewKey(ctx, "missing", renewal(domain.Renewal{RenewedAt: epoch}))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func testConcurrentRenewal(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateKey(ctx, newKey("K", 1))
	require.NoError(t, err)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		renewed  int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.RenewKey(ctx, "K", renewal(domain.Renewal{RenewedAt: epoch, TransactionID: 90}))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				renewed++
			} else if assert.ErrorIs(t, err, apperrors.ErrDuplicate) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, renewed)
	assert.Equal(t, workers-1, rejected)
	k, err := s.GetKey(ctx, "K")
	require.NoError(t, err)
	assert.True(t, k.Expires.Equal(epoch.AddDate(1, 1, 0)), "the key is extended once")
}

func testReleases(t *testing.T, s store.Store) {
	ctx := context.Background()

	mk := func(product int64, version string, status domain.ReleaseStatus) domain.Release {
		r, err := s.CreateRelease(ctx, domain.Release{
			ProductID: product, DownloadID: 5, Version: version, Status: status,
			Type: domain.ReleaseMinor, Changelog: "<p>notes</p>", CreatedAt: epoch,
		})
		require.NoError(t, err)
		return r
	}
	r1 := mk(10, "1.0", domain.ReleaseActive)
	r2 := mk(10, "1.1", domain.ReleaseDraft)
	mk(11, "2.0", domain.ReleaseActive)

	got, err := s.GetRelease(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0", got.Version)
	assert.Equal(t, "<p>notes</p>", got.Changelog)

	forProduct, err := s.ListReleases(ctx, store.ReleaseFilter{ProductID: 10})
	require.NoError(t, err)
	assert.Len(t, forProduct, 2)

	active, err := s.ListReleases(ctx, store.ReleaseFilter{ProductID: 10, Statuses: []domain.ReleaseStatus{domain.ReleaseActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, r1.ID, active[0].ID)

	start := epoch.Add(time.Hour)
	updated, err := s.MutateRelease(ctx, r2.ID, func(r *domain.Release) error {
		r.Status = domain.ReleaseActive
		r.StartDate = &start
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReleaseActive, updated.Status)

	got, err = s.GetRelease(ctx, r2.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartDate)
	assert.True(t, got.StartDate.Equal(start))

	require.NoError(t, s.DeleteRelease(ctx, r1.ID))
	_, err = s.GetRelease(ctx, r1.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRelease(ctx, r1.ID), apperrors.ErrNotFound)
}

func testUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i, u := range []domain.Update{
		{ActivationID: 1, ReleaseID: 100, PreviousVersion: "1.0"},
		{ActivationID: 2, ReleaseID: 100, PreviousVersion: "1.0"},
		{ActivationID: 1, ReleaseID: 101, PreviousVersion: "1.1"},
	} {
		u.UpdatedAt = epoch.Add(time.Duration(i) * time.Minute)
		_, err := s.AddUpdate(ctx, u)
		require.NoError(t, err)
	}

	all, err := s.ListUpdates(ctx, store.UpdateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	forRelease, err := s.ListUpdates(ctx, store.UpdateFilter{ReleaseID: 100})
	require.NoError(t, err)
	assert.Len(t, forRelease, 2)

	forActivation, err := s.ListUpdates(ctx, store.UpdateFilter{ActivationID: 1})
	require.NoError(t, err)
	require.Len(t, forActivation, 2)
	assert.Equal(t, "1.0", forActivation[0].PreviousVersion)
	assert.Equal(t, "1.1", forActivation[1].PreviousVersion)
}

func keyNames(keys []domain.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Key
	}
	return out
}
