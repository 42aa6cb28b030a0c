package license

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/pkg/contracts/domain"
)

func TestSweeperExpiresDueKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	f.key(t, "DUE", productLifetime, 3, &past)
	f.key(t, "FUTURE", productLifetime, 3, &future)
	f.key(t, "LIFETIME", productLifetime, 3, nil)
	f.key(t, "REFUNDED", productLifetime, 3, &past)
	_, err := f.keys.SetStatus(ctx, "REFUNDED", domain.KeyStatusDisabled)
	require.NoError(t, err)

	live, err := f.activations.Activate(ctx, ActivateRequest{Key: "DUE", Location: "one"})
	require.NoError(t, err)
	parked, err := f.activations.Activate(ctx, ActivateRequest{Key: "DUE", Location: "two"})
	require.NoError(t, err)
	_, err = f.activations.Deactivate(ctx, parked.ID, nil)
	require.NoError(t, err)
	untouched, err := f.activations.Activate(ctx, ActivateRequest{Key: "FUTURE", Location: "one"})
	require.NoError(t, err)

	res, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{KeysExpired: 1, ActivationsExpired: 2}, res)

	statuses := map[string]domain.KeyStatus{
		"DUE":      domain.KeyStatusExpired,
		"FUTURE":   domain.KeyStatusActive,
		"LIFETIME": domain.KeyStatusActive,
		"REFUNDED": domain.KeyStatusDisabled,
	}
	for key, want := range statuses {
		k, err := f.keys.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, k.Status, key)
	}
	for id, want := range map[int64]domain.ActivationStatus{
		live.ID:      domain.ActivationExpired,
		parked.ID:    domain.ActivationExpired,
		untouched.ID: domain.ActivationActive,
	} {
		a, err := f.activations.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, a.Status)
	}

	again, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again)
}

func TestSweeperConcurrentRunsExpireOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	past := testNow.Add(-24 * time.Hour)
	for _, name := range []string{"A", "B", "C"} {
		f.key(t, name, productLifetime, 1, &past)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sweeper.Run(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += res.KeysExpired
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, total)
}

func TestSweeperStartStopsWithContext(t *testing.T) {
	f := newFixture(t)
	past := testNow.Add(-time.Hour)
	f.key(t, "DUE", productLifetime, 1, &past)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Start(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		k, err := f.keys.Get(context.Background(), "DUE")
		return err == nil && k.Status == domain.KeyStatusExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	// a disabled loop returns immediately
	f.sweeper.Start(context.Background(), 0)
}
