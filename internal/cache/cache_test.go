package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/pkg/contracts/domain"
)

func sampleReleases() []domain.Release {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return []domain.Release{
		{ID: 1, ProductID: 7, Version: "1.0", Status: domain.ReleaseActive, Type: domain.ReleaseMajor, StartDate: &start},
		{ID: 2, ProductID: 7, Version: "1.1", Status: domain.ReleaseActive, Type: domain.ReleaseMinor},
	}
}

// runCacheContract exercises behaviour every ReleaseCache shares
func runCacheContract(t *testing.T, c ReleaseCache) {
	ctx := context.Background()

	_, ok, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, 7, sampleReleases()))
	got, ok, err := c.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "1.1", got[1].Version)
	require.NotNil(t, got[0].StartDate)

	// an empty list is a valid cached value
	require.NoError(t, c.Set(ctx, 8, nil))
	got, ok, err = c.Get(ctx, 8)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)

	require.NoError(t, c.Invalidate(ctx, 7))
	_, ok, err = c.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryContract(t *testing.T) {
	c := NewMemory(time.Minute, 10)
	defer c.Close()
	runCacheContract(t, c)
}

func TestMemoryExpiresEntries(t *testing.T) {
	c := NewMemory(time.Minute, 10)
	defer c.Close()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, 1, sampleReleases()))
	_, ok, _ := c.Get(ctx, 1)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, 1)
	assert.False(t, ok)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats["hit_count"])
	assert.EqualValues(t, 1, stats["miss_count"])
}

func TestMemoryEvictsOldest(t *testing.T) {
	c := NewMemory(time.Minute, 2)
	defer c.Close()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, c.Set(ctx, id, sampleReleases()))
		now = now.Add(time.Second)
	}

	_, ok, _ := c.Get(ctx, 1)
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok, _ = c.Get(ctx, 3)
	assert.True(t, ok)
}

func TestMemoryReturnsCopies(t *testing.T) {
	c := NewMemory(time.Minute, 10)
	defer c.Close()
	ctx := context.Background()

	in := sampleReleases()
	require.NoError(t, c.Set(ctx, 7, in))
	in[0].Version = "mutated"

	got, _, _ := c.Get(ctx, 7)
	assert.Equal(t, "1.0", got[0].Version)
	got[1].Version = "mutated"

	again, _, _ := c.Get(ctx, 7)
	assert.Equal(t, "1.1", again[1].Version)
}

func TestMemoryZeroSizeStoresNothing(t *testing.T) {
	c := NewMemory(time.Minute, 0)
	defer c.Close()
	require.NoError(t, c.Set(context.Background(), 1, sampleReleases()))
	_, ok, _ := c.Get(context.Background(), 1)
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}

func TestRedisContract(t *testing.T) {
	url := os.Getenv("LICENSED_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LICENSED_TEST_REDIS_URL not set")
	}
	c, err := NewRedis(context.Background(), url, time.Minute)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Invalidate(context.Background(), 8))
	runCacheContract(t, c)
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not a url", time.Minute)
	assert.Error(t, err)
}
