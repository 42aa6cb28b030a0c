package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensed/internal/store"
	"licensed/internal/store/storetest"
	"licensed/pkg/contracts/domain"
)

func storetestKey() domain.Key {
	return domain.Key{
		Key:            "PERSISTED",
		ProductID:      1,
		Status:         domain.KeyStatusActive,
		MaxActivations: 3,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestBoltStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.OpenBolt(filepath.Join(t.TempDir(), "licensed.db"), time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licensed.db")
	s, err := store.OpenBolt(path, time.Second)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.CreateKey(ctx, storetestKey())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.OpenBolt(path, time.Second)
	require.NoError(t, err)
	defer s.Close()

	k, err := s.GetKey(ctx, "PERSISTED")
	require.NoError(t, err)
	require.Equal(t, 3, k.MaxActivations)
}

// TestPostgresStore runs against a live database when LICENSED_TEST_POSTGRES_DSN is set
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LICENSED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LICENSED_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := store.OpenPostgres(ctx, dsn, 20)
		require.NoError(t, err)
		require.NoError(t, s.Truncate(ctx))
		t.Cleanup(func() { s.Close() })
		return s
	})
}
