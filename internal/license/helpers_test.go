package license

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"licensed/internal/catalog"
	"licensed/internal/events"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

const (
	productMonthly  int64 = 1
	productLifetime int64 = 2
	productDisabled int64 = 3
	productDerived  int64 = 4
)

var testNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *catalog.Static {
	t.Helper()
	c, err := catalog.NewStatic(
		catalog.Product{
			ID:   productMonthly,
			Name: "Monthly Plugin",
			Licensing: catalog.LicensingConfig{
				Enabled: true, KeyType: KeyTypeRandom, ActivationLimit: 1, OnlineSoftware: true,
			},
			Billing: catalog.BillingInterval{Unit: catalog.UnitMonth, Count: 1},
		},
		catalog.Product{
			ID:        productLifetime,
			Name:      "Lifetime Plugin",
			Licensing: catalog.LicensingConfig{Enabled: true, KeyType: KeyTypePattern, KeyPattern: "LT-9999-XXXX", ActivationLimit: 3},
		},
		catalog.Product{
			ID:   productDisabled,
			Name: "Theme",
		},
		catalog.Product{
			ID:        productDerived,
			Name:      "Yearly Plugin",
			Licensing: catalog.LicensingConfig{Enabled: true, KeyType: KeyTypeDerived, Unlimited: true},
			Billing:   catalog.BillingInterval{Unit: catalog.UnitYear, Count: 1},
		},
	)
	require.NoError(t, err)
	return c
}

// recorder captures observer callbacks
type recorder struct {
	events.Nop
	mu       sync.Mutex
	created  []domain.Key
	statuses []domain.KeyStatus
	renewed  []domain.Renewal
	extended int
	deleted  []string

	activationsCreated []domain.Activation
	activationChanges  []domain.ActivationStatus
}

func (r *recorder) KeyCreated(_ context.Context, k domain.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, k)
}

func (r *recorder) KeyStatusChanged(_ context.Context, k domain.Key, _ domain.KeyStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, k.Status)
}

func (r *recorder) KeyRenewed(_ context.Context, _ domain.Key, rn domain.Renewal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewed = append(r.renewed, rn)
}

func (r *recorder) KeyExtended(context.Context, domain.Key, *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extended++
}

func (r *recorder) KeyDeleted(_ context.Context, k domain.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, k.Key)
}

func (r *recorder) ActivationCreated(_ context.Context, a domain.Activation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activationsCreated = append(r.activationsCreated, a)
}

func (r *recorder) ActivationStatusChanged(_ context.Context, a domain.Activation, _ domain.ActivationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activationChanges = append(r.activationChanges, a.Status)
}

type fixture struct {
	store       *store.MemoryStore
	catalog     *catalog.Static
	ledger      *catalog.Ledger
	keys        *KeyEngine
	activations *ActivationEngine
	sweeper     *Sweeper
	events      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		catalog: testCatalog(t),
		ledger:  catalog.NewLedger(),
		events:  &recorder{},
	}
	opts := []Option{WithClock(func() time.Time { return testNow }), WithObserver(f.events)}
	f.keys = NewKeyEngine(f.store, f.catalog, f.ledger, NewDefaultRegistry([]byte("test-secret")), testLogger(), opts...)
	f.activations = NewActivationEngine(f.store, f.catalog, testLogger(), opts...)
	f.sweeper = NewSweeper(f.keys, f.activations, testLogger())
	return f
}

// key creates a key on product with the given seat limit
func (f *fixture) key(t *testing.T, name string, product int64, max int, expires *time.Time) domain.Key {
	t.Helper()
	k, err := f.keys.CreateKey(context.Background(), NewKey{
		Key: name, ProductID: product, MaxActivations: max, Expires: expires,
	})
	require.NoError(t, err)
	return k
}

func timePtr(t time.Time) *time.Time { return &t }
