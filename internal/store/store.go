// Package store defines the persistent store port for keys, activations,
// renewals, releases and the update log, plus its memory, bbolt and
// PostgreSQL adapters.
//
// Every adapter enforces the same guarantees:
//
//   - key strings are unique (CreateKey reports a duplicate error)
//   - issued keys are unique per (transaction, issue line)
//   - for a (key, location) pair at most one activation is not expired
//   - Admit runs the capacity decision and the resulting insert or update
//     as one atomic unit, serialised per key
//   - RenewKey records the renewal and updates the key as one atomic unit,
//     and a non-zero transaction renews a given key at most once
//   - deleting a key removes its activations and renewals; update log rows are
//     kept as orphans
package store

import (
	"context"
	"errors"
	"time"

	apperrors "licensed/internal/errors"
	"licensed/pkg/contracts/domain"
)

// ErrUnchanged may be returned by a mutate function to skip the write. The
// Mutate call then returns the stored row together with ErrUnchanged.
var ErrUnchanged = errors.New("store: unchanged")

// AdmitFunc decides which activation row to persist for an admission request.
//
// It is called inside the adapter's atomic unit with the key, the live count of
// active activations for it, and the most recent activation for the requested
// location (nil when there is none). Returning an activation with ID 0 inserts
// a new row; returning one with the existing row's ID updates it in place. Any
// error aborts the admission without writing.
type AdmitFunc func(key domain.Key, active int, existing *domain.Activation) (domain.Activation, error)

// RenewFunc computes a renewal. It is called inside the adapter's atomic unit
// with the stored key, which it modifies in place, and the key's renewal
// history. The returned renewal is inserted and the modified key saved
// together. Returning ErrUnchanged skips both writes; any other error aborts.
type RenewFunc func(k *domain.Key, history []domain.Renewal) (domain.Renewal, error)

// KeyFilter narrows ListKeys. Zero values match everything.
type KeyFilter struct {
	ProductID     int64
	CustomerID    int64
	TransactionID int64
	Status        domain.KeyStatus
	// ExpiresBefore selects keys with a non-nil expiration strictly before it
	ExpiresBefore *time.Time
	Limit         int
	Offset        int
}

// ActivationFilter narrows ListActivations. Zero values match everything.
type ActivationFilter struct {
	Key    string
	Status domain.ActivationStatus
	Limit  int
	Offset int
}

// ReleaseFilter narrows ListReleases. Zero values match everything.
type ReleaseFilter struct {
	ProductID int64
	Statuses  []domain.ReleaseStatus
}

// UpdateFilter narrows ListUpdates. Zero values match everything.
type UpdateFilter struct {
	ActivationID int64
	ReleaseID    int64
}

// Store is the persistence port used by the licensing engines
type Store interface {
	CreateKey(ctx context.Context, k domain.Key) (domain.Key, error)
	GetKey(ctx context.Context, key string) (domain.Key, error)
	ListKeys(ctx context.Context, f KeyFilter) ([]domain.Key, error)
	MutateKey(ctx context.Context, key string, fn func(*domain.Key) error) (domain.Key, error)
	DeleteKey(ctx context.Context, key string) error

	Admit(ctx context.Context, key, location string, fn AdmitFunc) (domain.Activation, error)
	GetActivation(ctx context.Context, id int64) (domain.Activation, error)
	FindActivation(ctx context.Context, key, location string) (domain.Activation, error)
	ListActivations(ctx context.Context, f ActivationFilter) ([]domain.Activation, error)
	CountActive(ctx context.Context, key string) (int, error)
	MutateActivation(ctx context.Context, id int64, fn func(*domain.Activation) error) (domain.Activation, error)
	DeleteActivation(ctx context.Context, id int64) error

	RenewKey(ctx context.Context, key string, fn RenewFunc) (domain.Key, domain.Renewal, error)
	ListRenewals(ctx context.Context, key string) ([]domain.Renewal, error)

	CreateRelease(ctx context.Context, r domain.Release) (domain.Release, error)
	GetRelease(ctx context.Context, id int64) (domain.Release, error)
	ListReleases(ctx context.Context, f ReleaseFilter) ([]domain.Release, error)
	MutateRelease(ctx context.Context, id int64, fn func(*domain.Release) error) (domain.Release, error)
	DeleteRelease(ctx context.Context, id int64) error

	AddUpdate(ctx context.Context, u domain.Update) (domain.Update, error)
	ListUpdates(ctx context.Context, f UpdateFilter) ([]domain.Update, error)

	Ping(ctx context.Context) error
	Close() error
}

// checkRenewal rejects a second renewal of the key by the same transaction
func checkRenewal(r domain.Renewal, history []domain.Renewal) error {
	if r.TransactionID == 0 {
		return nil
	}
	for _, h := range history {
		if h.TransactionID == r.TransactionID {
			return apperrors.Duplicate("transaction already renewed license key")
		}
	}
	return nil
}

// issuedBy reports whether a and b were issued for the same purchase line
func issuedBy(a, b domain.Key) bool {
	return a.IssueLine > 0 && a.TransactionID == b.TransactionID && a.IssueLine == b.IssueLine
}

func (f KeyFilter) match(k domain.Key) bool {
	if f.ProductID != 0 && k.ProductID != f.ProductID {
		return false
	}
	if f.CustomerID != 0 && k.CustomerID != f.CustomerID {
		return false
	}
	if f.TransactionID != 0 && k.TransactionID != f.TransactionID {
		return false
	}
	if f.Status != "" && k.Status != f.Status {
		return false
	}
	if f.ExpiresBefore != nil && (k.Expires == nil || !k.Expires.Before(*f.ExpiresBefore)) {
		return false
	}
	return true
}

func (f ActivationFilter) match(a domain.Activation) bool {
	if f.Key != "" && a.Key != f.Key {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

func (f ReleaseFilter) match(r domain.Release) bool {
	if f.ProductID != 0 && r.ProductID != f.ProductID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

func (f UpdateFilter) match(u domain.Update) bool {
	if f.ActivationID != 0 && u.ActivationID != f.ActivationID {
		return false
	}
	if f.ReleaseID != 0 && u.ReleaseID != f.ReleaseID {
		return false
	}
	return true
}

// page applies offset and limit to an already ordered slice
func page[T any](rows []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneKey(k domain.Key) domain.Key {
	k.Expires = cloneTime(k.Expires)
	return k
}

func cloneActivation(a domain.Activation) domain.Activation {
	a.Deactivated = cloneTime(a.Deactivated)
	return a
}

func cloneRelease(r domain.Release) domain.Release {
	r.StartDate = cloneTime(r.StartDate)
	return r
}

func cloneRenewal(r domain.Renewal) domain.Renewal {
	r.PreviousExpiration = cloneTime(r.PreviousExpiration)
	return r
}
