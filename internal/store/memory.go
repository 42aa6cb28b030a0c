package store

import (
	"context"
	"sort"
	"sync"

	apperrors "licensed/internal/errors"
	"licensed/pkg/contracts/domain"
)

// MemoryStore keeps every collection in process memory behind one mutex.
// It backs tests and single-process deployments that do not need durability.
type MemoryStore struct {
	mu sync.Mutex

	keys        map[string]domain.Key
	activations map[int64]domain.Activation
	byKey       map[string][]int64
	renewals    map[int64]domain.Renewal
	releases    map[int64]domain.Release
	updates     map[int64]domain.Update

	nextActivation int64
	nextRenewal    int64
	nextRelease    int64
	nextUpdate     int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:        make(map[string]domain.Key),
		activations: make(map[int64]domain.Activation),
		byKey:       make(map[string][]int64),
		renewals:    make(map[int64]domain.Renewal),
		releases:    make(map[int64]domain.Release),
		updates:     make(map[int64]domain.Update),
	}
}

// CreateKey stores a new key
func (s *MemoryStore) CreateKey(ctx context.Context, k domain.Key) (domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[k.Key]; exists {
		return domain.Key{}, apperrors.Duplicate("license key already exists")
	}
	for _, other := range s.keys {
		if issuedBy(other, k) {
			return domain.Key{}, apperrors.Duplicate("purchase line already issued a license key")
		}
	}
	s.keys[k.Key] = cloneKey(k)
	return cloneKey(k), nil
}

// GetKey loads a key by its string
func (s *MemoryStore) GetKey(ctx context.Context, key string) (domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return domain.Key{}, apperrors.NotFound("license key")
	}
	return cloneKey(k), nil
}

// ListKeys returns keys ordered by creation time
func (s *MemoryStore) ListKeys(ctx context.Context, f KeyFilter) ([]domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Key, 0, len(s.keys))
	for _, k := range s.keys {
		if f.match(k) {
			out = append(out, cloneKey(k))
		}
	}
	sortKeys(out)
	return page(out, f.Offset, f.Limit), nil
}

// MutateKey applies fn to the stored key and persists the result
func (s *MemoryStore) MutateKey(ctx context.Context, key string, fn func(*domain.Key) error) (domain.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return domain.Key{}, apperrors.NotFound("license key")
	}
	next := cloneKey(k)
	if err := fn(&next); err != nil {
		return cloneKey(k), err
	}
	next.Key = k.Key
	s.keys[key] = cloneKey(next)
	return next, nil
}

// DeleteKey removes the key together with its activations and renewals
func (s *MemoryStore) DeleteKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; !ok {
		return apperrors.NotFound("license key")
	}
	for _, id := range s.byKey[key] {
		delete(s.activations, id)
	}
	delete(s.byKey, key)
	for id, r := range s.renewals {
		if r.Key == key {
			delete(s.renewals, id)
		}
	}
	delete(s.keys, key)
	return nil
}

// Admit runs the admission decision and its write under the store lock
func (s *MemoryStore) Admit(ctx context.Context, key, location string, fn AdmitFunc) (domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return domain.Activation{}, apperrors.NotFound("license key")
	}

	active := 0
	var existing *domain.Activation
	for _, id := range s.byKey[key] {
		a := s.activations[id]
		if a.Status == domain.ActivationActive {
			active++
		}
		if a.Location == location && (existing == nil || a.ID > existing.ID) {
			c := cloneActivation(a)
			existing = &c
		}
	}

	next, err := fn(cloneKey(k), active, existing)
	if err != nil {
		return domain.Activation{}, err
	}
	next.Key, next.Location = key, location
	if err := checkAdmitted(next, existing); err != nil {
		return domain.Activation{}, err
	}

	if next.ID == 0 {
		s.nextActivation++
		next.ID = s.nextActivation
		s.byKey[key] = append(s.byKey[key], next.ID)
	}
	s.activations[next.ID] = cloneActivation(next)
	return next, nil
}

// checkAdmitted enforces the insert/update contract of AdmitFunc
func checkAdmitted(next domain.Activation, existing *domain.Activation) error {
	if next.ID == 0 {
		if existing != nil && existing.Status != domain.ActivationExpired {
			return apperrors.Duplicate("activation already exists for location")
		}
		return nil
	}
	if existing == nil || existing.ID != next.ID {
		return apperrors.Domain("admission may only update the location's current activation")
	}
	return nil
}

// GetActivation loads an activation by id
func (s *MemoryStore) GetActivation(ctx context.Context, id int64) (domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return domain.Activation{}, apperrors.NotFound("activation")
	}
	return cloneActivation(a), nil
}

// FindActivation returns the most recent activation for (key, location)
func (s *MemoryStore) FindActivation(ctx context.Context, key, location string) (domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *domain.Activation
	for _, id := range s.byKey[key] {
		a := s.activations[id]
		if a.Location == location && (found == nil || a.ID > found.ID) {
			found = &a
		}
	}
	if found == nil {
		return domain.Activation{}, apperrors.NotFound("activation")
	}
	return cloneActivation(*found), nil
}

// ListActivations returns activations ordered by id
func (s *MemoryStore) ListActivations(ctx context.Context, f ActivationFilter) ([]domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Activation, 0)
	for _, a := range s.activations {
		if f.match(a) {
			out = append(out, cloneActivation(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, f.Offset, f.Limit), nil
}

// CountActive counts the key's activations in active status
func (s *MemoryStore) CountActive(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.byKey[key] {
		if s.activations[id].Status == domain.ActivationActive {
			n++
		}
	}
	return n, nil
}

// MutateActivation applies fn to the stored activation and persists the result
func (s *MemoryStore) MutateActivation(ctx context.Context, id int64, fn func(*domain.Activation) error) (domain.Activation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return domain.Activation{}, apperrors.NotFound("activation")
	}
	next := cloneActivation(a)
	if err := fn(&next); err != nil {
		return cloneActivation(a), err
	}
	next.ID, next.Key, next.Location = a.ID, a.Key, a.Location
	s.activations[id] = cloneActivation(next)
	return next, nil
}

// DeleteActivation hard-deletes an activation; its update log rows remain
func (s *MemoryStore) DeleteActivation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activations[id]
	if !ok {
		return apperrors.NotFound("activation")
	}
	delete(s.activations, id)
	ids := s.byKey[a.Key]
	for i, v := range ids {
		if v == id {
			s.byKey[a.Key] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// RenewKey runs fn and writes the renewal and the key under the store lock
func (s *MemoryStore) RenewKey(ctx context.Context, key string, fn RenewFunc) (domain.Key, domain.Renewal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[key]
	if !ok {
		return domain.Key{}, domain.Renewal{}, apperrors.NotFound("license key")
	}
	history := s.keyRenewals(key)
	next := cloneKey(k)
	r, err := fn(&next, history)
	if err != nil {
		return cloneKey(k), domain.Renewal{}, err
	}
	r.Key = key
	if err := checkRenewal(r, history); err != nil {
		return cloneKey(k), domain.Renewal{}, err
	}

	next.Key = k.Key
	s.nextRenewal++
	r.ID = s.nextRenewal
	s.renewals[r.ID] = cloneRenewal(r)
	s.keys[key] = cloneKey(next)
	return next, r, nil
}

// ListRenewals returns the key's renewals in insertion order
func (s *MemoryStore) ListRenewals(ctx context.Context, key string) ([]domain.Renewal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyRenewals(key), nil
}

// keyRenewals copies the key's renewals in id order; the caller holds mu
func (s *MemoryStore) keyRenewals(key string) []domain.Renewal {
	out := make([]domain.Renewal, 0)
	for _, r := range s.renewals {
		if r.Key == key {
			out = append(out, cloneRenewal(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateRelease stores a new release
func (s *MemoryStore) CreateRelease(ctx context.Context, r domain.Release) (domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRelease++
	r.ID = s.nextRelease
	s.releases[r.ID] = cloneRelease(r)
	return r, nil
}

// GetRelease loads a release by id
func (s *MemoryStore) GetRelease(ctx context.Context, id int64) (domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.releases[id]
	if !ok {
		return domain.Release{}, apperrors.NotFound("release")
	}
	return cloneRelease(r), nil
}

// ListReleases returns releases ordered by id
func (s *MemoryStore) ListReleases(ctx context.Context, f ReleaseFilter) ([]domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Release, 0)
	for _, r := range s.releases {
		if f.match(r) {
			out = append(out, cloneRelease(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MutateRelease applies fn to the stored release and persists the result
func (s *MemoryStore) MutateRelease(ctx context.Context, id int64, fn func(*domain.Release) error) (domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.releases[id]
	if !ok {
		return domain.Release{}, apperrors.NotFound("release")
	}
	next := cloneRelease(r)
	if err := fn(&next); err != nil {
		return cloneRelease(r), err
	}
	next.ID = r.ID
	s.releases[id] = cloneRelease(next)
	return next, nil
}

// DeleteRelease removes a release row
func (s *MemoryStore) DeleteRelease(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.releases[id]; !ok {
		return apperrors.NotFound("release")
	}
	delete(s.releases, id)
	return nil
}

// AddUpdate appends an update log entry
func (s *MemoryStore) AddUpdate(ctx context.Context, u domain.Update) (domain.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUpdate++
	u.ID = s.nextUpdate
	s.updates[u.ID] = u
	return u, nil
}

// ListUpdates returns update log entries ordered by id
func (s *MemoryStore) ListUpdates(ctx context.Context, f UpdateFilter) ([]domain.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Update, 0)
	for _, u := range s.updates {
		if f.match(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func sortKeys(keys []domain.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.Before(keys[j].CreatedAt)
		}
		return keys[i].Key < keys[j].Key
	})
}
