package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	apperrors "licensed/internal/errors"
	"licensed/pkg/contracts/domain"
)

var (
	bucketKeys           = []byte("keys")
	bucketIssuedLines    = []byte("issued_lines")
	bucketActivations    = []byte("activations")
	bucketKeyActivations = []byte("key_activations")
	bucketRenewals       = []byte("renewals")
	bucketKeyRenewals    = []byte("key_renewals")
	bucketReleases       = []byte("releases")
	bucketUpdates        = []byte("updates")
)

// BoltStore persists rows as JSON in a bbolt file. bbolt allows a single
// writer at a time, so every read-modify-write (including Admit) runs inside
// one Update transaction and is atomic with respect to every other writer.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database file at path
func OpenBolt(path string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketKeys, bucketIssuedLines, bucketActivations, bucketKeyActivations,
			bucketRenewals, bucketKeyRenewals, bucketReleases, bucketUpdates,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database file
func (s *BoltStore) Close() error { return s.db.Close() }

// Ping checks the database is still open
func (s *BoltStore) Ping(ctx context.Context) error {
	return boltErr("ping", s.db.View(func(tx *bbolt.Tx) error { return nil }))
}

// CreateKey stores a new key
func (s *BoltStore) CreateKey(ctx context.Context, k domain.Key) (domain.Key, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b.Get([]byte(k.Key)) != nil {
			return apperrors.Duplicate("license key already exists")
		}
		if k.IssueLine > 0 {
			lines := tx.Bucket(bucketIssuedLines)
			line := issuedLine(k)
			if lines.Get(line) != nil {
				return apperrors.Duplicate("purchase line already issued a license key")
			}
			if err := lines.Put(line, []byte(k.Key)); err != nil {
				return err
			}
		}
		return putJSON(b, []byte(k.Key), k)
	})
	if err != nil {
		return domain.Key{}, boltErr("create key", err)
	}
	return k, nil
}

// GetKey loads a key by its string
func (s *BoltStore) GetKey(ctx context.Context, key string) (domain.Key, error) {
	var k domain.Key
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		k, err = getKey(tx, key)
		return err
	})
	return k, boltErr("get key", err)
}

// ListKeys returns keys ordered by creation time
func (s *BoltStore) ListKeys(ctx context.Context, f KeyFilter) ([]domain.Key, error) {
	out := make([]domain.Key, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, v []byte) error {
			var k domain.Key
			if err := json.Unmarshal(v, &k); err != nil {
				return err
			}
			if f.match(k) {
				out = append(out, k)
			}
			return nil
		})
	})
	if err != nil {
		return nil, boltErr("list keys", err)
	}
	sortKeys(out)
	return page(out, f.Offset, f.Limit), nil
}

// MutateKey applies fn to the stored key inside one write transaction
func (s *BoltStore) MutateKey(ctx context.Context, key string, fn func(*domain.Key) error) (domain.Key, error) {
	var current domain.Key
	err := s.db.Update(func(tx *bbolt.Tx) error {
		k, err := getKey(tx, key)
		if err != nil {
			return err
		}
		current = k
		next := cloneKey(k)
		if err := fn(&next); err != nil {
			return err
		}
		next.Key = k.Key
		current = next
		return putJSON(tx.Bucket(bucketKeys), []byte(key), next)
	})
	return current, boltErr("mutate key", err)
}

// DeleteKey removes the key together with its activations and renewals
func (s *BoltStore) DeleteKey(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		k, err := getKey(tx, key)
		if err != nil {
			return err
		}
		if k.IssueLine > 0 {
			if err := tx.Bucket(bucketIssuedLines).Delete(issuedLine(k)); err != nil {
				return err
			}
		}
		if err := deleteIndexed(tx, bucketKeyActivations, bucketActivations, key); err != nil {
			return err
		}
		if err := deleteIndexed(tx, bucketKeyRenewals, bucketRenewals, key); err != nil {
			return err
		}
		return tx.Bucket(bucketKeys).Delete([]byte(key))
	})
	return boltErr("delete key", err)
}

// Admit runs the admission decision and its write in one Update transaction
func (s *BoltStore) Admit(ctx context.Context, key, location string, fn AdmitFunc) (domain.Activation, error) {
	var admitted domain.Activation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		k, err := getKey(tx, key)
		if err != nil {
			return err
		}
		rows, err := keyActivations(tx, key)
		if err != nil {
			return err
		}

		active := 0
		var existing *domain.Activation
		for i := range rows {
			if rows[i].Status == domain.ActivationActive {
				active++
			}
			if rows[i].Location == location && (existing == nil || rows[i].ID > existing.ID) {
				existing = &rows[i]
			}
		}

		next, err := fn(k, active, existing)
		if err != nil {
			return err
		}
		next.Key, next.Location = key, location
		if err := checkAdmitted(next, existing); err != nil {
			return err
		}

		b := tx.Bucket(bucketActivations)
		if next.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			next.ID = int64(seq)
			idx, err := tx.Bucket(bucketKeyActivations).CreateBucketIfNotExists([]byte(key))
			if err != nil {
				return err
			}
			if err := idx.Put(itob(next.ID), nil); err != nil {
				return err
			}
		}
		admitted = next
		return putJSON(b, itob(next.ID), next)
	})
	if err != nil {
		return domain.Activation{}, boltErr("admit activation", err)
	}
	return admitted, nil
}

// GetActivation loads an activation by id
func (s *BoltStore) GetActivation(ctx context.Context, id int64) (domain.Activation, error) {
	var a domain.Activation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		a, err = getActivation(tx, id)
		return err
	})
	return a, boltErr("get activation", err)
}

// FindActivation returns the most recent activation for (key, location)
func (s *BoltStore) FindActivation(ctx context.Context, key, location string) (domain.Activation, error) {
	var found *domain.Activation
	err := s.db.View(func(tx *bbolt.Tx) error {
		rows, err := keyActivations(tx, key)
		if err != nil {
			return err
		}
		for i := range rows {
			if rows[i].Location == location && (found == nil || rows[i].ID > found.ID) {
				found = &rows[i]
			}
		}
		return nil
	})
	if err != nil {
		return domain.Activation{}, boltErr("find activation", err)
	}
	if found == nil {
		return domain.Activation{}, apperrors.NotFound("activation")
	}
	return *found, nil
}

// ListActivations returns activations ordered by id
func (s *BoltStore) ListActivations(ctx context.Context, f ActivationFilter) ([]domain.Activation, error) {
	out := make([]domain.Activation, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var rows []domain.Activation
		if f.Key != "" {
			var err error
			if rows, err = keyActivations(tx, f.Key); err != nil {
				return err
			}
		} else if err := tx.Bucket(bucketActivations).ForEach(func(_, v []byte) error {
			var a domain.Activation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			rows = append(rows, a)
			return nil
		}); err != nil {
			return err
		}
		for _, a := range rows {
			if f.match(a) {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, boltErr("list activations", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, f.Offset, f.Limit), nil
}

// CountActive counts the key's activations in active status
func (s *BoltStore) CountActive(ctx context.Context, key string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		rows, err := keyActivations(tx, key)
		if err != nil {
			return err
		}
		for _, a := range rows {
			if a.Status == domain.ActivationActive {
				n++
			}
		}
		return nil
	})
	return n, boltErr("count activations", err)
}

// MutateActivation applies fn to the stored activation inside one write transaction
func (s *BoltStore) MutateActivation(ctx context.Context, id int64, fn func(*domain.Activation) error) (domain.Activation, error) {
	var current domain.Activation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		a, err := getActivation(tx, id)
		if err != nil {
			return err
		}
		current = a
		next := cloneActivation(a)
		if err := fn(&next); err != nil {
			return err
		}
		next.ID, next.Key, next.Location = a.ID, a.Key, a.Location
		current = next
		return putJSON(tx.Bucket(bucketActivations), itob(id), next)
	})
	return current, boltErr("mutate activation", err)
}

// DeleteActivation hard-deletes an activation; its update log rows remain
func (s *BoltStore) DeleteActivation(ctx context.Context, id int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		a, err := getActivation(tx, id)
		if err != nil {
			return err
		}
		if idx := tx.Bucket(bucketKeyActivations).Bucket([]byte(a.Key)); idx != nil {
			if err := idx.Delete(itob(id)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketActivations).Delete(itob(id))
	})
	return boltErr("delete activation", err)
}

// RenewKey runs fn and writes the renewal and the key in one Update transaction
func (s *BoltStore) RenewKey(ctx context.Context, key string, fn RenewFunc) (domain.Key, domain.Renewal, error) {
	var (
		current domain.Key
		renewal domain.Renewal
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		k, err := getKey(tx, key)
		if err != nil {
			return err
		}
		current = k
		history, err := keyRenewals(tx, key)
		if err != nil {
			return err
		}
		next := cloneKey(k)
		r, err := fn(&next, history)
		if err != nil {
			return err
		}
		r.Key = key
		if err := checkRenewal(r, history); err != nil {
			return err
		}

		b := tx.Bucket(bucketRenewals)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		r.ID = int64(seq)
		idx, err := tx.Bucket(bucketKeyRenewals).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		if err := idx.Put(itob(r.ID), nil); err != nil {
			return err
		}
		if err := putJSON(b, itob(r.ID), r); err != nil {
			return err
		}
		next.Key = k.Key
		current, renewal = next, r
		return putJSON(tx.Bucket(bucketKeys), []byte(key), next)
	})
	if err != nil {
		return current, domain.Renewal{}, boltErr("renew key", err)
	}
	return current, renewal, nil
}

// ListRenewals returns the key's renewals in insertion order
func (s *BoltStore) ListRenewals(ctx context.Context, key string) ([]domain.Renewal, error) {
	var out []domain.Renewal
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = keyRenewals(tx, key)
		return err
	})
	return out, boltErr("list renewals", err)
}

// CreateRelease stores a new release
func (s *BoltStore) CreateRelease(ctx context.Context, r domain.Release) (domain.Release, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		r.ID = int64(seq)
		return putJSON(b, itob(r.ID), r)
	})
	if err != nil {
		return domain.Release{}, boltErr("create release", err)
	}
	return r, nil
}

// GetRelease loads a release by id
func (s *BoltStore) GetRelease(ctx context.Context, id int64) (domain.Release, error) {
	var r domain.Release
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getRow(tx.Bucket(bucketReleases), id, "release", &r)
	})
	return r, boltErr("get release", err)
}

// ListReleases returns releases ordered by id
func (s *BoltStore) ListReleases(ctx context.Context, f ReleaseFilter) ([]domain.Release, error) {
	out := make([]domain.Release, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReleases).ForEach(func(_, v []byte) error {
			var r domain.Release
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if f.match(r) {
				out = append(out, r)
			}
			return nil
		})
	})
	return out, boltErr("list releases", err)
}

// MutateRelease applies fn to the stored release inside one write transaction
func (s *BoltStore) MutateRelease(ctx context.Context, id int64, fn func(*domain.Release) error) (domain.Release, error) {
	var current domain.Release
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		var r domain.Release
		if err := getRow(b, id, "release", &r); err != nil {
			return err
		}
		current = r
		next := cloneRelease(r)
		if err := fn(&next); err != nil {
			return err
		}
		next.ID = r.ID
		current = next
		return putJSON(b, itob(id), next)
	})
	return current, boltErr("mutate release", err)
}

// DeleteRelease removes a release row
func (s *BoltStore) DeleteRelease(ctx context.Context, id int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketReleases)
		if b.Get(itob(id)) == nil {
			return apperrors.NotFound("release")
		}
		return b.Delete(itob(id))
	})
	return boltErr("delete release", err)
}

// AddUpdate appends an update log entry
func (s *BoltStore) AddUpdate(ctx context.Context, u domain.Update) (domain.Update, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		u.ID = int64(seq)
		return putJSON(b, itob(u.ID), u)
	})
	if err != nil {
		return domain.Update{}, boltErr("add update", err)
	}
	return u, nil
}

// ListUpdates returns update log entries ordered by id
func (s *BoltStore) ListUpdates(ctx context.Context, f UpdateFilter) ([]domain.Update, error) {
	out := make([]domain.Update, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUpdates).ForEach(func(_, v []byte) error {
			var u domain.Update
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			if f.match(u) {
				out = append(out, u)
			}
			return nil
		})
	})
	return out, boltErr("list updates", err)
}

func getKey(tx *bbolt.Tx, key string) (domain.Key, error) {
	var k domain.Key
	v := tx.Bucket(bucketKeys).Get([]byte(key))
	if v == nil {
		return k, apperrors.NotFound("license key")
	}
	return k, json.Unmarshal(v, &k)
}

func getActivation(tx *bbolt.Tx, id int64) (domain.Activation, error) {
	var a domain.Activation
	return a, getRow(tx.Bucket(bucketActivations), id, "activation", &a)
}

// keyActivations loads every activation indexed under key, ordered by id
func keyActivations(tx *bbolt.Tx, key string) ([]domain.Activation, error) {
	idx := tx.Bucket(bucketKeyActivations).Bucket([]byte(key))
	if idx == nil {
		return nil, nil
	}
	rows := tx.Bucket(bucketActivations)
	var out []domain.Activation
	err := idx.ForEach(func(id, _ []byte) error {
		var a domain.Activation
		if err := getJSON(rows, id, &a); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})
	return out, err
}

// keyRenewals loads every renewal indexed under key, ordered by id
func keyRenewals(tx *bbolt.Tx, key string) ([]domain.Renewal, error) {
	out := make([]domain.Renewal, 0)
	idx := tx.Bucket(bucketKeyRenewals).Bucket([]byte(key))
	if idx == nil {
		return out, nil
	}
	rows := tx.Bucket(bucketRenewals)
	err := idx.ForEach(func(id, _ []byte) error {
		var r domain.Renewal
		if err := getJSON(rows, id, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// issuedLine is the issued_lines index key: transaction id then line, big-endian
func issuedLine(k domain.Key) []byte {
	return append(itob(k.TransactionID), itob(int64(k.IssueLine))...)
}

// deleteIndexed removes every row listed in the key's index bucket, then the index
func deleteIndexed(tx *bbolt.Tx, index, rows []byte, key string) error {
	root := tx.Bucket(index)
	idx := root.Bucket([]byte(key))
	if idx == nil {
		return nil
	}
	b := tx.Bucket(rows)
	var ids [][]byte
	if err := idx.ForEach(func(id, _ []byte) error {
		ids = append(ids, bytes.Clone(id))
		return nil
	}); err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.Delete(id); err != nil {
			return err
		}
	}
	return root.DeleteBucket([]byte(key))
}

func getRow(b *bbolt.Bucket, id int64, resource string, v any) error {
	raw := b.Get(itob(id))
	if raw == nil {
		return apperrors.NotFound(resource)
	}
	return json.Unmarshal(raw, v)
}

func getJSON(b *bbolt.Bucket, id []byte, v any) error {
	raw := b.Get(id)
	if raw == nil {
		return fmt.Errorf("dangling index entry %x", id)
	}
	return json.Unmarshal(raw, v)
}

func putJSON(b *bbolt.Bucket, k []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(k, buf)
}

// itob encodes ids big-endian so bucket iteration follows id order
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// boltErr passes domain errors through and wraps everything else as storage failures
func boltErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) || errors.Is(err, ErrUnchanged) {
		return err
	}
	return apperrors.Storage(op, err)
}
