package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "licensed/internal/errors"
	"licensed/pkg/contracts/domain"
)

// schema is applied on open; every statement is idempotent.
//
// Live activations are unique per (key, location) through a partial index so
// expired rows stay behind as history when a location is re-activated. Issued
// keys are unique per purchase line and renewals per (key, transaction).
const schema = `
CREATE TABLE IF NOT EXISTS license_keys (
	key             VARCHAR(128) PRIMARY KEY,
	product_id      BIGINT       NOT NULL,
	customer_id     BIGINT       NOT NULL,
	transaction_id  BIGINT       NOT NULL DEFAULT 0,
	issue_line      INTEGER      NOT NULL DEFAULT 0,
	status          VARCHAR(20)  NOT NULL,
	max_activations INTEGER      NOT NULL DEFAULT 0,
	unlimited       BOOLEAN      NOT NULL DEFAULT FALSE,
	expires         TIMESTAMPTZ,
	created_at      TIMESTAMPTZ  NOT NULL
);
ALTER TABLE license_keys ADD COLUMN IF NOT EXISTS issue_line INTEGER NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS license_keys_expires ON license_keys (expires) WHERE expires IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS license_keys_issued_line
	ON license_keys (transaction_id, issue_line) WHERE issue_line > 0;

CREATE TABLE IF NOT EXISTS activations (
	id          BIGSERIAL    PRIMARY KEY,
	key         VARCHAR(128) NOT NULL REFERENCES license_keys (key) ON DELETE CASCADE,
	location    VARCHAR(191) NOT NULL,
	status      VARCHAR(20)  NOT NULL,
	activated   TIMESTAMPTZ  NOT NULL,
	deactivated TIMESTAMPTZ,
	version     VARCHAR(64)  NOT NULL DEFAULT '',
	track       VARCHAR(20)  NOT NULL DEFAULT 'stable',
	release_id  BIGINT       NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS activations_key ON activations (key);
CREATE UNIQUE INDEX IF NOT EXISTS activations_live_location
	ON activations (key, location) WHERE status <> 'expired';

CREATE TABLE IF NOT EXISTS renewals (
	id                  BIGSERIAL        PRIMARY KEY,
	key                 VARCHAR(128)     NOT NULL REFERENCES license_keys (key) ON DELETE CASCADE,
	renewed_at          TIMESTAMPTZ      NOT NULL,
	previous_expiration TIMESTAMPTZ,
	transaction_id      BIGINT           NOT NULL DEFAULT 0,
	revenue             DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS renewals_transaction
	ON renewals (key, transaction_id) WHERE transaction_id <> 0;

CREATE TABLE IF NOT EXISTS releases (
	id          BIGSERIAL   PRIMARY KEY,
	product_id  BIGINT      NOT NULL,
	download_id BIGINT      NOT NULL,
	version     VARCHAR(64) NOT NULL,
	status      VARCHAR(20) NOT NULL,
	type        VARCHAR(20) NOT NULL,
	changelog   TEXT        NOT NULL DEFAULT '',
	start_date  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS releases_product_status ON releases (product_id, status);

CREATE TABLE IF NOT EXISTS updates (
	id               BIGSERIAL   PRIMARY KEY,
	activation_id    BIGINT      NOT NULL,
	release_id       BIGINT      NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	previous_version VARCHAR(64) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS updates_release ON updates (release_id);
`

const (
	keyColumns        = `key, product_id, customer_id, transaction_id, issue_line, status, max_activations, unlimited, expires, created_at`
	activationColumns = `id, key, location, status, activated, deactivated, version, track, release_id`
	renewalColumns    = `id, key, renewed_at, previous_expiration, transaction_id, revenue`
	releaseColumns    = `id, product_id, download_id, version, status, type, changelog, start_date, created_at`
	updateColumns     = `id, activation_id, release_id, updated_at, previous_version`
)

// PostgresStore persists rows in PostgreSQL through a pgx connection pool.
// Admission locks the key row (SELECT ... FOR UPDATE) so the live count and the
// insert are serialised per key, and the partial unique index rejects any
// second live row for a location.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and migrates the schema
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Truncate removes every row; used by the conformance tests
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE updates, releases, renewals, activations, license_keys RESTART IDENTITY`)
	return pgErr("truncate", err)
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return pgErr("ping", s.pool.Ping(ctx))
}

// CreateKey stores a new key
func (s *PostgresStore) CreateKey(ctx context.Context, k domain.Key) (domain.Key, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO license_keys (`+keyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		k.Key, k.ProductID, k.CustomerID, k.TransactionID, k.IssueLine, string(k.Status),
		k.MaxActivations, k.Unlimited, k.Expires, k.CreatedAt)
	if isUniqueViolation(err) {
		if constraintName(err) == "license_keys_issued_line" {
			return domain.Key{}, apperrors.Duplicate("purchase line already issued a license key")
		}
		return domain.Key{}, apperrors.Duplicate("license key already exists")
	}
	if err != nil {
		return domain.Key{}, pgErr("create key", err)
	}
	return k, nil
}

// GetKey loads a key by its string
func (s *PostgresStore) GetKey(ctx context.Context, key string) (domain.Key, error) {
	k, err := scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE key = $1`, key))
	return k, notFound(pgErr("get key", err), "license key")
}

// ListKeys returns keys ordered by creation time
func (s *PostgresStore) ListKeys(ctx context.Context, f KeyFilter) ([]domain.Key, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ProductID != 0 {
		add("product_id = $%d", f.ProductID)
	}
	if f.CustomerID != 0 {
		add("customer_id = $%d", f.CustomerID)
	}
	if f.TransactionID != 0 {
		add("transaction_id = $%d", f.TransactionID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ExpiresBefore != nil {
		add("expires < $%d", *f.ExpiresBefore)
	}

	q := `SELECT ` + keyColumns + ` FROM license_keys`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, key` + limitClause(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr("list keys", err)
	}
	return collect(rows, scanKey, "list keys")
}

// MutateKey applies fn to the locked key row inside one transaction
func (s *PostgresStore) MutateKey(ctx context.Context, key string, fn func(*domain.Key) error) (domain.Key, error) {
	var current domain.Key
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		k, err := scanKey(tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE key = $1 FOR UPDATE`, key))
		if err != nil {
			return notFound(err, "license key")
		}
		current = k
		next := cloneKey(k)
		if err := fn(&next); err != nil {
			return err
		}
		next.Key = k.Key
		if err := updateKey(ctx, tx, next); err != nil {
			return err
		}
		current = next
		return nil
	})
	return current, pgErr("mutate key", err)
}

// DeleteKey removes the key; activations and renewals cascade
func (s *PostgresStore) DeleteKey(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM license_keys WHERE key = $1`, key)
	if err != nil {
		return pgErr("delete key", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("license key")
	}
	return nil
}

// Admit locks the key row, counts live activations, and inserts or updates
// the location's row in the same transaction.
func (s *PostgresStore) Admit(ctx context.Context, key, location string, fn AdmitFunc) (domain.Activation, error) {
	var admitted domain.Activation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		k, err := scanKey(tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE key = $1 FOR UPDATE`, key))
		if err != nil {
			return notFound(err, "license key")
		}

		var active int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM activations WHERE key = $1 AND status = 'active'`, key).Scan(&active); err != nil {
			return err
		}

		var existing *domain.Activation
		a, err := scanActivation(tx.QueryRow(ctx,
			`SELECT `+activationColumns+` FROM activations WHERE key = $1 AND location = $2 ORDER BY id DESC LIMIT 1`,
			key, location))
		switch {
		case err == nil:
			existing = &a
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		next, err := fn(k, active, existing)
		if err != nil {
			return err
		}
		next.Key, next.Location = key, location
		if err := checkAdmitted(next, existing); err != nil {
			return err
		}

		if next.ID != 0 {
			admitted = next
			return updateActivation(ctx, tx, next)
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO activations (key, location, status, activated, deactivated, version, track, release_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (key, location) WHERE status <> 'expired' DO NOTHING
			 RETURNING id`,
			next.Key, next.Location, string(next.Status), next.Activated, next.Deactivated,
			next.Version, string(next.Track), next.ReleaseID).Scan(&next.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Duplicate("activation already exists for location")
		}
		admitted = next
		return err
	})
	if err != nil {
		return domain.Activation{}, pgErr("admit activation", err)
	}
	return admitted, nil
}

// GetActivation loads an activation by id
func (s *PostgresStore) GetActivation(ctx context.Context, id int64) (domain.Activation, error) {
	a, err := scanActivation(s.pool.QueryRow(ctx, `SELECT `+activationColumns+` FROM activations WHERE id = $1`, id))
	return a, notFound(pgErr("get activation", err), "activation")
}

// FindActivation returns the most recent activation for (key, location)
func (s *PostgresStore) FindActivation(ctx context.Context, key, location string) (domain.Activation, error) {
	a, err := scanActivation(s.pool.QueryRow(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE key = $1 AND location = $2 ORDER BY id DESC LIMIT 1`,
		key, location))
	return a, notFound(pgErr("find activation", err), "activation")
}

// ListActivations returns activations ordered by id
func (s *PostgresStore) ListActivations(ctx context.Context, f ActivationFilter) ([]domain.Activation, error) {
	var (
		where []string
		args  []any
	)
	if f.Key != "" {
		args = append(args, f.Key)
		where = append(where, fmt.Sprintf("key = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + activationColumns + ` FROM activations`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id` + limitClause(f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr("list activations", err)
	}
	return collect(rows, scanActivation, "list activations")
}

// CountActive counts the key's activations in active status
func (s *PostgresStore) CountActive(ctx context.Context, key string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM activations WHERE key = $1 AND status = 'active'`, key).Scan(&n)
	return n, pgErr("count activations", err)
}

// MutateActivation applies fn to the locked activation row inside one transaction
func (s *PostgresStore) MutateActivation(ctx context.Context, id int64, fn func(*domain.Activation) error) (domain.Activation, error) {
	var current domain.Activation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanActivation(tx.QueryRow(ctx, `SELECT `+activationColumns+` FROM activations WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "activation")
		}
		current = a
		next := cloneActivation(a)
		if err := fn(&next); err != nil {
			return err
		}
		next.ID, next.Key, next.Location = a.ID, a.Key, a.Location
		if err := updateActivation(ctx, tx, next); err != nil {
			return err
		}
		current = next
		return nil
	})
	return current, pgErr("mutate activation", err)
}

// DeleteActivation hard-deletes an activation; its update log rows remain
func (s *PostgresStore) DeleteActivation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM activations WHERE id = $1`, id)
	if err != nil {
		return pgErr("delete activation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("activation")
	}
	return nil
}

// RenewKey locks the key row, runs fn against its renewal history, and inserts
// the renewal and updates the key in the same transaction.
func (s *PostgresStore) RenewKey(ctx context.Context, key string, fn RenewFunc) (domain.Key, domain.Renewal, error) {
	var (
		current domain.Key
		renewal domain.Renewal
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		k, err := scanKey(tx.QueryRow(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE key = $1 FOR UPDATE`, key))
		if err != nil {
			return notFound(err, "license key")
		}
		current = k
		rows, err := tx.Query(ctx, `SELECT `+renewalColumns+` FROM renewals WHERE key = $1 ORDER BY id`, key)
		if err != nil {
			return err
		}
		history, err := collect(rows, scanRenewal, "list renewals")
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

		err = tx.QueryRow(ctx,
			`INSERT INTO renewals (key, renewed_at, previous_expiration, transaction_id, revenue)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			r.Key, r.RenewedAt, r.PreviousExpiration, r.TransactionID, r.Revenue).Scan(&r.ID)
		if isUniqueViolation(err) {
			return apperrors.Duplicate("transaction already renewed license key")
		}
		if err != nil {
			return err
		}
		next.Key = k.Key
		if err := updateKey(ctx, tx, next); err != nil {
			return err
		}
		current, renewal = next, r
		return nil
	})
	if err != nil {
		return current, domain.Renewal{}, pgErr("renew key", err)
	}
	return current, renewal, nil
}

// ListRenewals returns the key's renewals in insertion order
func (s *PostgresStore) ListRenewals(ctx context.Context, key string) ([]domain.Renewal, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+renewalColumns+` FROM renewals WHERE key = $1 ORDER BY id`, key)
	if err != nil {
		return nil, pgErr("list renewals", err)
	}
	return collect(rows, scanRenewal, "list renewals")
}

// CreateRelease stores a new release
func (s *PostgresStore) CreateRelease(ctx context.Context, r domain.Release) (domain.Release, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO releases (product_id, download_id, version, status, type, changelog, start_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		r.ProductID, r.DownloadID, r.Version, string(r.Status), string(r.Type), r.Changelog,
		r.StartDate, r.CreatedAt).Scan(&r.ID)
	if err != nil {
		return domain.Release{}, pgErr("create release", err)
	}
	return r, nil
}

// GetRelease loads a release by id
func (s *PostgresStore) GetRelease(ctx context.Context, id int64) (domain.Release, error) {
	r, err := scanRelease(s.pool.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE id = $1`, id))
	return r, notFound(pgErr("get release", err), "release")
}

// ListReleases returns releases ordered by id
func (s *PostgresStore) ListReleases(ctx context.Context, f ReleaseFilter) ([]domain.Release, error) {
	var (
		where []string
		args  []any
	)
	if f.ProductID != 0 {
		args = append(args, f.ProductID)
		where = append(where, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + releaseColumns + ` FROM releases`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr("list releases", err)
	}
	return collect(rows, scanRelease, "list releases")
}

// MutateRelease applies fn to the locked release row inside one transaction
func (s *PostgresStore) MutateRelease(ctx context.Context, id int64, fn func(*domain.Release) error) (domain.Release, error) {
	var current domain.Release
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		r, err := scanRelease(tx.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "release")
		}
		current = r
		next := cloneRelease(r)
		if err := fn(&next); err != nil {
			return err
		}
		next.ID = r.ID
		if _, err := tx.Exec(ctx,
			`UPDATE releases SET product_id = $2, download_id = $3, version = $4, status = $5, type = $6,
			 changelog = $7, start_date = $8 WHERE id = $1`,
			next.ID, next.ProductID, next.DownloadID, next.Version, string(next.Status), string(next.Type),
			next.Changelog, next.StartDate); err != nil {
			return err
		}
		current = next
		return nil
	})
	return current, pgErr("mutate release", err)
}

// DeleteRelease removes a release row
func (s *PostgresStore) DeleteRelease(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM releases WHERE id = $1`, id)
	if err != nil {
		return pgErr("delete release", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("release")
	}
	return nil
}

// AddUpdate appends an update log entry
func (s *PostgresStore) AddUpdate(ctx context.Context, u domain.Update) (domain.Update, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO updates (activation_id, release_id, updated_at, previous_version)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		u.ActivationID, u.ReleaseID, u.UpdatedAt, u.PreviousVersion).Scan(&u.ID)
	if err != nil {
		return domain.Update{}, pgErr("add update", err)
	}
	return u, nil
}

// ListUpdates returns update log entries ordered by id
func (s *PostgresStore) ListUpdates(ctx context.Context, f UpdateFilter) ([]domain.Update, error) {
	var (
		where []string
		args  []any
	)
	if f.ActivationID != 0 {
		args = append(args, f.ActivationID)
		where = append(where, fmt.Sprintf("activation_id = $%d", len(args)))
	}
	if f.ReleaseID != 0 {
		args = append(args, f.ReleaseID)
		where = append(where, fmt.Sprintf("release_id = $%d", len(args)))
	}
	q := `SELECT ` + updateColumns + ` FROM updates`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr("list updates", err)
	}
	return collect(rows, scanUpdate, "list updates")
}

// inTx runs fn in a transaction, committing only when fn succeeds
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// updateKey writes the mutable key columns; the issue line is fixed at insert
func updateKey(ctx context.Context, tx pgx.Tx, k domain.Key) error {
	_, err := tx.Exec(ctx,
		`UPDATE license_keys SET product_id = $2, customer_id = $3, transaction_id = $4, status = $5,
		 max_activations = $6, unlimited = $7, expires = $8 WHERE key = $1`,
		k.Key, k.ProductID, k.CustomerID, k.TransactionID, string(k.Status),
		k.MaxActivations, k.Unlimited, k.Expires)
	return err
}

func updateActivation(ctx context.Context, tx pgx.Tx, a domain.Activation) error {
	_, err := tx.Exec(ctx,
		`UPDATE activations SET status = $2, activated = $3, deactivated = $4, version = $5, track = $6,
		 release_id = $7 WHERE id = $1`,
		a.ID, string(a.Status), a.Activated, a.Deactivated, a.Version, string(a.Track), a.ReleaseID)
	if isUniqueViolation(err) {
		return apperrors.Duplicate("activation already exists for location")
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (domain.Key, error) {
	var (
		k      domain.Key
		status string
	)
	err := row.Scan(&k.Key, &k.ProductID, &k.CustomerID, &k.TransactionID, &k.IssueLine, &status,
		&k.MaxActivations, &k.Unlimited, &k.Expires, &k.CreatedAt)
	k.Status = domain.KeyStatus(status)
	k.Expires = domain.UTC(k.Expires)
	k.CreatedAt = k.CreatedAt.UTC()
	return k, err
}

func scanActivation(row scanner) (domain.Activation, error) {
	var (
		a             domain.Activation
		status, track string
	)
	err := row.Scan(&a.ID, &a.Key, &a.Location, &status, &a.Activated, &a.Deactivated,
		&a.Version, &track, &a.ReleaseID)
	a.Status = domain.ActivationStatus(status)
	a.Track = domain.Track(track)
	a.Activated = a.Activated.UTC()
	a.Deactivated = domain.UTC(a.Deactivated)
	return a, err
}

func scanRenewal(row scanner) (domain.Renewal, error) {
	var r domain.Renewal
	err := row.Scan(&r.ID, &r.Key, &r.RenewedAt, &r.PreviousExpiration, &r.TransactionID, &r.Revenue)
	r.RenewedAt = r.RenewedAt.UTC()
	r.PreviousExpiration = domain.UTC(r.PreviousExpiration)
	return r, err
}

func scanRelease(row scanner) (domain.Release, error) {
	var (
		r            domain.Release
		status, kind string
	)
	err := row.Scan(&r.ID, &r.ProductID, &r.DownloadID, &r.Version, &status, &kind,
		&r.Changelog, &r.StartDate, &r.CreatedAt)
	r.Status = domain.ReleaseStatus(status)
	r.Type = domain.ReleaseType(kind)
	r.StartDate = domain.UTC(r.StartDate)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

func scanUpdate(row scanner) (domain.Update, error) {
	var u domain.Update
	err := row.Scan(&u.ID, &u.ActivationID, &u.ReleaseID, &u.UpdatedAt, &u.PreviousVersion)
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, err
}

func collect[T any](rows pgx.Rows, scan func(scanner) (T, error), op string) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, pgErr(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr(op, err)
	}
	return out, nil
}

func limitClause(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

// notFound maps pgx.ErrNoRows to a typed not-found error
func notFound(err error, resource string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound(resource)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// pgErr passes domain errors and missing rows through and wraps the rest
func pgErr(op string, err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) || errors.Is(err, ErrUnchanged) {
		return err
	}
	return apperrors.Storage(op, err)
}

// Ensure the adapters satisfy the port
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*BoltStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
