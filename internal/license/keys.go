package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"licensed/internal/catalog"
	apperrors "licensed/internal/errors"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

// keyAttempts bounds retries when a generated key string collides
const keyAttempts = 5

// NewKey describes a key to create. Zero Status means active.
type NewKey struct {
	Key            string
	ProductID      int64
	CustomerID     int64
	TransactionID  int64
	MaxActivations int
	Unlimited      bool
	Expires        *time.Time
	Status         domain.KeyStatus
}

// KeyEngine owns the license key lifecycle
type KeyEngine struct {
	store    store.Store
	products catalog.Products
	txns     catalog.Transactions
	registry *Registry
	logger   *slog.Logger
	options
}

// NewKeyEngine creates a key engine
func NewKeyEngine(st store.Store, products catalog.Products, txns catalog.Transactions, registry *Registry, logger *slog.Logger, opts ...Option) *KeyEngine {
	if registry == nil {
		registry = NewDefaultRegistry(nil)
	}
	return &KeyEngine{
		store:    st,
		products: products,
		txns:     txns,
		registry: registry,
		logger:   logger.With(slog.String("component", "key_engine")),
		options:  buildOptions(opts),
	}
}

// CreateKey validates and stores a new key
func (e *KeyEngine) CreateKey(ctx context.Context, nk NewKey) (domain.Key, error) {
	return e.createKey(ctx, nk, 0)
}

func (e *KeyEngine) createKey(ctx context.Context, nk NewKey, line int) (domain.Key, error) {
	nk.Key = strings.TrimSpace(nk.Key)
	if nk.Key == "" {
		return domain.Key{}, apperrors.Validation("key", "key is required")
	}
	if len(nk.Key) > domain.MaxKeyLength {
		return domain.Key{}, apperrors.Validation("key", fmt.Sprintf("key exceeds %d characters", domain.MaxKeyLength))
	}
	if nk.Status == "" {
		nk.Status = domain.KeyStatusActive
	}
	if !nk.Status.Valid() {
		return domain.Key{}, apperrors.Validation("status", fmt.Sprintf("unknown key status %q", nk.Status))
	}

	k, err := e.store.CreateKey(ctx, domain.Key{
		Key:            nk.Key,
		ProductID:      nk.ProductID,
		CustomerID:     nk.CustomerID,
		TransactionID:  nk.TransactionID,
		IssueLine:      line,
		Status:         nk.Status,
		MaxActivations: max(nk.MaxActivations, 0),
		Unlimited:      nk.Unlimited,
		Expires:        domain.UTC(nk.Expires),
		CreatedAt:      e.clock(),
	})
	if err != nil {
		return domain.Key{}, err
	}

	e.logger.InfoContext(ctx, "license key created",
		slog.Int64("product_id", k.ProductID),
		slog.Int64("transaction_id", k.TransactionID))
	e.metrics.inc(ctx, keysIssued)
	e.observer.KeyCreated(ctx, k)
	return k, nil
}

// Get loads a key
func (e *KeyEngine) Get(ctx context.Context, key string) (domain.Key, error) {
	return e.store.GetKey(ctx, key)
}

// List returns keys matching f
func (e *KeyEngine) List(ctx context.Context, f store.KeyFilter) ([]domain.Key, error) {
	return e.store.ListKeys(ctx, f)
}

// Renewals returns the key's renewal history
func (e *KeyEngine) Renewals(ctx context.Context, key string) ([]domain.Renewal, error) {
	if _, err := e.store.GetKey(ctx, key); err != nil {
		return nil, err
	}
	return e.store.ListRenewals(ctx, key)
}

// IsValid reports whether the key has a free seat, its transaction is
// deliverable and, for subscription purchases, the subscription is active.
// Keys without an originating transaction skip the transaction checks.
func (e *KeyEngine) IsValid(ctx context.Context, key string) (bool, error) {
	k, err := e.store.GetKey(ctx, key)
	if err != nil {
		return false, err
	}
	active, err := e.store.CountActive(ctx, key)
	if err != nil {
		return false, err
	}
	if !k.Admits(active) {
		return false, nil
	}
	return e.transactionOK(ctx, k)
}

// Entitled reports whether the key may be used at all: it is active, not past
// its expiration, and its transaction passes the same checks as IsValid.
// Seat usage is not considered.
func (e *KeyEngine) Entitled(ctx context.Context, key string) (bool, error) {
	k, err := e.store.GetKey(ctx, key)
	if err != nil {
		return false, err
	}
	if k.Status != domain.KeyStatusActive {
		return false, nil
	}
	if k.Expires != nil && !k.Expires.After(e.clock()) {
		return false, nil
	}
	return e.transactionOK(ctx, k)
}

func (e *KeyEngine) transactionOK(ctx context.Context, k domain.Key) (bool, error) {
	if k.TransactionID == 0 || e.txns == nil {
		return true, nil
	}

	deliverable, err := e.txns.IsDeliverable(ctx, k.TransactionID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !deliverable {
		return false, nil
	}

	sub, err := e.txns.SubscriptionStatus(ctx, k.TransactionID)
	if err != nil {
		return false, err
	}
	return sub != catalog.SubscriptionInactive, nil
}

// Extend pushes the expiration forward one billing period, compounding from
// the current expiration. Lifetime keys are left alone and yield nil.
func (e *KeyEngine) Extend(ctx context.Context, key string) (*time.Time, error) {
	k, err := e.store.GetKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if k.Lifetime() {
		return nil, nil
	}
	interval, err := e.billingInterval(ctx, k)
	if err != nil {
		return nil, err
	}
	k, err = e.extend(ctx, key, interval)
	if err != nil {
		return nil, err
	}
	return k.Expires, nil
}

func (e *KeyEngine) billingInterval(ctx context.Context, k domain.Key) (catalog.BillingInterval, error) {
	p, err := e.products.Product(ctx, k.ProductID)
	if err != nil {
		return catalog.BillingInterval{}, err
	}
	if !p.Billing.Recurring() {
		return catalog.BillingInterval{}, apperrors.Domainf("product %d has no recurring billing interval", p.ID)
	}
	return p.Billing, nil
}

func (e *KeyEngine) extend(ctx context.Context, key string, interval catalog.BillingInterval) (domain.Key, error) {
	var previous *time.Time
	k, err := e.store.MutateKey(ctx, key, func(k *domain.Key) error {
		if k.Expires == nil {
			return store.ErrUnchanged
		}
		previous = domain.UTC(k.Expires)
		next := interval.AddTo(*k.Expires)
		k.Expires = &next
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return k, nil
	}
	if err != nil {
		return domain.Key{}, err
	}

	e.logger.InfoContext(ctx, "license key extended",
		slog.Time("previous", *previous),
		slog.Time("expires", *k.Expires))
	e.metrics.inc(ctx, extensions)
	e.observer.KeyExtended(ctx, k, previous)
	return k, nil
}

// Renew records a renewal, extends the key by one billing period and sets it
// active when the new expiration lies in the future. The renewal date is the
// transaction's purchase date when txn is given, and a transaction renews a
// key only once: repeating it returns the renewal recorded the first time.
func (e *KeyEngine) Renew(ctx context.Context, key string, txn *catalog.Transaction) (domain.Renewal, error) {
	_, r, err := e.renew(ctx, key, txn)
	return r, err
}

func (e *KeyEngine) renew(ctx context.Context, key string, txn *catalog.Transaction) (domain.Key, domain.Renewal, error) {
	k, err := e.store.GetKey(ctx, key)
	if err != nil {
		return domain.Key{}, domain.Renewal{}, err
	}
	if k.Lifetime() {
		return domain.Key{}, domain.Renewal{}, apperrors.Domain("lifetime keys cannot be renewed")
	}
	interval, err := e.billingInterval(ctx, k)
	if err != nil {
		return domain.Key{}, domain.Renewal{}, err
	}

	now := e.clock()
	var (
		prior domain.Renewal
		from  domain.KeyStatus
	)
	k, r, err := e.store.RenewKey(ctx, key, func(k *domain.Key, history []domain.Renewal) (domain.Renewal, error) {
		if k.Expires == nil {
			return domain.Renewal{}, apperrors.Domain("lifetime keys cannot be renewed")
		}
		if txn != nil {
			for _, h := range history {
				if h.TransactionID == txn.ID {
					prior = h
					return domain.Renewal{}, store.ErrUnchanged
				}
			}
		}

		r := domain.Renewal{RenewedAt: now, PreviousExpiration: domain.UTC(k.Expires)}
		if txn != nil {
			r.TransactionID = txn.ID
			if !txn.PurchasedAt.IsZero() {
				r.RenewedAt = txn.PurchasedAt.UTC()
			}
			r.Revenue = renewalRevenue(*txn, *k)
		}
		next := interval.AddTo(*k.Expires)
		k.Expires = &next
		from = k.Status
		if next.After(now) {
			k.Status = domain.KeyStatusActive
		}
		return r, nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return k, prior, nil
	}
	if errors.Is(err, apperrors.ErrDuplicate) {
		// a concurrent delivery of the same transaction won
		return e.replayedRenewal(ctx, key, txn)
	}
	if err != nil {
		return domain.Key{}, domain.Renewal{}, err
	}

	e.logger.InfoContext(ctx, "license key renewed",
		slog.Int64("renewal_id", r.ID),
		slog.Int64("transaction_id", r.TransactionID),
		slog.Time("expires", *k.Expires))
	e.metrics.inc(ctx, extensions)
	e.metrics.inc(ctx, renewals)
	e.observer.KeyExtended(ctx, k, r.PreviousExpiration)
	if from != k.Status {
		e.observer.KeyStatusChanged(ctx, k, from)
	}
	e.observer.KeyRenewed(ctx, k, r)
	return k, r, nil
}

// replayedRenewal loads the key and the renewal txn already recorded for it
func (e *KeyEngine) replayedRenewal(ctx context.Context, key string, txn *catalog.Transaction) (domain.Key, domain.Renewal, error) {
	k, err := e.store.GetKey(ctx, key)
	if err != nil {
		return domain.Key{}, domain.Renewal{}, err
	}
	history, err := e.store.ListRenewals(ctx, key)
	if err != nil {
		return domain.Key{}, domain.Renewal{}, err
	}
	for _, h := range history {
		if txn != nil && h.TransactionID == txn.ID {
			return k, h, nil
		}
	}
	return domain.Key{}, domain.Renewal{}, apperrors.Duplicate("transaction already renewed license key")
}

// renewalRevenue attributes the amounts of the transaction's renewal lines for k
func renewalRevenue(txn catalog.Transaction, k domain.Key) float64 {
	var total float64
	for _, item := range txn.Items {
		if item.RenewedKey == k.Key || (item.RenewedKey == "" && item.IsRenewal && item.ProductID == k.ProductID) {
			total += item.Amount
		}
	}
	return total
}

// SetStatus changes the key's status
func (e *KeyEngine) SetStatus(ctx context.Context, key string, status domain.KeyStatus) (domain.Key, error) {
	if !status.Valid() {
		return domain.Key{}, apperrors.Validation("status", fmt.Sprintf("unknown key status %q", status))
	}
	var from domain.KeyStatus
	k, err := e.store.MutateKey(ctx, key, func(k *domain.Key) error {
		if k.Status == status {
			return store.ErrUnchanged
		}
		from = k.Status
		k.Status = status
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return k, nil
	}
	if err != nil {
		return domain.Key{}, err
	}

	e.logger.InfoContext(ctx, "license key status changed",
		slog.String("from", string(from)),
		slog.String("to", string(status)))
	e.observer.KeyStatusChanged(ctx, k, from)
	return k, nil
}

// SetMax sets the activation limit; negative values become zero
func (e *KeyEngine) SetMax(ctx context.Context, key string, n int) (domain.Key, error) {
	n = max(n, 0)
	k, err := e.store.MutateKey(ctx, key, func(k *domain.Key) error {
		if k.MaxActivations == n {
			return store.ErrUnchanged
		}
		k.MaxActivations = n
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return k, nil
	}
	return k, err
}

// SetUnlimited toggles the unlimited-activations flag
func (e *KeyEngine) SetUnlimited(ctx context.Context, key string, unlimited bool) (domain.Key, error) {
	k, err := e.store.MutateKey(ctx, key, func(k *domain.Key) error {
		if k.Unlimited == unlimited {
			return store.ErrUnchanged
		}
		k.Unlimited = unlimited
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return k, nil
	}
	return k, err
}

// Delete removes the key and, by cascade, its activations and renewals
func (e *KeyEngine) Delete(ctx context.Context, key string) error {
	k, err := e.store.GetKey(ctx, key)
	if err != nil {
		return err
	}
	if err := e.store.DeleteKey(ctx, key); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "license key deleted", slog.Int64("product_id", k.ProductID))
	e.observer.KeyDeleted(ctx, k)
	return nil
}

// IssueForTransaction handles a completed purchase: renewal lines renew the
// referenced key, every other line of a licensing-enabled product gets a new
// key. Running it again for the same transaction, concurrently or later,
// returns the keys issued the first time instead of minting new ones.
func (e *KeyEngine) IssueForTransaction(ctx context.Context, txnID int64) ([]domain.Key, error) {
	if e.txns == nil {
		return nil, fmt.Errorf("key engine has no transaction source")
	}
	txn, err := e.txns.Transaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if !txn.Deliverable {
		return nil, apperrors.Domainf("transaction %d is not deliverable", txn.ID)
	}

	issued, err := e.issuedLines(ctx, txn.ID)
	if err != nil {
		return nil, err
	}

	var out []domain.Key
	for i, item := range txn.Items {
		p, err := e.products.Product(ctx, item.ProductID)
		if err != nil {
			return out, err
		}
		if !p.Licensing.Enabled {
			continue
		}

		if item.IsRenewal && item.RenewedKey != "" {
			k, _, err := e.renew(ctx, item.RenewedKey, &txn)
			if err != nil {
				return out, err
			}
			out = append(out, k)
			continue
		}

		line := i + 1
		if k, ok := issued[line]; ok {
			out = append(out, k)
			continue
		}
		k, err := e.issue(ctx, p, txn, line)
		if err != nil {
			return out, err
		}
		out = append(out, k)
	}
	return out, nil
}

// issuedLines maps purchase lines of txnID to the keys issued for them
func (e *KeyEngine) issuedLines(ctx context.Context, txnID int64) (map[int]domain.Key, error) {
	keys, err := e.store.ListKeys(ctx, store.KeyFilter{TransactionID: txnID})
	if err != nil {
		return nil, err
	}
	lines := make(map[int]domain.Key, len(keys))
	for _, k := range keys {
		if k.IssueLine > 0 {
			lines[k.IssueLine] = k
		}
	}
	return lines, nil
}

func (e *KeyEngine) issue(ctx context.Context, p catalog.Product, txn catalog.Transaction, line int) (domain.Key, error) {
	nk := NewKey{
		ProductID:      p.ID,
		CustomerID:     txn.CustomerID,
		TransactionID:  txn.ID,
		MaxActivations: p.Licensing.ActivationLimit,
		Unlimited:      p.Licensing.Unlimited,
	}
	if p.Billing.Recurring() {
		purchased := txn.PurchasedAt
		if purchased.IsZero() {
			purchased = e.clock()
		}
		expires := p.Billing.AddTo(purchased)
		nk.Expires = &expires
	}

	req := KeyRequest{Product: p, Transaction: txn, LineIndex: line - 1}
	var lastErr error
	for attempt := 0; attempt < keyAttempts; attempt++ {
		key, err := e.registry.Generate(ctx, p.Licensing.KeyType, req)
		if err != nil {
			return domain.Key{}, err
		}
		nk.Key = key
		k, err := e.createKey(ctx, nk, line)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, apperrors.ErrDuplicate) {
			return domain.Key{}, err
		}

		// the line may have been issued by a concurrent delivery
		issued, lerr := e.issuedLines(ctx, txn.ID)
		if lerr != nil {
			return domain.Key{}, lerr
		}
		if k, ok := issued[line]; ok {
			return k, nil
		}
		lastErr = err
		e.logger.WarnContext(ctx, "generated key collided, retrying",
			slog.String("key_type", p.Licensing.KeyType),
			slog.Int("attempt", attempt+1))
	}
	return domain.Key{}, fmt.Errorf("could not mint a unique key for product %d: %w", p.ID, lastErr)
}

// expireIfDue moves an active key past its expiration to expired. It reports
// whether this call made the transition.
func (e *KeyEngine) expireIfDue(ctx context.Context, key string, now time.Time) (bool, error) {
	k, err := e.store.MutateKey(ctx, key, func(k *domain.Key) error {
		if k.Status != domain.KeyStatusActive || k.Expires == nil || !k.Expires.Before(now) {
			return store.ErrUnchanged
		}
		k.Status = domain.KeyStatusExpired
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.metrics.inc(ctx, keysExpired)
	e.observer.KeyStatusChanged(ctx, k, domain.KeyStatusActive)
	return true, nil
}
