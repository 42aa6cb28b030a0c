package catalog

import (
	"context"
	"sync"
	"time"

	apperrors "licensed/internal/errors"
)

// SubscriptionStatus describes the subscription behind a transaction
type SubscriptionStatus string

const (
	SubscriptionNone     SubscriptionStatus = ""
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// PurchasedProduct is one licensable line item of a transaction
type PurchasedProduct struct {
	ProductID  int64   `json:"product_id"`
	IsRenewal  bool    `json:"is_renewal,omitempty"`
	RenewedKey string  `json:"renewed_key,omitempty"`
	Amount     float64 `json:"amount"`
}

// Transaction is a completed purchase as reported by the commerce system
type Transaction struct {
	ID           int64              `json:"id"`
	CustomerID   int64              `json:"customer_id"`
	PurchasedAt  time.Time          `json:"purchased_at"`
	Deliverable  bool               `json:"deliverable"`
	Subscription SubscriptionStatus `json:"subscription,omitempty"`
	Items        []PurchasedProduct `json:"items"`
}

// Transactions is the purchase/transaction source
type Transactions interface {
	Products(ctx context.Context, txn int64) ([]PurchasedProduct, error)
	IsDeliverable(ctx context.Context, txn int64) (bool, error)
	SubscriptionStatus(ctx context.Context, txn int64) (SubscriptionStatus, error)
	Transaction(ctx context.Context, txn int64) (Transaction, error)
}

// Ledger records transactions pushed to the service
type Ledger struct {
	mu   sync.RWMutex
	txns map[int64]Transaction
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{txns: make(map[int64]Transaction)}
}

// Record stores or replaces a transaction
func (l *Ledger) Record(txn Transaction) error {
	if txn.ID <= 0 {
		return apperrors.Validation("id", "transaction id must be positive")
	}
	txn.PurchasedAt = txn.PurchasedAt.UTC()
	items := make([]PurchasedProduct, len(txn.Items))
	copy(items, txn.Items)
	txn.Items = items

	l.mu.Lock()
	l.txns[txn.ID] = txn
	l.mu.Unlock()
	return nil
}

// SetDeliverable flips the transaction's deliverable state (false on refund)
func (l *Ledger) SetDeliverable(id int64, deliverable bool) error {
	return l.update(id, func(t *Transaction) { t.Deliverable = deliverable })
}

// SetSubscription updates the subscription state of a transaction
func (l *Ledger) SetSubscription(id int64, status SubscriptionStatus) error {
	return l.update(id, func(t *Transaction) { t.Subscription = status })
}

func (l *Ledger) update(id int64, fn func(*Transaction)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.txns[id]
	if !ok {
		return apperrors.NotFound("transaction")
	}
	fn(&t)
	l.txns[id] = t
	return nil
}

// Transaction returns a recorded transaction
func (l *Ledger) Transaction(ctx context.Context, id int64) (Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.txns[id]
	if !ok {
		return Transaction{}, apperrors.NotFound("transaction")
	}
	return t, nil
}

// Products returns the transaction's licensable line items
func (l *Ledger) Products(ctx context.Context, id int64) ([]PurchasedProduct, error) {
	t, err := l.Transaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Items, nil
}

// IsDeliverable reports whether the transaction's goods may be delivered
func (l *Ledger) IsDeliverable(ctx context.Context, id int64) (bool, error) {
	t, err := l.Transaction(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Deliverable, nil
}

// SubscriptionStatus returns the transaction's subscription state
func (l *Ledger) SubscriptionStatus(ctx context.Context, id int64) (SubscriptionStatus, error) {
	t, err := l.Transaction(ctx, id)
	if err != nil {
		return SubscriptionNone, err
	}
	return t.Subscription, nil
}
