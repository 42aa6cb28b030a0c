// Package domain contains the core domain models for the licensing service.
// These types serve as the single source of truth for all layers of the application.
package domain

import (
	"time"
)

// Storage limits for identifiers.
const (
	MaxKeyLength      = 128
	MaxLocationLength = 191
)

// KeyStatus represents the status of a license key
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusDisabled KeyStatus = "disabled"
	KeyStatusExpired  KeyStatus = "expired"
)

// Valid reports whether s is a recognised key status
func (s KeyStatus) Valid() bool {
	switch s {
	case KeyStatusActive, KeyStatusDisabled, KeyStatusExpired:
		return true
	}
	return false
}

// Key represents a single purchased entitlement. IssueLine is the 1-based
// purchase line a key was issued for, or 0 for keys created directly; the
// (TransactionID, IssueLine) pair is unique among issued keys.
type Key struct {
	Key            string     `json:"key"`
	ProductID      int64      `json:"product_id"`
	CustomerID     int64      `json:"customer_id"`
	TransactionID  int64      `json:"transaction_id"`
	IssueLine      int        `json:"issue_line,omitempty"`
	Status         KeyStatus  `json:"status"`
	MaxActivations int        `json:"max_activations"`
	Unlimited      bool       `json:"unlimited"`
	Expires        *time.Time `json:"expires,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Lifetime reports whether the key never expires.
func (k Key) Lifetime() bool {
	return k.Expires == nil
}

// Admits reports whether another activation fits next to active live ones.
func (k Key) Admits(active int) bool {
	return k.Unlimited || active < k.MaxActivations
}

// Fields returns the key as a flat map for events, exports and caches.
func (k Key) Fields() map[string]any {
	f := map[string]any{
		"key":             k.Key,
		"product_id":      k.ProductID,
		"customer_id":     k.CustomerID,
		"transaction_id":  k.TransactionID,
		"status":          string(k.Status),
		"max_activations": k.MaxActivations,
		"unlimited":       k.Unlimited,
		"created_at":      k.CreatedAt.Format(time.RFC3339),
	}
	if k.Expires != nil {
		f["expires"] = k.Expires.Format(time.RFC3339)
	}
	return f
}

// ActivationStatus represents the status of an activation
type ActivationStatus string

const (
	ActivationActive      ActivationStatus = "active"
	ActivationDeactivated ActivationStatus = "deactivated"
	ActivationExpired     ActivationStatus = "expired"
)

// Valid reports whether s is a recognised activation status
func (s ActivationStatus) Valid() bool {
	switch s {
	case ActivationActive, ActivationDeactivated, ActivationExpired:
		return true
	}
	return false
}

// Track is an activation's release channel preference
type Track string

const (
	TrackStable     Track = "stable"
	TrackPreRelease Track = "pre-release"
)

// ParseTrack returns the named track, falling back to stable for anything unrecognised.
func ParseTrack(s string) Track {
	if Track(s) == TrackPreRelease {
		return TrackPreRelease
	}
	return TrackStable
}

// Activation represents one live installation bound to a key
type Activation struct {
	ID          int64            `json:"id"`
	Key         string           `json:"key"`
	Location    string           `json:"location"`
	Status      ActivationStatus `json:"status"`
	Activated   time.Time        `json:"activated"`
	Deactivated *time.Time       `json:"deactivated,omitempty"`
	Version     string           `json:"version,omitempty"`
	Track       Track            `json:"track"`
	ReleaseID   int64            `json:"release_id,omitempty"`
}

// Fields returns the activation as a flat map for events, exports and caches.
func (a Activation) Fields() map[string]any {
	f := map[string]any{
		"id":         a.ID,
		"key":        a.Key,
		"location":   a.Location,
		"status":     string(a.Status),
		"activated":  a.Activated.Format(time.RFC3339),
		"version":    a.Version,
		"track":      string(a.Track),
		"release_id": a.ReleaseID,
	}
	if a.Deactivated != nil {
		f["deactivated"] = a.Deactivated.Format(time.RFC3339)
	}
	return f
}

// Renewal is an immutable record of a key's expiration being extended
type Renewal struct {
	ID                 int64      `json:"id"`
	Key                string     `json:"key"`
	RenewedAt          time.Time  `json:"renewed_at"`
	PreviousExpiration *time.Time `json:"previous_expiration,omitempty"`
	TransactionID      int64      `json:"transaction_id,omitempty"`
	Revenue            float64    `json:"revenue"`
}

// Fields returns the renewal as a flat map.
func (r Renewal) Fields() map[string]any {
	f := map[string]any{
		"id":             r.ID,
		"key":            r.Key,
		"renewed_at":     r.RenewedAt.Format(time.RFC3339),
		"transaction_id": r.TransactionID,
		"revenue":        r.Revenue,
	}
	if r.PreviousExpiration != nil {
		f["previous_expiration"] = r.PreviousExpiration.Format(time.RFC3339)
	}
	return f
}

// UTC returns a copy of t normalised to UTC, or nil.
func UTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
