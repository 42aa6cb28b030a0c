// Package api contains the HTTP request and response contracts of the
// licensing service. Version v1 is the current stable API.
package api

import "time"

// Client API requests

// ActivateRequest asks for a seat on the license key sent as Basic auth user
type ActivateRequest struct {
	Location string `json:"location" validate:"required,location"`
	Version  string `json:"version,omitempty" validate:"omitempty,version"`
	Track    string `json:"track,omitempty" validate:"omitempty,oneof=stable pre-release"`
}

// DeactivateRequest frees a seat. ActivationID defaults to the authenticated activation.
type DeactivateRequest struct {
	ActivationID int64 `json:"activation_id,omitempty" validate:"omitempty,gt=0"`
}

// VersionQuery carries what an installed copy reports on GET /version
type VersionQuery struct {
	Version string `json:"version,omitempty" validate:"omitempty,version"`
	Track   string `json:"track,omitempty" validate:"omitempty,oneof=stable pre-release"`
}

// Admin API requests

// CreateKeyRequest creates a key by hand
type CreateKeyRequest struct {
	Key            string     `json:"key" validate:"required,licensekey"`
	ProductID      int64      `json:"product_id" validate:"required,gt=0"`
	CustomerID     int64      `json:"customer_id,omitempty" validate:"omitempty,gt=0"`
	TransactionID  int64      `json:"transaction_id,omitempty" validate:"omitempty,gt=0"`
	MaxActivations int        `json:"max_activations" validate:"gte=0"`
	Unlimited      bool       `json:"unlimited,omitempty"`
	Expires        *time.Time `json:"expires,omitempty"`
	Status         string     `json:"status,omitempty" validate:"omitempty,oneof=active disabled expired"`
}

// KeyStatusRequest changes a key's status
type KeyStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active disabled expired"`
}

// KeyMaxRequest changes a key's seat limit. Unlimited overrides Max when set.
type KeyMaxRequest struct {
	Max       int   `json:"max"`
	Unlimited *bool `json:"unlimited,omitempty"`
}

// RenewRequest renews a key manually or against a recorded transaction
type RenewRequest struct {
	TransactionID int64 `json:"transaction_id,omitempty" validate:"omitempty,gt=0"`
}

// PurchaseItem is one line item of a purchase event
type PurchaseItem struct {
	ProductID  int64   `json:"product_id" validate:"required,gt=0"`
	IsRenewal  bool    `json:"is_renewal,omitempty"`
	RenewedKey string  `json:"renewed_key,omitempty" validate:"omitempty,licensekey"`
	Amount     float64 `json:"amount" validate:"gte=0"`
}

// PurchaseRequest is a completed transaction pushed by the commerce system
type PurchaseRequest struct {
	TransactionID int64          `json:"transaction_id" validate:"required,gt=0"`
	CustomerID    int64          `json:"customer_id" validate:"required,gt=0"`
	PurchasedAt   *time.Time     `json:"purchased_at,omitempty"`
	Subscription  string         `json:"subscription,omitempty" validate:"omitempty,oneof=active inactive"`
	Items         []PurchaseItem `json:"items" validate:"required,min=1,dive"`
}

// ActivationActionRequest carries an optional effective time for admin
// deactivate and reactivate
type ActivationActionRequest struct {
	When *time.Time `json:"when,omitempty"`
}

// CreateReleaseRequest creates a release
type CreateReleaseRequest struct {
	ProductID  int64  `json:"product_id" validate:"required,gt=0"`
	DownloadID int64  `json:"download_id" validate:"required,gt=0"`
	Version    string `json:"version" validate:"required,version"`
	Type       string `json:"type" validate:"required,oneof=major minor security pre-release restricted"`
	Status     string `json:"status,omitempty" validate:"omitempty,oneof=draft active"`
	Changelog  string `json:"changelog,omitempty"`
}

// PatchReleaseRequest edits a release. Version, type and download only
// change on drafts.
type PatchReleaseRequest struct {
	Version    *string `json:"version,omitempty" validate:"omitempty,version"`
	Type       *string `json:"type,omitempty" validate:"omitempty,oneof=major minor security pre-release restricted"`
	DownloadID *int64  `json:"download_id,omitempty" validate:"omitempty,gt=0"`
	Changelog  *string `json:"changelog,omitempty"`
}

// ActivateReleaseRequest publishes a release, optionally back-dated
type ActivateReleaseRequest struct {
	StartDate *time.Time `json:"start_date,omitempty"`
}
