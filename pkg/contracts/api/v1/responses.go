package api

import (
	"time"

	"licensed/pkg/contracts/domain"
)

// ActivationResponse is returned by activate and deactivate
type ActivationResponse struct {
	ID        int64      `json:"id"`
	Key       string     `json:"key"`
	Location  string     `json:"location"`
	Status    string     `json:"status"`
	Activated time.Time  `json:"activated"`
	Version   string     `json:"version,omitempty"`
	Track     string     `json:"track"`
	Expires   *time.Time `json:"expires,omitempty"`
}

// NewActivationResponse maps an activation, with the key's expiration when known
func NewActivationResponse(a domain.Activation, k *domain.Key) ActivationResponse {
	resp := ActivationResponse{
		ID:        a.ID,
		Key:       a.Key,
		Location:  a.Location,
		Status:    string(a.Status),
		Activated: a.Activated,
		Version:   a.Version,
		Track:     string(a.Track),
	}
	if k != nil {
		resp.Expires = k.Expires
	}
	return resp
}

// VersionResponse offers a newer release to an activation
type VersionResponse struct {
	Version     string     `json:"version"`
	Type        string     `json:"type"`
	ReleaseID   int64      `json:"release_id"`
	Changelog   string     `json:"changelog,omitempty"`
	DownloadURL string     `json:"download_url"`
	Released    *time.Time `json:"released,omitempty"`
}

// InfoResponse describes a key's product
type InfoResponse struct {
	ProductID      int64      `json:"product_id"`
	ProductName    string     `json:"product_name"`
	Version        string     `json:"version,omitempty"`
	Changelog      string     `json:"changelog,omitempty"`
	DownloadURL    string     `json:"download_url,omitempty"`
	Status         string     `json:"status"`
	Valid          bool       `json:"valid"`
	Expires        *time.Time `json:"expires,omitempty"`
	ActiveCount    int        `json:"active_count"`
	MaxActivations int        `json:"max_activations"`
	Unlimited      bool       `json:"unlimited"`
}

// ListResponse wraps a page of admin results
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// NewList builds a list response, never with a nil slice
func NewList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}
