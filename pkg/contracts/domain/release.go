package domain

import "time"

// ReleaseStatus represents where a release is in its lifecycle
type ReleaseStatus string

const (
	ReleaseDraft    ReleaseStatus = "draft"
	ReleaseActive   ReleaseStatus = "active"
	ReleasePaused   ReleaseStatus = "paused"
	ReleaseArchived ReleaseStatus = "archived"
)

// Valid reports whether s is a recognised release status
func (s ReleaseStatus) Valid() bool {
	switch s {
	case ReleaseDraft, ReleaseActive, ReleasePaused, ReleaseArchived:
		return true
	}
	return false
}

// ReleaseType classifies a release
type ReleaseType string

const (
	ReleaseMajor      ReleaseType = "major"
	ReleaseMinor      ReleaseType = "minor"
	ReleaseSecurity   ReleaseType = "security"
	ReleasePreRelease ReleaseType = "pre-release"
	ReleaseRestricted ReleaseType = "restricted"
)

// Valid reports whether t is a recognised release type
func (t ReleaseType) Valid() bool {
	switch t {
	case ReleaseMajor, ReleaseMinor, ReleaseSecurity, ReleasePreRelease, ReleaseRestricted:
		return true
	}
	return false
}

// VisibleTo reports whether releases of this type are offered on the track.
func (t ReleaseType) VisibleTo(track Track) bool {
	if t == ReleasePreRelease {
		return track == TrackPreRelease
	}
	return true
}

// Release is a versioned, downloadable build of a licensed product
type Release struct {
	ID         int64         `json:"id"`
	ProductID  int64         `json:"product_id"`
	DownloadID int64         `json:"download_id"`
	Version    string        `json:"version"`
	Status     ReleaseStatus `json:"status"`
	Type       ReleaseType   `json:"type"`
	Changelog  string        `json:"changelog,omitempty"`
	StartDate  *time.Time    `json:"start_date,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Fields returns the release as a flat map for events, exports and caches.
func (r Release) Fields() map[string]any {
	f := map[string]any{
		"id":          r.ID,
		"product_id":  r.ProductID,
		"download_id": r.DownloadID,
		"version":     r.Version,
		"status":      string(r.Status),
		"type":        string(r.Type),
		"created_at":  r.CreatedAt.Format(time.RFC3339),
	}
	if r.StartDate != nil {
		f["start_date"] = r.StartDate.Format(time.RFC3339)
	}
	return f
}

// Update records an activation moving from one version to a release's version
type Update struct {
	ID              int64     `json:"id"`
	ActivationID    int64     `json:"activation_id"`
	ReleaseID       int64     `json:"release_id"`
	UpdatedAt       time.Time `json:"updated_at"`
	PreviousVersion string    `json:"previous_version"`
}

// Fields returns the update as a flat map.
func (u Update) Fields() map[string]any {
	return map[string]any{
		"id":               u.ID,
		"activation_id":    u.ActivationID,
		"release_id":       u.ReleaseID,
		"updated_at":       u.UpdatedAt.Format(time.RFC3339),
		"previous_version": u.PreviousVersion,
	}
}
