// Package release implements the release lifecycle, entitlement resolution
// for activations and the update log.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"licensed/internal/catalog"
	apperrors "licensed/internal/errors"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

// NewRelease describes a release to create. Zero Status means draft.
type NewRelease struct {
	ProductID  int64
	DownloadID int64
	Version    string
	Type       domain.ReleaseType
	Status     domain.ReleaseStatus
	Changelog  string
}

// Engine owns release lifecycles and resolves entitlements
type Engine struct {
	store    store.Store
	products catalog.Products
	logger   *slog.Logger
	loads    singleflight.Group

	// gens counts invalidations per product so loads that overlap a status
	// change neither share results with later callers nor outlive it in the cache
	genMu sync.Mutex
	gens  map[int64]uint64

	options
}

// NewEngine creates a release engine
func NewEngine(st store.Store, products catalog.Products, logger *slog.Logger, opts ...Option) *Engine {
	return &Engine{
		store:    st,
		products: products,
		logger:   logger.With(slog.String("component", "release_engine")),
		gens:     make(map[int64]uint64),
		options:  buildOptions(opts),
	}
}

// Create validates and stores a release. Releases start as drafts; asking for
// active creates the draft and activates it.
func (e *Engine) Create(ctx context.Context, nr NewRelease) (domain.Release, error) {
	nr.Version = strings.TrimSpace(nr.Version)
	if nr.Version == "" {
		return domain.Release{}, apperrors.Validation("version", "version is required")
	}
	if !nr.Type.Valid() {
		return domain.Release{}, apperrors.Validation("type", fmt.Sprintf("unknown release type %q", nr.Type))
	}
	if nr.Status == "" {
		nr.Status = domain.ReleaseDraft
	}
	if !nr.Status.Valid() {
		return domain.Release{}, apperrors.Validation("status", fmt.Sprintf("unknown release status %q", nr.Status))
	}
	if nr.Status != domain.ReleaseDraft && nr.Status != domain.ReleaseActive {
		return domain.Release{}, apperrors.Validation("status", "new releases start as draft or active")
	}
	if err := e.checkProduct(ctx, nr.ProductID); err != nil {
		return domain.Release{}, err
	}
	if err := e.checkDownload(ctx, nr.ProductID, nr.DownloadID); err != nil {
		return domain.Release{}, err
	}

	r, err := e.store.CreateRelease(ctx, domain.Release{
		ProductID:  nr.ProductID,
		DownloadID: nr.DownloadID,
		Version:    nr.Version,
		Status:     domain.ReleaseDraft,
		Type:       nr.Type,
		Changelog:  nr.Changelog,
		CreatedAt:  e.at(nil),
	})
	if err != nil {
		return domain.Release{}, err
	}
	e.logger.InfoContext(ctx, "release created",
		slog.Int64("release_id", r.ID),
		slog.Int64("product_id", r.ProductID),
		slog.String("version", r.Version))
	e.observer.ReleaseCreated(ctx, r)

	if nr.Status == domain.ReleaseActive {
		return e.Activate(ctx, r.ID, nil)
	}
	return r, nil
}

func (e *Engine) checkProduct(ctx context.Context, productID int64) error {
	p, err := e.products.Product(ctx, productID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Validation("product_id", "unknown product")
	}
	if err != nil {
		return err
	}
	if !p.Licensing.Enabled {
		return apperrors.Validation("product_id", "licensing is not enabled for the product")
	}
	return nil
}

func (e *Engine) checkDownload(ctx context.Context, productID, downloadID int64) error {
	d, err := e.products.Download(ctx, downloadID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Validation("download_id", "unknown download")
	}
	if err != nil {
		return err
	}
	if d.ProductID != productID {
		return apperrors.Validation("download_id", "download belongs to another product")
	}
	if d.Kind != catalog.DownloadKindPackage {
		return apperrors.Validation("download_id", fmt.Sprintf("download must be a %s, got %q", catalog.DownloadKindPackage, d.Kind))
	}
	return nil
}

// Get loads a release
func (e *Engine) Get(ctx context.Context, id int64) (domain.Release, error) {
	return e.store.GetRelease(ctx, id)
}

// List returns releases matching f
func (e *Engine) List(ctx context.Context, f store.ReleaseFilter) ([]domain.Release, error) {
	return e.store.ListReleases(ctx, f)
}

// Activate makes the release the product's current entitlement target and
// archives the oldest active releases beyond the retention count. A draft gets
// its start date set to when (or now); a resumed paused release keeps its
// original start date unless when is given.
func (e *Engine) Activate(ctx context.Context, id int64, when *time.Time) (domain.Release, error) {
	var from domain.ReleaseStatus
	r, err := e.store.MutateRelease(ctx, id, func(r *domain.Release) error {
		switch r.Status {
		case domain.ReleaseActive:
			return store.ErrUnchanged
		case domain.ReleaseArchived:
			return apperrors.Domain("archived releases cannot be activated")
		}
		from = r.Status
		if r.Status == domain.ReleaseDraft || r.StartDate == nil || when != nil {
			start := e.at(when)
			r.StartDate = &start
		}
		r.Status = domain.ReleaseActive
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return r, nil
	}
	if err != nil {
		return domain.Release{}, err
	}
	e.statusChanged(ctx, r, from)

	if err := e.enforceRetention(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}

// enforceRetention archives the oldest active releases of r's product so that
// at most the retention count stay active. r itself is never archived here.
func (e *Engine) enforceRetention(ctx context.Context, r domain.Release) error {
	keep := e.retention
	if p, err := e.products.Product(ctx, r.ProductID); err == nil && p.Licensing.RetentionCount > 0 {
		keep = p.Licensing.RetentionCount
	}

	active, err := e.store.ListReleases(ctx, store.ReleaseFilter{
		ProductID: r.ProductID,
		Statuses:  []domain.ReleaseStatus{domain.ReleaseActive},
	})
	if err != nil {
		return err
	}
	if len(active) <= keep {
		return nil
	}

	others := make([]domain.Release, 0, len(active))
	for _, a := range active {
		if a.ID != r.ID {
			others = append(others, a)
		}
	}
	sortNewestFirst(others)

	archived := 0
	for _, old := range others[max(keep-1, 0):] {
		if _, err := e.transition(ctx, old.ID, domain.ReleaseArchived, domain.ReleaseActive); err != nil {
			return err
		}
		archived++
	}
	e.metrics.archived(ctx, archived)
	if archived > 0 {
		e.logger.InfoContext(ctx, "releases archived by retention",
			slog.Int64("product_id", r.ProductID),
			slog.Int("archived", archived),
			slog.Int("retention", keep))
	}
	return nil
}

// sortNewestFirst orders by start date, then version, then id, newest first
func sortNewestFirst(rs []domain.Release) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		switch {
		case a.StartDate != nil && b.StartDate != nil && !a.StartDate.Equal(*b.StartDate):
			return a.StartDate.After(*b.StartDate)
		case (a.StartDate == nil) != (b.StartDate == nil):
			return a.StartDate != nil
		}
		if c := domain.CompareVersions(a.Version, b.Version); c != 0 {
			return c > 0
		}
		return a.ID > b.ID
	})
}

// Pause stops delivering an active release. Version checks fall back to the
// newest release that is still active.
func (e *Engine) Pause(ctx context.Context, id int64) (domain.Release, error) {
	return e.transition(ctx, id, domain.ReleasePaused, domain.ReleaseActive)
}

// Archive retires an active or paused release for good
func (e *Engine) Archive(ctx context.Context, id int64) (domain.Release, error) {
	return e.transition(ctx, id, domain.ReleaseArchived, domain.ReleaseActive, domain.ReleasePaused)
}

// transition moves the release to status when its current status is one of allowed
func (e *Engine) transition(ctx context.Context, id int64, status domain.ReleaseStatus, allowed ...domain.ReleaseStatus) (domain.Release, error) {
	var from domain.ReleaseStatus
	r, err := e.store.MutateRelease(ctx, id, func(r *domain.Release) error {
		if r.Status == status {
			return store.ErrUnchanged
		}
		for _, s := range allowed {
			if r.Status == s {
				from = r.Status
				r.Status = status
				return nil
			}
		}
		return apperrors.Domainf("release cannot move from %s to %s", r.Status, status)
	})
	if errors.Is(err, store.ErrUnchanged) {
		return r, nil
	}
	if err != nil {
		return domain.Release{}, err
	}
	e.statusChanged(ctx, r, from)
	return r, nil
}

func (e *Engine) statusChanged(ctx context.Context, r domain.Release, from domain.ReleaseStatus) {
	e.invalidate(ctx, r.ProductID)
	e.logger.InfoContext(ctx, "release status changed",
		slog.Int64("release_id", r.ID),
		slog.String("from", string(from)),
		slog.String("to", string(r.Status)))
	e.observer.ReleaseStatusChanged(ctx, r, from)
}

// mutateDraft applies fn to a draft release
func (e *Engine) mutateDraft(ctx context.Context, id int64, fn func(*domain.Release)) (domain.Release, error) {
	return e.store.MutateRelease(ctx, id, func(r *domain.Release) error {
		if r.Status != domain.ReleaseDraft {
			return apperrors.Domainf("only draft releases can be edited, release is %s", r.Status)
		}
		fn(r)
		return nil
	})
}

// SetVersion changes a draft's version
func (e *Engine) SetVersion(ctx context.Context, id int64, version string) (domain.Release, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return domain.Release{}, apperrors.Validation("version", "version is required")
	}
	return e.mutateDraft(ctx, id, func(r *domain.Release) { r.Version = version })
}

// SetType changes a draft's type
func (e *Engine) SetType(ctx context.Context, id int64, t domain.ReleaseType) (domain.Release, error) {
	if !t.Valid() {
		return domain.Release{}, apperrors.Validation("type", fmt.Sprintf("unknown release type %q", t))
	}
	return e.mutateDraft(ctx, id, func(r *domain.Release) { r.Type = t })
}

// SetDownload changes a draft's download artifact
func (e *Engine) SetDownload(ctx context.Context, id, downloadID int64) (domain.Release, error) {
	current, err := e.store.GetRelease(ctx, id)
	if err != nil {
		return domain.Release{}, err
	}
	if current.Status != domain.ReleaseDraft {
		return domain.Release{}, apperrors.Domainf("only draft releases can be edited, release is %s", current.Status)
	}
	if err := e.checkDownload(ctx, current.ProductID, downloadID); err != nil {
		return domain.Release{}, err
	}
	return e.mutateDraft(ctx, id, func(r *domain.Release) { r.DownloadID = downloadID })
}

// SetChangelog replaces the changelog of any release that is not archived
func (e *Engine) SetChangelog(ctx context.Context, id int64, changelog string) (domain.Release, error) {
	r, err := e.store.MutateRelease(ctx, id, func(r *domain.Release) error {
		if r.Status == domain.ReleaseArchived {
			return apperrors.Domain("archived releases cannot be edited")
		}
		r.Changelog = changelog
		return nil
	})
	if err != nil {
		return domain.Release{}, err
	}
	if r.Status == domain.ReleaseActive {
		e.invalidate(ctx, r.ProductID)
	}
	return r, nil
}

// Delete removes a draft. Releases that were ever published are retained.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	r, err := e.store.GetRelease(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != domain.ReleaseDraft {
		return apperrors.Domainf("only draft releases can be deleted, release is %s", r.Status)
	}
	if err := e.store.DeleteRelease(ctx, id); err != nil {
		return err
	}
	e.observer.ReleaseDeleted(ctx, r)
	return nil
}

// active returns the product's active releases, through the cache when one is
// configured. Concurrent misses for one product share a single store read.
func (e *Engine) active(ctx context.Context, productID int64) ([]domain.Release, error) {
	if e.cache != nil {
		cached, ok, err := e.cache.Get(ctx, productID)
		if err != nil {
			e.logger.WarnContext(ctx, "release cache read failed", slog.String("error", err.Error()))
		}
		e.metrics.cacheLookup(ctx, ok)
		if ok {
			return cached, nil
		}
	}

	gen := e.generation(productID)
	flight := strconv.FormatInt(productID, 10) + ":" + strconv.FormatUint(gen, 10)
	v, err, _ := e.loads.Do(flight, func() (interface{}, error) {
		rs, err := e.store.ListReleases(ctx, store.ReleaseFilter{
			ProductID: productID,
			Statuses:  []domain.ReleaseStatus{domain.ReleaseActive},
		})
		if err != nil {
			return nil, err
		}
		if e.cache != nil && e.generation(productID) == gen {
			if err := e.cache.Set(ctx, productID, rs); err != nil {
				e.logger.WarnContext(ctx, "release cache write failed", slog.String("error", err.Error()))
			}
			// an invalidation that ran between the check and the write
			if e.generation(productID) != gen {
				e.dropCached(ctx, productID)
			}
		}
		return rs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Release), nil
}

func (e *Engine) generation(productID int64) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.gens[productID]
}

// invalidate runs after a write that changes the product's active set
func (e *Engine) invalidate(ctx context.Context, productID int64) {
	e.genMu.Lock()
	e.gens[productID]++
	e.genMu.Unlock()
	e.dropCached(ctx, productID)
}

func (e *Engine) dropCached(ctx context.Context, productID int64) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, productID); err != nil {
		e.logger.WarnContext(ctx, "release cache invalidation failed",
			slog.Int64("product_id", productID),
			slog.String("error", err.Error()))
	}
}

// newest returns the highest-versioned release visible to track for which
// accept holds, or nil
func newest(rs []domain.Release, track domain.Track, accept func(domain.Release) bool) *domain.Release {
	var best *domain.Release
	for i := range rs {
		r := rs[i]
		if !r.Type.VisibleTo(track) || !accept(r) {
			continue
		}
		if best == nil {
			best = &r
			continue
		}
		c := domain.CompareVersions(r.Version, best.Version)
		if c > 0 || (c == 0 && later(r, *best)) {
			best = &r
		}
	}
	return best
}

func later(a, b domain.Release) bool {
	if a.StartDate != nil && b.StartDate != nil && !a.StartDate.Equal(*b.StartDate) {
		return a.StartDate.After(*b.StartDate)
	}
	return a.ID > b.ID
}

// Current returns the release a fresh install of the product on track would
// get, or nil when nothing is active
func (e *Engine) Current(ctx context.Context, productID int64, track domain.Track) (*domain.Release, error) {
	rs, err := e.active(ctx, productID)
	if err != nil {
		return nil, err
	}
	return newest(rs, track, func(domain.Release) bool { return true }), nil
}

// ResolveLatest returns the newest active release the activation is entitled
// to that is strictly newer than what it runs, or nil when it is current.
func (e *Engine) ResolveLatest(ctx context.Context, a domain.Activation) (*domain.Release, error) {
	k, err := e.store.GetKey(ctx, a.Key)
	if err != nil {
		return nil, err
	}

	installed := a.Version
	if installed == "" && a.ReleaseID != 0 {
		if r, err := e.store.GetRelease(ctx, a.ReleaseID); err == nil {
			installed = r.Version
		}
	}

	rs, err := e.active(ctx, k.ProductID)
	if err != nil {
		return nil, err
	}
	best := newest(rs, a.Track, func(r domain.Release) bool {
		return installed == "" || domain.VersionNewer(r.Version, installed)
	})

	if best == nil {
		e.metrics.versionCheck(ctx, CheckCurrent)
		return nil, nil
	}
	e.metrics.versionCheck(ctx, CheckUpdateAvailable)
	return best, nil
}
