package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"licensed/internal/catalog"
	apperrors "licensed/internal/errors"
	"licensed/internal/license"
	"licensed/internal/release"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

// Ledger receives purchase events and refunds
type Ledger interface {
	Record(txn catalog.Transaction) error
	SetDeliverable(id int64, deliverable bool) error
}

// Dependencies are the engines the licensing service coordinates
type Dependencies struct {
	Keys        *license.KeyEngine
	Activations *license.ActivationEngine
	Releases    *release.Engine
	Updates     *release.Recorder
	Products    catalog.Products
	Ledger      Ledger
}

// LicensingService implements the client-facing use cases on top of the
// key, activation and release engines
type LicensingService struct {
	Dependencies
	logger *slog.Logger
}

// NewLicensingService creates the licensing façade
func NewLicensingService(deps Dependencies, logger *slog.Logger) *LicensingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicensingService{
		Dependencies: deps,
		logger:       logger.With(slog.String("service", "licensing")),
	}
}

// ActivateInput is a client request for a seat
type ActivateInput struct {
	Key      string
	Location string
	Version  string
	Track    string
}

// Activate admits a location onto a valid key. The reported version is linked
// to the matching release of the key's product when one exists.
func (s *LicensingService) Activate(ctx context.Context, in ActivateInput) (domain.Activation, error) {
	k, err := s.validKey(ctx, in.Key)
	if err != nil {
		return domain.Activation{}, err
	}

	req := license.ActivateRequest{
		Key:      k.Key,
		Location: in.Location,
		Version:  strings.TrimSpace(in.Version),
		Track:    in.Track,
	}
	if req.Version != "" {
		if r, ok, err := s.releaseByVersion(ctx, k.ProductID, req.Version); err != nil {
			return domain.Activation{}, err
		} else if ok {
			req.ReleaseID = r.ID
		}
	}

	return s.Activations.Activate(ctx, req)
}

// Authenticate checks that the activation exists and belongs to key
func (s *LicensingService) Authenticate(ctx context.Context, key string, activationID int64) (domain.Activation, error) {
	a, err := s.Activations.Get(ctx, activationID)
	if errors.Is(err, apperrors.ErrNotFound) || (err == nil && a.Key != key) {
		return domain.Activation{}, apperrors.NotFound("activation")
	}
	return a, err
}

// Deactivate releases the seat held by the activation
func (s *LicensingService) Deactivate(ctx context.Context, key string, activationID int64) (domain.Activation, error) {
	if _, err := s.Authenticate(ctx, key, activationID); err != nil {
		return domain.Activation{}, err
	}
	return s.Activations.Deactivate(ctx, activationID, nil)
}

// VersionCheckInput is what an installed copy reports about itself
type VersionCheckInput struct {
	Key          string
	ActivationID int64
	Version      string
	Track        string
}

// VersionCheckResult is the release an activation should install
type VersionCheckResult struct {
	Activation  domain.Activation `json:"activation"`
	Release     domain.Release    `json:"release"`
	DownloadURL string            `json:"download_url"`
}

// VersionCheck stores the reported version and track, records an update when
// the client moved to a known release, and returns the newest release the
// activation is entitled to. It fails with no_entitlement when there is
// nothing to offer.
func (s *LicensingService) VersionCheck(ctx context.Context, in VersionCheckInput) (VersionCheckResult, error) {
	a, err := s.Authenticate(ctx, in.Key, in.ActivationID)
	if err != nil {
		return VersionCheckResult{}, err
	}
	k, err := s.validKey(ctx, in.Key)
	if err != nil {
		return VersionCheckResult{}, noEntitlement(err)
	}
	if a.Status != domain.ActivationActive {
		return VersionCheckResult{}, noEntitlement(apperrors.Domainf("activation is %s", a.Status))
	}

	version := strings.TrimSpace(in.Version)
	track := a.Track
	if in.Track != "" {
		track = domain.ParseTrack(in.Track)
	}

	if version != "" && version != a.Version {
		r, ok, err := s.releaseByVersion(ctx, k.ProductID, version)
		if err != nil {
			return VersionCheckResult{}, err
		}
		if ok {
			previous := a.Version
			if _, err := s.Updates.Record(ctx, release.RecordRequest{ActivationID: a.ID, ReleaseID: r.ID, Previous: &previous}); err != nil {
				return VersionCheckResult{}, err
			}
		}
	}
	if a, err = s.Activations.Report(ctx, a.ID, version, track); err != nil {
		return VersionCheckResult{}, err
	}

	latest, err := s.Releases.ResolveLatest(ctx, a)
	if err != nil {
		return VersionCheckResult{}, err
	}
	if latest == nil {
		return VersionCheckResult{}, noEntitlement(nil)
	}
	url, err := s.downloadURL(ctx, *latest)
	if err != nil {
		return VersionCheckResult{}, err
	}

	s.logger.DebugContext(ctx, "update offered",
		slog.Int64("activation_id", a.ID),
		slog.String("installed", a.Version),
		slog.String("offered", latest.Version))
	return VersionCheckResult{Activation: a, Release: *latest, DownloadURL: url}, nil
}

// Info describes a key's product and its current stable release
type Info struct {
	Key         domain.Key `json:"key"`
	Valid       bool       `json:"valid"`
	ProductName string     `json:"product_name"`
	Version     string     `json:"version,omitempty"`
	Changelog   string     `json:"changelog,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
	ActiveCount int        `json:"active_count"`
}

// Info returns product and release information for key
func (s *LicensingService) Info(ctx context.Context, key string) (Info, error) {
	k, err := s.Keys.Get(ctx, key)
	if err != nil {
		return Info{}, err
	}
	valid, err := s.Keys.IsValid(ctx, key)
	if err != nil {
		return Info{}, err
	}
	out := Info{Key: k, Valid: valid}

	if p, err := s.Products.Product(ctx, k.ProductID); err == nil {
		out.ProductName = p.Name
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return Info{}, err
	}

	if out.ActiveCount, err = s.Activations.ActiveCount(ctx, key); err != nil {
		return Info{}, err
	}

	current, err := s.Releases.Current(ctx, k.ProductID, domain.TrackStable)
	if err != nil {
		return Info{}, err
	}
	if current != nil {
		out.Version = current.Version
		out.Changelog = current.Changelog
		if out.DownloadURL, err = s.downloadURL(ctx, *current); err != nil {
			return Info{}, err
		}
	}
	return out, nil
}

// Purchase records a completed transaction and issues its keys
func (s *LicensingService) Purchase(ctx context.Context, txn catalog.Transaction) ([]domain.Key, error) {
	if s.Ledger == nil {
		return nil, errors.New("licensing service has no ledger")
	}
	if err := s.Ledger.Record(txn); err != nil {
		return nil, err
	}
	keys, err := s.Keys.IssueForTransaction(ctx, txn.ID)
	if err != nil {
		return keys, err
	}
	s.logger.InfoContext(ctx, "purchase processed",
		slog.Int64("transaction_id", txn.ID),
		slog.Int("keys", len(keys)))
	return keys, nil
}

// Refund marks the transaction undeliverable and disables the keys it issued
func (s *LicensingService) Refund(ctx context.Context, txnID int64) ([]domain.Key, error) {
	if s.Ledger == nil {
		return nil, errors.New("licensing service has no ledger")
	}
	if err := s.Ledger.SetDeliverable(txnID, false); err != nil {
		return nil, err
	}
	issued, err := s.Keys.List(ctx, store.KeyFilter{TransactionID: txnID})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Key, 0, len(issued))
	for _, k := range issued {
		k, err := s.Keys.SetStatus(ctx, k.Key, domain.KeyStatusDisabled)
		if err != nil {
			return out, err
		}
		out = append(out, k)
	}
	s.logger.InfoContext(ctx, "transaction refunded",
		slog.Int64("transaction_id", txnID),
		slog.Int("keys_disabled", len(out)))
	return out, nil
}

// validKey loads key and fails with a domain error when it is not entitled
func (s *LicensingService) validKey(ctx context.Context, key string) (domain.Key, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Key{}, apperrors.Validation("key", "key is required")
	}
	k, err := s.Keys.Get(ctx, key)
	if err != nil {
		return domain.Key{}, err
	}
	ok, err := s.Keys.Entitled(ctx, key)
	if err != nil {
		return domain.Key{}, err
	}
	if !ok {
		return domain.Key{}, apperrors.Domainf("license key is not entitled (%s)", k.Status)
	}
	return k, nil
}

// releaseByVersion finds a published release of the product with exactly version
func (s *LicensingService) releaseByVersion(ctx context.Context, productID int64, version string) (domain.Release, bool, error) {
	rs, err := s.Releases.List(ctx, store.ReleaseFilter{
		ProductID: productID,
		Statuses:  []domain.ReleaseStatus{domain.ReleaseActive, domain.ReleasePaused, domain.ReleaseArchived},
	})
	if err != nil {
		return domain.Release{}, false, err
	}
	for _, r := range rs {
		if r.Version == version {
			return r, true, nil
		}
	}
	return domain.Release{}, false, nil
}

func (s *LicensingService) downloadURL(ctx context.Context, r domain.Release) (string, error) {
	d, err := s.Products.Download(ctx, r.DownloadID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return d.URL, nil
}

func noEntitlement(cause error) error {
	err := apperrors.NotFound("entitlement").WithCode(apperrors.CodeNoEntitlement)
	err.Cause = cause
	return err
}
