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

// ActivateRequest asks for a seat on a key
type ActivateRequest struct {
	Key       string
	Location  string
	When      *time.Time
	Version   string
	Track     string
	ReleaseID int64
}

// ActivationEngine owns the activation-slot pool of each key
type ActivationEngine struct {
	store    store.Store
	products catalog.Products
	logger   *slog.Logger
	options
}

// NewActivationEngine creates an activation engine
func NewActivationEngine(st store.Store, products catalog.Products, logger *slog.Logger, opts ...Option) *ActivationEngine {
	return &ActivationEngine{
		store:    st,
		products: products,
		logger:   logger.With(slog.String("component", "activation_engine")),
		options:  buildOptions(opts),
	}
}

type admitOutcome int

const (
	outcomeExisting admitOutcome = iota
	outcomeCreated
	outcomeReactivated
)

// Activate admits req.Location onto the key. An active row for the location is
// returned unchanged, a deactivated one is reactivated in place and an expired
// one is replaced by a new activation. The capacity check and the write run
// as one atomic unit in the store.
func (e *ActivationEngine) Activate(ctx context.Context, req ActivateRequest) (domain.Activation, error) {
	started := time.Now()
	if strings.TrimSpace(req.Key) == "" {
		return domain.Activation{}, apperrors.Validation("key", "key is required")
	}
	location, err := e.location(ctx, req.Key, req.Location)
	if err != nil {
		e.metrics.recordActivation(ctx, ResultRejected, started)
		return domain.Activation{}, err
	}

	when := e.at(req.When)
	track := domain.ParseTrack(req.Track)
	outcome := outcomeExisting

	a, err := e.store.Admit(ctx, req.Key, location, func(k domain.Key, active int, existing *domain.Activation) (domain.Activation, error) {
		if k.Status != domain.KeyStatusActive {
			return domain.Activation{}, apperrors.Domainf("license key is %s", k.Status)
		}
		if existing != nil && existing.Status == domain.ActivationActive {
			outcome = outcomeExisting
			return *existing, nil
		}
		if !k.Admits(active) {
			return domain.Activation{}, apperrors.Capacity(fmt.Sprintf("maximum activations reached (%d)", k.MaxActivations))
		}
		if existing != nil && existing.Status == domain.ActivationDeactivated {
			outcome = outcomeReactivated
			next := *existing
			next.Status = domain.ActivationActive
			next.Activated = when
			next.Deactivated = nil
			return next, nil
		}

		outcome = outcomeCreated
		return domain.Activation{
			Key:       k.Key,
			Location:  location,
			Status:    domain.ActivationActive,
			Activated: when,
			Version:   req.Version,
			Track:     track,
			ReleaseID: req.ReleaseID,
		}, nil
	})
	if err != nil {
		result := ResultRejected
		if errors.Is(err, apperrors.ErrCapacity) {
			result = ResultCapacity
		}
		e.metrics.recordActivation(ctx, result, started)
		e.logger.InfoContext(ctx, "activation rejected", slog.String("error", err.Error()))
		return domain.Activation{}, err
	}

	switch outcome {
	case outcomeCreated:
		e.metrics.recordActivation(ctx, ResultAdmitted, started)
		e.logger.InfoContext(ctx, "activation created",
			slog.Int64("activation_id", a.ID),
			slog.String("location", a.Location))
		e.observer.ActivationCreated(ctx, a)
	case outcomeReactivated:
		e.metrics.recordActivation(ctx, ResultReactivated, started)
		e.logger.InfoContext(ctx, "activation reactivated", slog.Int64("activation_id", a.ID))
		e.observer.ActivationStatusChanged(ctx, a, domain.ActivationDeactivated)
	default:
		e.metrics.recordActivation(ctx, ResultExisting, started)
	}
	return a, nil
}

// location normalises raw for online-software products and validates it
func (e *ActivationEngine) location(ctx context.Context, key, raw string) (string, error) {
	location := strings.TrimSpace(raw)
	if location != "" && e.products != nil {
		online, err := e.onlineSoftware(ctx, key)
		if err != nil {
			return "", err
		}
		if online {
			location = domain.NormalizeLocation(location)
		}
	}
	if location == "" {
		return "", apperrors.Validation("location", "location is required")
	}
	if len(location) > domain.MaxLocationLength {
		return "", apperrors.Validation("location", fmt.Sprintf("location exceeds %d characters", domain.MaxLocationLength))
	}
	return location, nil
}

func (e *ActivationEngine) onlineSoftware(ctx context.Context, key string) (bool, error) {
	k, err := e.store.GetKey(ctx, key)
	if err != nil {
		return false, err
	}
	p, err := e.products.Product(ctx, k.ProductID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Licensing.OnlineSoftware, nil
}

// Deactivate frees the activation's seat. Deactivating a deactivated
// activation is a no-op; expired activations cannot be deactivated.
func (e *ActivationEngine) Deactivate(ctx context.Context, id int64, when *time.Time) (domain.Activation, error) {
	at := e.at(when)
	a, err := e.store.MutateActivation(ctx, id, func(a *domain.Activation) error {
		switch a.Status {
		case domain.ActivationDeactivated:
			return store.ErrUnchanged
		case domain.ActivationExpired:
			return apperrors.Domain("expired activations cannot be deactivated")
		}
		a.Status = domain.ActivationDeactivated
		a.Deactivated = &at
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return a, nil
	}
	if err != nil {
		return domain.Activation{}, err
	}

	e.metrics.inc(ctx, deactivations)
	e.logger.InfoContext(ctx, "activation deactivated", slog.Int64("activation_id", a.ID))
	e.observer.ActivationStatusChanged(ctx, a, domain.ActivationActive)
	return a, nil
}

// Reactivate restores a deactivated activation. It goes through the same
// atomic admission as Activate, so the key must be active and its capacity
// still holds.
func (e *ActivationEngine) Reactivate(ctx context.Context, id int64, when *time.Time) (domain.Activation, error) {
	current, err := e.store.GetActivation(ctx, id)
	if err != nil {
		return domain.Activation{}, err
	}
	if current.Status != domain.ActivationDeactivated {
		return domain.Activation{}, apperrors.Domainf("only deactivated activations can be reactivated, status is %s", current.Status)
	}

	at := e.at(when)
	a, err := e.store.Admit(ctx, current.Key, current.Location, func(k domain.Key, active int, existing *domain.Activation) (domain.Activation, error) {
		if existing == nil || existing.ID != id || existing.Status != domain.ActivationDeactivated {
			return domain.Activation{}, apperrors.Domain("activation is no longer deactivated")
		}
		if k.Status != domain.KeyStatusActive {
			return domain.Activation{}, apperrors.Domainf("license key is %s", k.Status)
		}
		if !k.Admits(active) {
			return domain.Activation{}, apperrors.Capacity(fmt.Sprintf("maximum activations reached (%d)", k.MaxActivations))
		}
		next := *existing
		next.Status = domain.ActivationActive
		next.Activated = at
		next.Deactivated = nil
		return next, nil
	})
	if err != nil {
		return domain.Activation{}, err
	}

	e.logger.InfoContext(ctx, "activation reactivated", slog.Int64("activation_id", a.ID))
	e.observer.ActivationStatusChanged(ctx, a, domain.ActivationDeactivated)
	return a, nil
}

// Expire moves the activation to the terminal expired status
func (e *ActivationEngine) Expire(ctx context.Context, id int64) (domain.Activation, error) {
	var from domain.ActivationStatus
	a, err := e.store.MutateActivation(ctx, id, func(a *domain.Activation) error {
		if a.Status == domain.ActivationExpired {
			return store.ErrUnchanged
		}
		from = a.Status
		a.Status = domain.ActivationExpired
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return a, nil
	}
	if err != nil {
		return domain.Activation{}, err
	}

	e.metrics.inc(ctx, activationsExpired)
	e.observer.ActivationStatusChanged(ctx, a, from)
	return a, nil
}

// Delete removes the activation. Update log rows that reference it are kept.
func (e *ActivationEngine) Delete(ctx context.Context, id int64) error {
	a, err := e.store.GetActivation(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteActivation(ctx, id); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "activation deleted", slog.Int64("activation_id", id))
	e.observer.ActivationDeleted(ctx, a)
	return nil
}

// Report stores what the client says it runs. An empty version keeps the
// stored one.
func (e *ActivationEngine) Report(ctx context.Context, id int64, version string, track domain.Track) (domain.Activation, error) {
	a, err := e.store.MutateActivation(ctx, id, func(a *domain.Activation) error {
		if (version == "" || version == a.Version) && track == a.Track {
			return store.ErrUnchanged
		}
		if version != "" {
			a.Version = version
		}
		a.Track = track
		return nil
	})
	if errors.Is(err, store.ErrUnchanged) {
		return a, nil
	}
	return a, err
}

// ActiveCount is a live count of the key's active activations
func (e *ActivationEngine) ActiveCount(ctx context.Context, key string) (int, error) {
	return e.store.CountActive(ctx, key)
}

// Get loads an activation
func (e *ActivationEngine) Get(ctx context.Context, id int64) (domain.Activation, error) {
	return e.store.GetActivation(ctx, id)
}

// List returns activations matching f
func (e *ActivationEngine) List(ctx context.Context, f store.ActivationFilter) ([]domain.Activation, error) {
	return e.store.ListActivations(ctx, f)
}
