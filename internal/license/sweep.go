package license

import (
	"context"
	"log/slog"
	"time"

	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

// SweepResult counts the transitions one sweep made
type SweepResult struct {
	KeysExpired        int `json:"keys_expired"`
	ActivationsExpired int `json:"activations_expired"`
}

// Sweeper expires keys past their expiration date together with their live
// activations. Every transition is a compare-and-set, so concurrent or
// repeated runs are harmless.
type Sweeper struct {
	keys        *KeyEngine
	activations *ActivationEngine
	logger      *slog.Logger
}

// NewSweeper creates a sweeper over the two engines
func NewSweeper(keys *KeyEngine, activations *ActivationEngine, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		keys:        keys,
		activations: activations,
		logger:      logger.With(slog.String("component", "sweeper")),
	}
}

// Run performs one sweep
func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.keys.clock()

	due, err := s.keys.store.ListKeys(ctx, store.KeyFilter{ExpiresBefore: &now})
	if err != nil {
		return res, err
	}

	for _, k := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if k.Status == domain.KeyStatusDisabled {
			continue
		}
		if k.Status == domain.KeyStatusActive {
			changed, err := s.keys.expireIfDue(ctx, k.Key, now)
			if err != nil {
				return res, err
			}
			if !changed {
				continue
			}
			res.KeysExpired++
		}

		n, err := s.expireActivations(ctx, k.Key)
		if err != nil {
			return res, err
		}
		res.ActivationsExpired += n
	}

	if res.KeysExpired > 0 || res.ActivationsExpired > 0 {
		s.logger.InfoContext(ctx, "expiration sweep finished",
			slog.Int("keys_expired", res.KeysExpired),
			slog.Int("activations_expired", res.ActivationsExpired))
	}
	return res, nil
}

func (s *Sweeper) expireActivations(ctx context.Context, key string) (int, error) {
	n := 0
	for _, status := range []domain.ActivationStatus{domain.ActivationActive, domain.ActivationDeactivated} {
		live, err := s.activations.List(ctx, store.ActivationFilter{Key: key, Status: status})
		if err != nil {
			return n, err
		}
		for _, a := range live {
			if _, err := s.activations.Expire(ctx, a.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Start runs a sweep every interval until ctx is done. A non-positive
// interval disables the loop.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "expiration sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
