package release

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	apperrors "licensed/internal/errors"
	"licensed/internal/store"
	"licensed/pkg/contracts/domain"
)

// SummaryDays is how many days after a release's start the per-day counts cover
const SummaryDays = 14

// TopPreviousVersions bounds the previous-version histogram
const TopPreviousVersions = 5

// Recorder appends to the update log
type Recorder struct {
	store  store.Store
	logger *slog.Logger
	options
}

// NewRecorder creates an update recorder
func NewRecorder(st store.Store, logger *slog.Logger, opts ...Option) *Recorder {
	return &Recorder{
		store:   st,
		logger:  logger.With(slog.String("component", "update_recorder")),
		options: buildOptions(opts),
	}
}

// RecordRequest describes an observed upgrade. Previous defaults to the
// activation's stored version.
type RecordRequest struct {
	ActivationID int64
	ReleaseID    int64
	When         *time.Time
	Previous     *string
}

// Record logs that the activation moved to the release's version and
// advances the activation's version and release pointer to match. The
// activation is advanced first and restored if the log row cannot be written,
// so a failed call leaves neither change behind.
func (rc *Recorder) Record(ctx context.Context, req RecordRequest) (domain.Update, error) {
	a, err := rc.store.GetActivation(ctx, req.ActivationID)
	if err != nil {
		return domain.Update{}, err
	}
	r, err := rc.store.GetRelease(ctx, req.ReleaseID)
	if err != nil {
		return domain.Update{}, err
	}
	k, err := rc.store.GetKey(ctx, a.Key)
	if err != nil {
		return domain.Update{}, err
	}
	if k.ProductID != r.ProductID {
		return domain.Update{}, apperrors.Domain("release belongs to another product than the activation")
	}

	var before domain.Activation
	if _, err := rc.store.MutateActivation(ctx, a.ID, func(a *domain.Activation) error {
		before = *a
		a.Version = r.Version
		a.ReleaseID = r.ID
		return nil
	}); err != nil {
		return domain.Update{}, err
	}

	previous := before.Version
	if req.Previous != nil {
		previous = *req.Previous
	}
	u, err := rc.store.AddUpdate(ctx, domain.Update{
		ActivationID:    a.ID,
		ReleaseID:       r.ID,
		UpdatedAt:       rc.at(req.When),
		PreviousVersion: previous,
	})
	if err != nil {
		rc.restore(ctx, before, r)
		return domain.Update{}, err
	}

	rc.logger.InfoContext(ctx, "update recorded",
		slog.Int64("activation_id", a.ID),
		slog.Int64("release_id", r.ID),
		slog.String("from", previous),
		slog.String("to", r.Version))
	rc.metrics.updateRecorded(ctx)
	rc.observer.UpdateRecorded(ctx, u)
	return u, nil
}

// restore puts the activation's version pointer back unless another write
// has moved it off r since
func (rc *Recorder) restore(ctx context.Context, before domain.Activation, r domain.Release) {
	_, err := rc.store.MutateActivation(ctx, before.ID, func(a *domain.Activation) error {
		if a.ReleaseID != r.ID || a.Version != r.Version {
			return store.ErrUnchanged
		}
		a.Version = before.Version
		a.ReleaseID = before.ReleaseID
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrUnchanged) {
		rc.logger.ErrorContext(ctx, "failed to restore activation after update log write failed",
			slog.Int64("activation_id", before.ID),
			slog.String("error", err.Error()))
	}
}

// List returns update log rows matching f
func (rc *Recorder) List(ctx context.Context, f store.UpdateFilter) ([]domain.Update, error) {
	return rc.store.ListUpdates(ctx, f)
}

// VersionCount is one bar of the previous-version histogram
type VersionCount struct {
	Version string `json:"version"`
	Count   int    `json:"count"`
}

// DayCount is the number of updates on one day after the release started
type DayCount struct {
	Day   int       `json:"day"`
	Date  time.Time `json:"date"`
	Count int       `json:"count"`
}

// Summary aggregates the update log of one release. Installs counts the
// product's active activations and PercentUpdated relates Activations to it.
type Summary struct {
	ReleaseID      int64          `json:"release_id"`
	Total          int            `json:"total"`
	Activations    int            `json:"activations"`
	Installs       int            `json:"installs"`
	PercentUpdated float64        `json:"percent_updated"`
	TopPrevious    []VersionCount `json:"top_previous_versions"`
	FirstDays      []DayCount     `json:"first_days,omitempty"`
}

// Summary computes the adoption figures of a release from the update log
func (rc *Recorder) Summary(ctx context.Context, releaseID int64) (Summary, error) {
	r, err := rc.store.GetRelease(ctx, releaseID)
	if err != nil {
		return Summary{}, err
	}
	updates, err := rc.store.ListUpdates(ctx, store.UpdateFilter{ReleaseID: releaseID})
	if err != nil {
		return Summary{}, err
	}

	s := Summary{ReleaseID: releaseID, Total: len(updates)}
	distinct := make(map[int64]bool)
	previous := make(map[string]int)
	for _, u := range updates {
		distinct[u.ActivationID] = true
		previous[u.PreviousVersion]++
	}
	s.Activations = len(distinct)
	s.TopPrevious = topVersions(previous, TopPreviousVersions)

	if r.StartDate != nil {
		s.FirstDays = firstDays(*r.StartDate, updates)
	}

	keys, err := rc.store.ListKeys(ctx, store.KeyFilter{ProductID: r.ProductID})
	if err != nil {
		return Summary{}, err
	}
	for _, k := range keys {
		n, err := rc.store.CountActive(ctx, k.Key)
		if err != nil {
			return Summary{}, err
		}
		s.Installs += n
	}
	if s.Installs > 0 {
		s.PercentUpdated = 100 * float64(s.Activations) / float64(s.Installs)
	}
	return s, nil
}

func topVersions(counts map[string]int, limit int) []VersionCount {
	out := make([]VersionCount, 0, len(counts))
	for v, n := range counts {
		out = append(out, VersionCount{Version: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return domain.CompareVersions(out[i].Version, out[j].Version) > 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func firstDays(start time.Time, updates []domain.Update) []DayCount {
	start = start.UTC().Truncate(24 * time.Hour)
	days := make([]DayCount, SummaryDays)
	for i := range days {
		days[i] = DayCount{Day: i + 1, Date: start.AddDate(0, 0, i)}
	}
	for _, u := range updates {
		d := int(u.UpdatedAt.UTC().Sub(start) / (24 * time.Hour))
		if d >= 0 && d < SummaryDays {
			days[d].Count++
		}
	}
	return days
}
