package release

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Version check results
const (
	CheckUpdateAvailable = "update_available"
	CheckCurrent         = "current"
)

// Metrics holds the release instruments. A nil *Metrics records nothing.
type Metrics struct {
	VersionChecks    metric.Int64Counter
	UpdatesRecorded  metric.Int64Counter
	ReleasesArchived metric.Int64Counter
	CacheLookups     metric.Int64Counter
}

// NewMetrics creates the release instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.VersionChecks, err = meter.Int64Counter(
		"release_version_checks_total",
		metric.WithDescription("Entitlement resolutions by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create version checks counter: %w", err)
	}

	m.UpdatesRecorded, err = meter.Int64Counter(
		"release_updates_recorded_total",
		metric.WithDescription("Update log entries written"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create updates counter: %w", err)
	}

	m.ReleasesArchived, err = meter.Int64Counter(
		"release_archived_by_retention_total",
		metric.WithDescription("Releases archived to honour the retention count"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create archived counter: %w", err)
	}

	m.CacheLookups, err = meter.Int64Counter(
		"release_cache_lookups_total",
		metric.WithDescription("Active release cache lookups by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) versionCheck(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.VersionChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) cacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) updateRecorded(ctx context.Context) {
	if m == nil {
		return
	}
	m.UpdatesRecorded.Add(ctx, 1)
}

func (m *Metrics) archived(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReleasesArchived.Add(ctx, int64(n))
}
