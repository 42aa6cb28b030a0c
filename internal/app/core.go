package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"licensed/internal/cache"
	"licensed/internal/catalog"
	"licensed/internal/config"
	"licensed/internal/events"
	"licensed/internal/license"
	"licensed/internal/release"
	"licensed/internal/services"
	"licensed/internal/store"
)

// Core holds the storage and licensing engines shared by the HTTP server and
// the licensectl command.
type Core struct {
	Store       store.Store
	Cache       cache.ReleaseCache
	Products    *catalog.Static
	Ledger      *catalog.Ledger
	Keys        *license.KeyEngine
	Activations *license.ActivationEngine
	Releases    *release.Engine
	Updates     *release.Recorder
	Licensing   *services.LicensingService
	Sweeper     *license.Sweeper

	checks  map[string]services.Pinger
	closers []closer
	logger  *slog.Logger
}

type closer struct {
	name string
	c    io.Closer
}

// NewCore opens the configured store and cache, loads the product catalog and
// builds the engines. Domain events go to every sink plus, when configured,
// Kafka and the log.
func NewCore(ctx context.Context, cfg *config.Config, meter metric.Meter, logger *slog.Logger, sinks ...events.Sink) (core *Core, err error) {
	c := &Core{
		checks: make(map[string]services.Pinger),
		logger: logger.With(slog.String("component", "core")),
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if err := c.openStore(ctx, cfg.Storage); err != nil {
		return nil, err
	}
	if err := c.openCache(ctx, cfg.Cache); err != nil {
		return nil, err
	}

	if cfg.Licensing.CatalogFile != "" {
		if c.Products, err = catalog.LoadFile(cfg.Licensing.CatalogFile); err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
	} else {
		c.logger.WarnContext(ctx, "no catalog file configured, product catalog is empty")
		if c.Products, err = catalog.NewStatic(); err != nil {
			return nil, err
		}
	}
	c.Ledger = catalog.NewLedger()

	observer, err := c.observer(cfg.Events, logger, sinks)
	if err != nil {
		return nil, err
	}

	licenseMetrics, err := license.NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	releaseMetrics, err := release.NewMetrics(meter)
	if err != nil {
		return nil, err
	}

	registry := license.NewDefaultRegistry([]byte(cfg.Licensing.KeySecret))
	c.Keys = license.NewKeyEngine(c.Store, c.Products, c.Ledger, registry, logger,
		license.WithObserver(observer), license.WithMetrics(licenseMetrics))
	c.Activations = license.NewActivationEngine(c.Store, c.Products, logger,
		license.WithObserver(observer), license.WithMetrics(licenseMetrics))

	releaseOpts := []release.Option{
		release.WithObserver(observer),
		release.WithMetrics(releaseMetrics),
		release.WithRetention(cfg.Licensing.RetentionCount),
	}
	if c.Cache != nil {
		releaseOpts = append(releaseOpts, release.WithCache(c.Cache))
	}
	c.Releases = release.NewEngine(c.Store, c.Products, logger, releaseOpts...)
	c.Updates = release.NewRecorder(c.Store, logger, release.WithObserver(observer))

	c.Licensing = services.NewLicensingService(services.Dependencies{
		Keys:        c.Keys,
		Activations: c.Activations,
		Releases:    c.Releases,
		Updates:     c.Updates,
		Products:    c.Products,
		Ledger:      c.Ledger,
	}, logger)
	c.Sweeper = license.NewSweeper(c.Keys, c.Activations, logger)

	c.logger.InfoContext(ctx, "licensing core ready",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("cache", cfg.Cache.Driver),
		slog.Int("sinks", len(sinks)))
	return c, nil
}

func (c *Core) openStore(ctx context.Context, cfg config.StorageConfig) error {
	switch cfg.Driver {
	case config.StorageBolt:
		st, err := store.OpenBolt(cfg.BoltPath, cfg.BoltTimeout)
		if err != nil {
			return fmt.Errorf("failed to open bolt store: %w", err)
		}
		c.Store = st
	case config.StoragePostgres:
		st, err := store.OpenPostgres(ctx, cfg.PostgresDSN, cfg.MaxConns)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		c.Store = st
	default:
		c.Store = store.NewMemoryStore()
	}
	c.checks["store"] = c.Store
	c.closers = append(c.closers, closer{"store", c.Store})
	return nil
}

func (c *Core) openCache(ctx context.Context, cfg config.CacheConfig) error {
	switch cfg.Driver {
	case config.CacheMemory:
		m := cache.NewMemory(cfg.TTL, cfg.MaxEntries)
		c.Cache = m
		c.closers = append(c.closers, closer{"cache", m})
	case config.CacheRedis:
		r, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.Cache = r
		c.checks["cache"] = r
		c.closers = append(c.closers, closer{"cache", r})
	}
	return nil
}

func (c *Core) observer(cfg config.EventsConfig, logger *slog.Logger, sinks []events.Sink) (events.Observer, error) {
	observers := make([]events.Observer, 0, len(sinks)+2)
	for _, s := range sinks {
		observers = append(observers, events.Forward(s, logger))
	}
	if len(cfg.KafkaBrokers) > 0 {
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		c.closers = append(c.closers, closer{"kafka", p})
		observers = append(observers, events.Forward(p, logger))
	}
	if cfg.LogEvents {
		observers = append(observers, events.Forward(events.LogSink(logger), logger))
	}
	return events.NewMulti(observers...), nil
}

// Checks returns the dependencies probed by the readiness endpoint
func (c *Core) Checks() map[string]services.Pinger {
	out := make(map[string]services.Pinger, len(c.checks))
	for k, v := range c.checks {
		out[k] = v
	}
	return out
}

// Close releases resources in reverse order of acquisition
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.c.Close(); err != nil {
			c.logger.Error("failed to close resource",
				slog.String("resource", cl.name),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
