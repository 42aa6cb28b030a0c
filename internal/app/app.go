package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"licensed/internal/config"
	apperrors "licensed/internal/errors"
	"licensed/internal/infrastructure"
	customMiddleware "licensed/internal/middleware"
	"licensed/internal/services"
	handlers "licensed/internal/transport/http"
	ws "licensed/internal/websocket"
	"licensed/pkg/contracts"
)

// Application represents the licensing server container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Core          *Core
	WebSocketHub  *ws.Hub
	HealthService *services.HealthService
	Router        *chi.Mux
	Server        *http.Server

	stopOnce sync.Once
	stopErr  error
}

// NewApplication loads the configuration at path, initializes the global
// logger and builds the application
func NewApplication(ctx context.Context, path string) (*Application, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return New(ctx, cfg, logger)
}

// New wires every component from cfg. The event hub is running when New
// returns; the HTTP server starts with Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "Application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("commit", contracts.GitCommit))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, contracts.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}
	if err := a.initializeServices(ctx); err != nil {
		a.release(ctx)
		return nil, err
	}
	if err := a.setupRouter(); err != nil {
		a.release(ctx)
		return nil, err
	}
	a.createServer()
	return a, nil
}

func (a *Application) initializeServices(ctx context.Context) error {
	hubMetrics, err := ws.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.WebSocketHub = ws.NewHub(a.Logger, hubMetrics)
	a.WebSocketHub.Start()

	core, err := NewCore(ctx, a.Config, a.OTelProviders.Meter, a.Logger, a.WebSocketHub)
	if err != nil {
		return fmt.Errorf("failed to initialize licensing core: %w", err)
	}
	a.Core = core

	a.HealthService = services.NewHealthService(contracts.Version, contracts.BuildTime,
		core.Checks(), a.WebSocketHub, a.Logger)
	return nil
}

func (a *Application) setupRouter() error {
	cfg := a.Config
	r := chi.NewRouter()

	// RequestID → RealIP → OTel → Logger → Recoverer → Timeout
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}
	r.Use(otelMiddleware.Handler)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.SecurityHeaders)
	if cfg.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			cfg.Security.RateLimit.RPS,
			cfg.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}
	r.Use(render.SetContentType(render.ContentTypeJSON))

	errorHandler := apperrors.NewErrorHandler(a.Logger, false)
	validator := customMiddleware.NewValidator()
	adminAuth := customMiddleware.AdminAuth(cfg.Security.AdminToken, errorHandler, a.Logger)

	// The event feed is long-lived and stays outside the request timeout
	r.With(adminAuth).Handle(config.AdminAPIBasePath+"/events", a.WebSocketHub.Handler(ws.Options{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		PingPeriod:      cfg.WebSocket.PingPeriod,
		PongWait:        cfg.WebSocket.PongWait,
	}))

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.Timeout(cfg.Server.RequestTimeout, a.Logger))

		client := handlers.NewClientHandler(a.Core.Licensing, validator, errorHandler, a.Logger)
		clientAuth := customMiddleware.NewClientAuth(a.Core.Licensing, errorHandler, config.BasicAuthRealm, a.Logger)
		limiter := customMiddleware.NewKeyedLimiter(cfg.Security.ActivationRPS, cfg.Security.ActivationBurst,
			customMiddleware.BasicAuthUser, a.Logger)
		r.Mount(config.ClientAPIBasePath, client.Routes(clientAuth, limiter))

		admin := handlers.NewAdminHandler(handlers.AdminDependencies{
			Licensing:    a.Core.Licensing,
			Sweeper:      a.Core.Sweeper,
			Transactions: a.Core.Ledger,
		}, validator, errorHandler, a.Logger)
		r.With(adminAuth).Mount(config.AdminAPIBasePath, admin.Routes())

		r.Mount("/api", handlers.NewHealthHandler(a.HealthService, a.Logger).Routes())
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle(config.MetricsEndpoint, a.OTelProviders.PrometheusHTTP)
	}

	if cfg.Security.AdminToken == "" {
		a.Logger.Warn("no admin token configured, admin API rejects every request")
	}

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Run listens on the configured port and serves until ctx is cancelled
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		a.Stop(ctx)
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the expiry sweeper. It
// returns after ctx is cancelled and the application has shut down, or when
// the server fails.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening",
			slog.String("address", ln.Addr().String()))
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.Core.Sweeper.Start(gctx, a.Config.Licensing.SweepInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Stop gracefully stops the application. Calls after the first return the
// first result.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
		defer cancel()

		if a.Server != nil {
			if err := a.Server.Shutdown(shutdownCtx); err != nil {
				a.stopErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}
		a.release(shutdownCtx)
		a.Logger.InfoContext(ctx, "Application shutdown complete")
	})
	return a.stopErr
}

// release stops background services and closes everything the application opened
func (a *Application) release(ctx context.Context) {
	if a.WebSocketHub != nil {
		a.WebSocketHub.Stop()
	}
	if a.Core != nil {
		if err := a.Core.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing licensing core", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}
