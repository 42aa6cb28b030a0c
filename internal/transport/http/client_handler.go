package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "licensed/internal/errors"
	"licensed/internal/middleware"
	"licensed/internal/services"
	api "licensed/pkg/contracts/api/v1"
	"licensed/pkg/contracts/domain"
)

// ClientHandler serves the API called by installed copies of licensed software
type ClientHandler struct {
	service      *services.LicensingService
	validator    Validator
	errorHandler *apperrors.ErrorHandler
	logger       *slog.Logger
}

// NewClientHandler creates a client API handler
func NewClientHandler(service *services.LicensingService, validator Validator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{
		service:      service,
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "client")),
	}
}

// Routes returns the client routes. Activation is throttled per key by
// limiter when it is non-nil.
func (h *ClientHandler) Routes(auth *middleware.ClientAuth, limiter *middleware.KeyedLimiter) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.Key)
		if limiter != nil {
			r.With(limiter.Handler).Post("/activate", h.Activate)
		} else {
			r.Post("/activate", h.Activate)
		}
		r.Get("/info", h.Info)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Activation)
		r.Post("/deactivate", h.Deactivate)
		r.Get("/version", h.Version)
	})
	return r
}

// Activate handles POST /activate
func (h *ClientHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, _ := middleware.KeyFrom(ctx)

	var req api.ActivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	a, err := h.service.Activate(ctx, services.ActivateInput{
		Key:      key,
		Location: req.Location,
		Version:  req.Version,
		Track:    req.Track,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	var k *domain.Key
	if got, err := h.service.Keys.Get(ctx, key); err == nil {
		k = &got
	}
	h.logger.InfoContext(ctx, "location activated",
		slog.Int64("activation_id", a.ID),
		slog.String("location", a.Location))
	writeJSON(w, r, http.StatusCreated, api.NewActivationResponse(a, k))
}

// Deactivate handles POST /deactivate
func (h *ClientHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, _ := middleware.KeyFrom(ctx)
	current, _ := middleware.ActivationFrom(ctx)

	var req api.DeactivateRequest
	if hasBody(r) {
		if err := h.validator.Decode(r, &req); err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
	}
	id := current.ID
	if req.ActivationID != 0 {
		id = req.ActivationID
	}

	a, err := h.service.Deactivate(ctx, key, id)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewActivationResponse(a, nil))
}

// Version handles GET /version?version=&track=
func (h *ClientHandler) Version(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, _ := middleware.KeyFrom(ctx)
	a, _ := middleware.ActivationFrom(ctx)

	q := api.VersionQuery{
		Version: r.URL.Query().Get("version"),
		Track:   r.URL.Query().Get("track"),
	}
	if err := h.validator.Struct(&q); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	res, err := h.service.VersionCheck(ctx, services.VersionCheckInput{
		Key:          key,
		ActivationID: a.ID,
		Version:      q.Version,
		Track:        q.Track,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.VersionResponse{
		Version:     res.Release.Version,
		Type:        string(res.Release.Type),
		ReleaseID:   res.Release.ID,
		Changelog:   res.Release.Changelog,
		DownloadURL: res.DownloadURL,
		Released:    res.Release.StartDate,
	})
}

// Info handles GET /info
func (h *ClientHandler) Info(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, _ := middleware.KeyFrom(ctx)

	info, err := h.service.Info(ctx, key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.InfoResponse{
		ProductID:      info.Key.ProductID,
		ProductName:    info.ProductName,
		Version:        info.Version,
		Changelog:      info.Changelog,
		DownloadURL:    info.DownloadURL,
		Status:         string(info.Key.Status),
		Valid:          info.Valid,
		Expires:        info.Key.Expires,
		ActiveCount:    info.ActiveCount,
		MaxActivations: info.Key.MaxActivations,
		Unlimited:      info.Key.Unlimited,
	})
}
