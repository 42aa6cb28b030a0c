package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"licensed/internal/catalog"
	apperrors "licensed/internal/errors"
	"licensed/internal/exporter"
	"licensed/internal/license"
	"licensed/internal/services"
	"licensed/internal/store"
	api "licensed/pkg/contracts/api/v1"
	"licensed/pkg/contracts/domain"
)

// AdminDependencies are what the admin API operates on
type AdminDependencies struct {
	Licensing    *services.LicensingService
	Sweeper      *license.Sweeper
	Transactions catalog.Transactions
	// Events serves the live event feed; nil disables /events
	Events http.Handler
}

// AdminHandler serves the administrative API
type AdminHandler struct {
	AdminDependencies
	validator    Validator
	errorHandler *apperrors.ErrorHandler
	now          func() time.Time
	logger       *slog.Logger
}

// NewAdminHandler creates an admin API handler
func NewAdminHandler(deps AdminDependencies, validator Validator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		AdminDependencies: deps,
		validator:         validator,
		errorHandler:      errorHandler,
		now:               time.Now,
		logger:            logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the admin routes. Authentication is applied by the caller.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/keys", func(r chi.Router) {
		r.Post("/", h.CreateKey)
		r.Get("/", h.ListKeys)
		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", h.GetKey)
			r.Delete("/", h.DeleteKey)
			r.Put("/status", h.SetKeyStatus)
			r.Put("/max", h.SetKeyMax)
			r.Post("/extend", h.ExtendKey)
			r.Post("/renew", h.RenewKey)
			r.Get("/activations", h.KeyActivations)
			r.Get("/renewals", h.KeyRenewals)
		})
	})

	r.Post("/purchases", h.Purchase)
	r.Post("/purchases/{id}/refund", h.Refund)

	r.Route("/activations", func(r chi.Router) {
		r.Get("/", h.ListActivations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetActivation)
			r.Delete("/", h.DeleteActivation)
			r.Post("/deactivate", h.DeactivateActivation)
			r.Post("/reactivate", h.ReactivateActivation)
			r.Post("/expire", h.ExpireActivation)
		})
	})

	r.Route("/releases", func(r chi.Router) {
		r.Post("/", h.CreateRelease)
		r.Get("/", h.ListReleases)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRelease)
			r.Patch("/", h.PatchRelease)
			r.Delete("/", h.DeleteRelease)
			r.Post("/activate", h.ActivateRelease)
			r.Post("/pause", h.PauseRelease)
			r.Post("/archive", h.ArchiveRelease)
			r.Get("/updates", h.ReleaseUpdates)
			r.Get("/summary", h.ReleaseSummary)
		})
	})

	r.Post("/sweep", h.Sweep)
	r.Get("/export", h.Export)
	if h.Events != nil {
		r.Handle("/events", h.Events)
	}
	return r
}

func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.errorHandler.HandleError(w, r, err)
}

// Keys

// CreateKey handles POST /keys
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req api.CreateKeyRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	k, err := h.Licensing.Keys.CreateKey(r.Context(), license.NewKey{
		Key:            req.Key,
		ProductID:      req.ProductID,
		CustomerID:     req.CustomerID,
		TransactionID:  req.TransactionID,
		MaxActivations: req.MaxActivations,
		Unlimited:      req.Unlimited,
		Expires:        req.Expires,
		Status:         domain.KeyStatus(req.Status),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, k)
}

// ListKeys handles GET /keys?product_id=&customer_id=&transaction_id=&status=&limit=&offset=
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	f, err := keyFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	keys, err := h.Licensing.Keys.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewList(keys))
}

func keyFilter(r *http.Request) (store.KeyFilter, error) {
	var (
		f   store.KeyFilter
		err error
	)
	if f.ProductID, err = queryInt64(r, "product_id"); err != nil {
		return f, err
	}
	if f.CustomerID, err = queryInt64(r, "customer_id"); err != nil {
		return f, err
	}
	if f.TransactionID, err = queryInt64(r, "transaction_id"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		return f, err
	}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = domain.KeyStatus(s)
		if !f.Status.Valid() {
			return f, apperrors.Validation("status", fmt.Sprintf("unknown key status %q", s))
		}
	}
	return f, nil
}

// GetKey handles GET /keys/{key}
func (h *AdminHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	k, err := h.Licensing.Keys.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, k)
}

// DeleteKey handles DELETE /keys/{key}
func (h *AdminHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Licensing.Keys.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetKeyStatus handles PUT /keys/{key}/status
func (h *AdminHandler) SetKeyStatus(w http.ResponseWriter, r *http.Request) {
	var req api.KeyStatusRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	k, err := h.Licensing.Keys.SetStatus(r.Context(), chi.URLParam(r, "key"), domain.KeyStatus(req.Status))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, k)
}

// SetKeyMax handles PUT /keys/{key}/max
func (h *AdminHandler) SetKeyMax(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	var req api.KeyMaxRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		k   domain.Key
		err error
	)
	if req.Unlimited != nil {
		if k, err = h.Licensing.Keys.SetUnlimited(ctx, key, *req.Unlimited); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.Unlimited == nil || !*req.Unlimited {
		if k, err = h.Licensing.Keys.SetMax(ctx, key, req.Max); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, k)
}

// ExtendKey handles POST /keys/{key}/extend
func (h *AdminHandler) ExtendKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if _, err := h.Licensing.Keys.Extend(ctx, key); err != nil {
		h.fail(w, r, err)
		return
	}
	k, err := h.Licensing.Keys.Get(ctx, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, k)
}

// RenewKey handles POST /keys/{key}/renew, optionally against a transaction
func (h *AdminHandler) RenewKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.RenewRequest
	if hasBody(r) {
		if err := h.validator.Decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	var txn *catalog.Transaction
	if req.TransactionID != 0 {
		if h.Transactions == nil {
			h.fail(w, r, apperrors.NotFound("transaction"))
			return
		}
		t, err := h.Transactions.Transaction(ctx, req.TransactionID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		txn = &t
	}

	renewal, err := h.Licensing.Keys.Renew(ctx, chi.URLParam(r, "key"), txn)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, renewal)
}

// KeyActivations handles GET /keys/{key}/activations
func (h *AdminHandler) KeyActivations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if _, err := h.Licensing.Keys.Get(ctx, key); err != nil {
		h.fail(w, r, err)
		return
	}
	as, err := h.Licensing.Activations.List(ctx, store.ActivationFilter{Key: key})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewList(as))
}

// KeyRenewals handles GET /keys/{key}/renewals
func (h *AdminHandler) KeyRenewals(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Licensing.Keys.Renewals(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewList(rs))
}

// Purchases

// Purchase handles POST /purchases
func (h *AdminHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req api.PurchaseRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	txn := catalog.Transaction{
		ID:           req.TransactionID,
		CustomerID:   req.CustomerID,
		PurchasedAt:  h.now().UTC(),
		Deliverable:  true,
		Subscription: catalog.SubscriptionStatus(req.Subscription),
		Items:        make([]catalog.PurchasedProduct, 0, len(req.Items)),
	}
	if req.PurchasedAt != nil {
		txn.PurchasedAt = req.PurchasedAt.UTC()
	}
	for _, it := range req.Items {
		txn.Items = append(txn.Items, catalog.PurchasedProduct{
			ProductID:  it.ProductID,
			IsRenewal:  it.IsRenewal,
			RenewedKey: it.RenewedKey,
			Amount:     it.Amount,
		})
	}

	keys, err := h.Licensing.Purchase(r.Context(), txn)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, api.NewList(keys))
}

// Refund handles POST /purchases/{id}/refund
func (h *AdminHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	keys, err := h.Licensing.Refund(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewList(keys))
}

// Activations

// ListActivations handles GET /activations?key=&status=&limit=&offset=
func (h *AdminHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	f := store.ActivationFilter{Key: r.URL.Query().Get("key")}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		h.fail(w, r, err)
		return
	}
	if s := r.URL.Query().Get("status"); s != "" {
		f.Status = domain.ActivationStatus(s)
		if !f.Status.Valid() {
			h.fail(w, r, apperrors.Validation("status", fmt.Sprintf("unknown activation status %q", s)))
			return
		}
	}
	as, err := h.Licensing.Activations.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewList(as))
}

// GetActivation handles GET /activations/{id}
func (h *AdminHandler) GetActivation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.Licensing.Activations.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// DeleteActivation handles DELETE /activations/{id}
func (h *AdminHandler) DeleteActivation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Licensing.Activations.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activationAction func(id int64, when *time.Time) (domain.Activation, error)

func (h *AdminHandler) activationAction(w http.ResponseWriter, r *http.Request, action activationAction) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req api.ActivationActionRequest
	if hasBody(r) {
		if err := h.validator.Decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	a, err := action(id, req.When)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// DeactivateActivation handles POST /activations/{id}/deactivate
func (h *AdminHandler) DeactivateActivation(w http.ResponseWriter, r *http.Request) {
	h.activationAction(w, r, func(id int64, when *time.Time) (domain.Activation, error) {
		return h.Licensing.Activations.Deactivate(r.Context(), id, when)
	})
}

// ReactivateActivation handles POST /activations/{id}/reactivate
func (h *AdminHandler) ReactivateActivation(w http.ResponseWriter, r *http.Request) {
	h.activationAction(w, r, func(id int64, when *time.Time) (domain.Activation, error) {
		return h.Licensing.Activations.Reactivate(r.Context(), id, when)
	})
}

// ExpireActivation handles POST /activations/{id}/expire
func (h *AdminHandler) ExpireActivation(w http.ResponseWriter, r *http.Request) {
	h.activationAction(w, r, func(id int64, _ *time.Time) (domain.Activation, error) {
		return h.Licensing.Activations.Expire(r.Context(), id)
	})
}

// Maintenance

// Sweep handles POST /sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.Run(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// Export handles GET /export?what=keys|activations&format=csv|xlsx
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	format, err := exporter.ParseFormat(q.Get("format"))
	if q.Get("format") == "" {
		format, err = exporter.FormatCSV, nil
	}
	if err != nil {
		h.fail(w, r, apperrors.Validation("format", err.Error()))
		return
	}

	var table exporter.Table
	switch what := strings.ToLower(q.Get("what")); what {
	case "", "keys":
		keys, err := h.Licensing.Keys.List(ctx, store.KeyFilter{})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		table = exporter.KeysTable(keys)
	case "activations":
		as, err := h.Licensing.Activations.List(ctx, store.ActivationFilter{})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		table = exporter.ActivationsTable(as)
	default:
		h.fail(w, r, apperrors.Validation("what", fmt.Sprintf("cannot export %q", what)))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", table.Name+"."+string(format)))
	if err := exporter.Write(w, format, table); err != nil {
		// headers are gone; all that is left is to log
		h.logger.ErrorContext(ctx, "export failed",
			slog.String("what", table.Name),
			slog.String("error", err.Error()))
		return
	}
	h.logger.InfoContext(ctx, "export written",
		slog.String("what", table.Name),
		slog.String("format", string(format)),
		slog.Int("rows", len(table.Rows)))
}
