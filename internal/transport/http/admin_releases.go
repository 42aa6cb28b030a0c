package http

import (
	"fmt"
	"net/http"
	"strings"

	apperrors "licensed/internal/errors"
	"licensed/internal/release"
	"licensed/internal/store"
	api "licensed/pkg/contracts/api/v1"
	"licensed/pkg/contracts/domain"
)

// CreateRelease handles POST /releases
func (h *AdminHandler) CreateRelease(w http.ResponseWriter, r *http.Request) {
	var req api.CreateReleaseRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rel, err := h.Licensing.Releases.Create(r.Context(), release.NewRelease{
		ProductID:  req.ProductID,
		DownloadID: req.DownloadID,
		Version:    req.Version,
		Type:       domain.ReleaseType(req.Type),
		Status:     domain.ReleaseStatus(req.Status),
		Changelog:  req.Changelog,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rel)
}

// ListReleases handles GET /releases?product_id=&status=active,paused
func (h *AdminHandler) ListReleases(w http.ResponseWriter, r *http.Request) {
	var (
		f   store.ReleaseFilter
		err error
	)
	if f.ProductID, err = queryInt64(r, "product_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	for _, s := range strings.Split(r.URL.Query().Get("status"), ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		st := domain.ReleaseStatus(s)
		if !st.Valid() {
			h.fail(w, r, apperrors.Validation("status", fmt.Sprintf("unknown release status %q", s)))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}

	rs, err := h.Licensing.Releases.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewList(rs))
}

// GetRelease handles GET /releases/{id}
func (h *AdminHandler) GetRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rel, err := h.Licensing.Releases.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// PatchRelease handles PATCH /releases/{id}. Fields are applied in order and
// the first rejected change stops the patch.
func (h *AdminHandler) PatchRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req api.PatchReleaseRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	engine := h.Licensing.Releases
	rel, err := engine.Get(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Version != nil {
		if rel, err = engine.SetVersion(ctx, id, *req.Version); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.Type != nil {
		if rel, err = engine.SetType(ctx, id, domain.ReleaseType(*req.Type)); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.DownloadID != nil {
		if rel, err = engine.SetDownload(ctx, id, *req.DownloadID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.Changelog != nil {
		if rel, err = engine.SetChangelog(ctx, id, *req.Changelog); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// DeleteRelease handles DELETE /releases/{id}
func (h *AdminHandler) DeleteRelease(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Licensing.Releases.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateRelease handles POST /releases/{id}/activate
func (h *AdminHandler) ActivateRelease(w http.ResponseWriter, r *http.Request) {
	var req api.ActivateReleaseRequest
	if hasBody(r) {
		if err := h.validator.Decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	h.releaseAction(w, r, func(id int64) (domain.Release, error) {
		return h.Licensing.Releases.Activate(r.Context(), id, req.StartDate)
	})
}

// PauseRelease handles POST /releases/{id}/pause
func (h *AdminHandler) PauseRelease(w http.ResponseWriter, r *http.Request) {
	h.releaseAction(w, r, func(id int64) (domain.Release, error) {
		return h.Licensing.Releases.Pause(r.Context(), id)
	})
}

// ArchiveRelease handles POST /releases/{id}/archive
func (h *AdminHandler) ArchiveRelease(w http.ResponseWriter, r *http.Request) {
	h.releaseAction(w, r, func(id int64) (domain.Release, error) {
		return h.Licensing.Releases.Archive(r.Context(), id)
	})
}

func (h *AdminHandler) releaseAction(w http.ResponseWriter, r *http.Request, action func(id int64) (domain.Release, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rel, err := action(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// ReleaseUpdates handles GET /releases/{id}/updates
func (h *AdminHandler) ReleaseUpdates(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.Licensing.Releases.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	us, err := h.Licensing.Updates.List(r.Context(), store.UpdateFilter{ReleaseID: id})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, api.NewList(us))
}

// ReleaseSummary handles GET /releases/{id}/summary
func (h *AdminHandler) ReleaseSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.Licensing.Updates.Summary(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

