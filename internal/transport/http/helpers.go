package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "licensed/internal/errors"
)

// Validator decodes and validates request bodies
type Validator interface {
	Decode(r *http.Request, dst interface{}) error
	Struct(s interface{}) error
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// pathID parses a positive integer URL parameter
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.Validation(name, name+" must be a positive integer")
	}
	return id, nil
}

// queryInt64 parses an optional non-negative integer query parameter
func queryInt64(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperrors.Validation(name, name+" must be a non-negative integer")
	}
	return n, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	n, err := queryInt64(r, name)
	return int(n), err
}

// hasBody reports whether the request carries a body worth decoding
func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}
