package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/go-chi/render"

	"licensed/internal/infrastructure"
)

// Problem types following RFC 7807
const (
	TypeValidation   = "/errors/validation"
	TypeCapacity     = "/errors/license/capacity-reached"
	TypeConflict     = "/errors/conflict"
	TypeTransition   = "/errors/invalid-transition"
	TypeNotFound     = "/errors/not-found"
	TypeUnauthorized = "/errors/unauthorized"
	TypeRateLimit    = "/errors/rate-limit"
	TypeTimeout      = "/errors/timeout"
	TypeInternal     = "/errors/internal"
)

// Client-facing error codes
const (
	CodeValidationFailed  = "validation_failed"
	CodeInvalidLocation   = "invalid_location"
	CodeCapacityReached   = "capacity_reached"
	CodeDuplicate         = "duplicate"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeNoEntitlement     = "no_entitlement"
	CodeUnauthorized      = "unauthorized"
	CodeTimeout           = "timeout"
	CodeInternal          = "internal"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// Code returns the problem's client-facing error code
func (pd *ProblemDetails) Code() string {
	code, _ := pd.Extensions["code"].(string)
	return code
}

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)

	problem := ToProblem(err, r.URL.Path)
	problem.WithExtension("trace_id", traceID)

	level := slog.LevelInfo
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
		if h.includeStack {
			problem.WithExtension("stack", getStackTrace())
		}
	}
	h.logger.Log(ctx, level, "request failed",
		slog.String("error", err.Error()),
		slog.String("code", problem.Code()),
		slog.Int("status", problem.Status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	render.Render(w, r, problem)
}

// ToProblem maps an error to problem details. Errors without a known kind are
// reported as opaque internal errors so store failures never leak to clients.
func ToProblem(err error, instance string) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout, "Request Timeout",
			"The request took too long to process and was cancelled", instance).
			WithExtension("code", CodeTimeout)
	}

	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Kind == KindStorage {
		return NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
			"An unexpected error occurred while processing your request", instance).
			WithExtension("code", CodeInternal)
	}

	var (
		status int
		ptype  string
		title  string
		code   string
	)
	switch appErr.Kind {
	case KindValidation:
		status, ptype, title, code = http.StatusBadRequest, TypeValidation, "Validation Failed", CodeValidationFailed
		if appErr.Field == "location" {
			code = CodeInvalidLocation
		}
	case KindCapacity:
		status, ptype, title, code = http.StatusConflict, TypeCapacity, "Maximum Activations Reached", CodeCapacityReached
	case KindDuplicate:
		status, ptype, title, code = http.StatusConflict, TypeConflict, "Conflict", CodeDuplicate
	case KindDomain:
		status, ptype, title, code = http.StatusUnprocessableEntity, TypeTransition, "Invalid State Transition", CodeInvalidTransition
	case KindNotFound:
		status, ptype, title, code = http.StatusNotFound, TypeNotFound, "Resource Not Found", CodeNotFound
	}
	if appErr.Code != "" {
		code = appErr.Code
	}

	problem := NewProblemDetails(status, ptype, title, detailOf(appErr), instance).
		WithExtension("code", code)
	if appErr.Field != "" {
		problem.WithExtension("field", appErr.Field)
	}
	return problem
}

// Unauthorized writes a 401 problem with a Basic challenge for the realm
func (h *ErrorHandler) Unauthorized(w http.ResponseWriter, r *http.Request, realm string) {
	if realm != "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	}
	problem := NewProblemDetails(http.StatusUnauthorized, TypeUnauthorized, "Unauthorized",
		"Valid credentials are required to access this resource", r.URL.Path).
		WithExtension("code", CodeUnauthorized).
		WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found",
		"The requested resource was not found", r.URL.Path).
		WithExtension("code", CodeNotFound).
		WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(http.StatusMethodNotAllowed, TypeInternal, "Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method), r.URL.Path).
		WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	render.Render(w, r, problem)
}

func detailOf(e *AppError) string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

// getStackTrace returns the current stack trace
func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
