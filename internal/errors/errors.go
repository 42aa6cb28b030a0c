// Package errors defines the licensing error taxonomy and its mapping to
// RFC 7807 problem responses.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an application error
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindCapacity   Kind = "CAPACITY"
	KindDuplicate  Kind = "DUPLICATE"
	KindDomain     Kind = "DOMAIN"
	KindNotFound   Kind = "NOT_FOUND"
	KindStorage    Kind = "STORAGE"
)

// AppError represents an application-specific error
type AppError struct {
	Kind    Kind
	Message string
	Field   string
	Code    string
	Cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches kind sentinels: any AppError matches a bare sentinel of the same kind.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Field == "" && t.Code == ""
}

// WithCode sets the client-facing error code reported in problem responses.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// Kind sentinels for errors.Is
var (
	ErrValidation = &AppError{Kind: KindValidation}
	ErrCapacity   = &AppError{Kind: KindCapacity}
	ErrDuplicate  = &AppError{Kind: KindDuplicate}
	ErrDomain     = &AppError{Kind: KindDomain}
	ErrNotFound   = &AppError{Kind: KindNotFound}
	ErrStorage    = &AppError{Kind: KindStorage}
)

// Validation creates a bad-input error for a field
func Validation(field, message string) *AppError {
	return &AppError{Kind: KindValidation, Field: field, Message: message}
}

// Capacity creates an activation-limit error
func Capacity(message string) *AppError {
	return &AppError{Kind: KindCapacity, Message: message}
}

// Duplicate creates a uniqueness conflict error
func Duplicate(message string) *AppError {
	return &AppError{Kind: KindDuplicate, Message: message}
}

// Domain creates an illegal state transition error
func Domain(message string) *AppError {
	return &AppError{Kind: KindDomain, Message: message}
}

// Domainf creates an illegal state transition error with formatting
func Domainf(format string, args ...any) *AppError {
	return &AppError{Kind: KindDomain, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a missing entity error
func NotFound(resource string) *AppError {
	return &AppError{Kind: KindNotFound, Message: resource + " not found"}
}

// Storage wraps an unexpected store failure
func Storage(op string, cause error) *AppError {
	return &AppError{Kind: KindStorage, Message: op, Cause: cause}
}

// KindOf returns the kind of the first AppError in err's chain, or "".
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}
