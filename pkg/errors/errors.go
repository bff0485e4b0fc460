package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels classify failures across the storefront. Wrap them with %w, or
// build an AppError with one of the constructors below.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")
)

// Kind is the HTTP shape of a sentinel.
type Kind struct {
	Status int
	Code   string
	// Public is shown to clients for plain wrapped sentinels. When empty the
	// wrapped error text is shown instead.
	Public string
}

// kinds is checked in order; the first sentinel in an error chain wins.
var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrNotFound, Kind{http.StatusNotFound, "NOT_FOUND", "resource not found"}},
	{ErrConflict, Kind{http.StatusConflict, "CONFLICT", ""}},
	{ErrInvalidInput, Kind{http.StatusBadRequest, "INVALID_INPUT", ""}},
	{ErrUnauthorized, Kind{http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized"}},
	{ErrForbidden, Kind{http.StatusForbidden, "FORBIDDEN", "forbidden"}},
	{ErrServiceUnavail, Kind{http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "upstream service unavailable"}},
}

var internalKind = Kind{http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred"}

// KindOf returns the HTTP shape of err: the first known sentinel in its
// chain, or INTERNAL_ERROR.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return internalKind
}

// AppError is an error with a stable client-facing code and message.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newAppError(sentinel error, message string) *AppError {
	k := KindOf(sentinel)
	return &AppError{Code: k.Code, Message: message, Status: k.Status, Err: sentinel}
}

// NotFound reports a missing resource, e.g. NotFound("session", id).
func NotFound(resource, id string) *AppError {
	return newAppError(ErrNotFound, fmt.Sprintf("%s %s not found", resource, id))
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return newAppError(ErrInvalidInput, message)
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return newAppError(ErrUnauthorized, message)
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return newAppError(ErrForbidden, message)
}

// Conflict creates a 409 error.
func Conflict(message string) *AppError {
	return newAppError(ErrConflict, message)
}

// ServiceUnavailable reports a dependency that cannot serve requests right now.
func ServiceUnavailable(message string) *AppError {
	return newAppError(ErrServiceUnavail, message)
}

// HTTPStatus returns the status an error maps to.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return KindOf(err).Status
}
