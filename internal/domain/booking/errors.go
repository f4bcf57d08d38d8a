package booking

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
)

// ConflictReason distinguishes why a write lost against existing state.
type ConflictReason string

const (
	ReasonAlreadyBooked     ConflictReason = "already_booked"
	ReasonBlockedByAdmin    ConflictReason = "blocked_by_admin"
	ReasonInsufficientPool  ConflictReason = "insufficient_pool"
	ReasonNotBlocked        ConflictReason = "not_blocked"
	ReasonInvalidTransition ConflictReason = "invalid_transition"
)

// ValidationError reports malformed input detected before any transaction.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string        { return e.Msg }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports an occupied coordinate, an exhausted pool or a
// forbidden state change.
type ConflictError struct {
	Reason ConflictReason
	Msg    string
}

func (e *ConflictError) Error() string        { return e.Msg }
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports a missing booking, rule or resource.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AuthorizationError reports an actor acting outside their permissions.
type AuthorizationError struct {
	Msg string
}

func (e *AuthorizationError) Error() string        { return e.Msg }
func (e *AuthorizationError) Is(target error) bool { return target == ErrForbidden }

func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(reason ConflictReason, format string, args ...interface{}) error {
	return &ConflictError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func Forbiddenf(format string, args ...interface{}) error {
	return &AuthorizationError{Msg: fmt.Sprintf(format, args...)}
}

// ErrorBody is the JSON payload returned for domain errors.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPError converts a domain error into an echo HTTP error. Unknown errors
// become 500 without leaking their text.
func HTTPError(err error) *echo.HTTPError {
	var (
		ve *ValidationError
		ce *ConflictError
		ne *NotFoundError
		ae *AuthorizationError
	)
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: "validation_error", Message: ve.Msg})
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusConflict, ErrorBody{Code: string(ce.Reason), Message: ce.Msg})
	case errors.As(err, &ne):
		return echo.NewHTTPError(http.StatusNotFound, ErrorBody{Code: "not_found", Message: ne.Error()})
	case errors.As(err, &ae):
		return echo.NewHTTPError(http.StatusForbidden, ErrorBody{Code: "forbidden", Message: ae.Msg})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, ErrorBody{Code: "internal_error", Message: "internal server error"}).SetInternal(err)
}
