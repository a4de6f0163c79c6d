// Package errx defines the typed domain error taxonomy shared by the dataset
// engine, geocode queue, and HTTP layer, and maps it to response codes in one
// place instead of repeating status-code switches per handler.
package errx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rotisserie/eris"
)

// Kind tags which taxonomy bucket an error belongs to.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindPermission   Kind = "permission"
	KindNotFound     Kind = "not_found"
	KindTransient    Kind = "transient"
	KindCorruption   Kind = "corruption"
	KindFatalStartup Kind = "fatal_startup"
)

// Error is a typed domain error carrying a machine-readable code, a
// human-readable (German, matching the source product's audience) message,
// and an optional structured detail payload for the HTTP response body.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two domain errors by code, so errors.Is works across the
// per-call copies WithDetail and Wrap produce.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// Wrap attaches eris stack-trace context to cause and returns a copy of e
// carrying it, so the boundary that constructed e and the boundary that
// first observed cause are both visible in logs.
func (e *Error) Wrap(cause error) *Error {
	wrapped := *e
	wrapped.cause = eris.Wrap(cause, e.Message)
	return &wrapped
}

func newErr(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Sentinel constructors. Handlers compare with errors.Is against these base
// values; Detail/cause are attached per-call via WithDetail/Wrap.
var (
	ErrInvalidAddress  = newErr(KindValidation, "INVALID_ADDRESS", "Adresse ist unvollständig oder ungültig")
	ErrAddressConflict = newErr(KindConflict, "ADDRESS_CONFLICT", "Für diese Adresse besteht bereits ein Datensatz innerhalb des 30-Tage-Fensters")
	ErrLockHeld        = newErr(KindConflict, "LOCK_HELD", "Eine gleichzeitige Erstellung für diese Adresse läuft bereits")
	ErrForbidden       = newErr(KindPermission, "FORBIDDEN", "Bearbeitung nur durch den Ersteller innerhalb von 30 Tagen erlaubt")
	ErrNotFound        = newErr(KindNotFound, "NOT_FOUND", "Datensatz nicht gefunden")
)

// WithDetail returns a copy of e with Detail set, used to attach
// request-specific structured fields (missingFields, daysSinceCreation, …).
func (e *Error) WithDetail(detail map[string]any) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// statusFor maps a Kind to an HTTP status code.
func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes the appropriate status code and JSON body for err. Unknown
// error types fall back to a generic 500 without leaking internals.
func Respond(c *gin.Context, err error) {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		body := gin.H{
			"error":   domainErr.Code,
			"message": domainErr.Message,
		}
		for k, v := range domainErr.Detail {
			body[k] = v
		}
		c.JSON(statusFor(domainErr.Kind), body)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL", "message": "unexpected error"})
}
