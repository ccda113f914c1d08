// Package apierr defines the HTTP-facing error taxonomy shared by every
// middleware stage and route handler.
//
// Middleware stages convert errors to HTTP responses themselves and never
// let them propagate to outer stages as Go panics or bare errors — each
// stage type-asserts for *Error and falls back to Internal for anything
// else. Only the billing stage writes a success=false usage-ledger row,
// and only for requests it dispatched (a non-2xx response or a lost
// balance race); authentication and rate-limit rejections, and the
// billing stage's own preflight rejections, write no usage row.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed API error carrying the HTTP status it should produce.
// User-visible bodies always render as {"detail": "<string>"}; Error.Error()
// intentionally returns only the detail string so logs don't leak status
// codes into free-text search.
type Error struct {
	Status int
	Detail string
	// Window/Count/Limit are populated only for RateLimited errors so the
	// rate-limit stage can build a diagnostic detail string.
	Window string
	Count  int
	Limit  int
}

func (e *Error) Error() string { return e.Detail }

func New(status int, detail string) *Error {
	return &Error{Status: status, Detail: detail}
}

func Validation(format string, args ...interface{}) *Error {
	return New(http.StatusBadRequest, fmt.Sprintf(format, args...))
}

func Unauthenticated(detail string) *Error {
	return New(http.StatusUnauthorized, detail)
}

func PaymentRequired(detail string) *Error {
	return New(http.StatusPaymentRequired, detail)
}

func NotFound(detail string) *Error {
	return New(http.StatusNotFound, detail)
}

func Conflict(detail string) *Error {
	return New(http.StatusConflict, detail)
}

func RateLimited(window string, count, limit int) *Error {
	return &Error{
		Status: http.StatusTooManyRequests,
		Detail: fmt.Sprintf("rate limit exceeded for %s window: %d/%d requests", window, count, limit),
		Window: window,
		Count:  count,
		Limit:  limit,
	}
}

func Internal(detail string) *Error {
	return New(http.StatusInternalServerError, detail)
}

func NotImplemented(detail string) *Error {
	return New(http.StatusNotImplemented, detail)
}

// As extracts an *Error from err, falling back to Internal(err.Error())
// for anything that isn't already typed.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err.Error())
}
