// Package errs defines the error kinds reported to live-session and HTTP callers.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrAuthentication     = errors.New("authentication failed")
	ErrAuthorization      = errors.New("not authorized")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrValidation         = errors.New("invalid request")
)

// Machine-readable codes carried on error events and HTTP error bodies.
const (
	CodeAuthentication     = "authentication"
	CodeAuthorization      = "authorization"
	CodeNotFound           = "not_found"
	CodeStorageUnavailable = "storage_unavailable"
	CodeValidation         = "validation"
	CodeRateLimited        = "rate_limited"
	CodeSessionReplaced    = "session_replaced"
	CodeInternal           = "internal"
)

// Code returns the stable code for err's kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrAuthorization):
		return CodeAuthorization
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, ErrValidation):
		return CodeValidation
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err's kind to a response status.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
