package errs

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrMalformedInput  = errors.New("malformed input")
	ErrNotFound        = errors.New("not found")
	ErrParseFailure    = errors.New("parse failure")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrClientCancelled = errors.New("client cancelled")
)

// StatusCode maps an error chain to the HTTP status reported to the client.
// ErrClientCancelled has no meaningful status, the connection is already gone.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrParseFailure):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrClientCancelled), errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}
