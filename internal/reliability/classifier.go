package reliability

import (
	"errors"
	"net/http"

	"github.com/ent0n29/abel/internal/apperr"
)

// IsRetryableHTTPStatus reports whether a provider answered with a status
// worth another attempt: rate limiting and transient gateway failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Retryable tells a client whether the same request may succeed later.
// Upstream errors without a status are transport failures.
func Retryable(err error) bool {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Kind {
	case apperr.KindTimeout, apperr.KindUnavailable:
		return true
	case apperr.KindUpstream:
		return ae.Status == 0 || IsRetryableHTTPStatus(ae.Status)
	}
	return false
}
