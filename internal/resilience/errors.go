// Package resilience classifies pipeline errors per the stage-job
// failure policy: infrastructure errors abort the running stage, while
// per-item resolution misses degrade to "not found" and never do.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// InfraError marks an error as infrastructure-level: the search
// backend, a catalog API, or the AI capability is unreachable or
// returned garbage. Stage jobs abort on these instead of degrading.
type InfraError struct {
	Err        error
	StatusCode int
}

func (e *InfraError) Error() string { return e.Err.Error() }

func (e *InfraError) Unwrap() error { return e.Err }

// Infra wraps err as infrastructure-level. A zero statusCode means the
// failure was not an HTTP response.
func Infra(err error, statusCode int) *InfraError {
	return &InfraError{Err: err, StatusCode: statusCode}
}

// IsInfra reports whether err (or anything in its chain) is an
// InfraError, or matches common network-failure patterns from wrapped
// HTTP client errors.
func IsInfra(err error) bool {
	if err == nil {
		return false
	}

	var ie *InfraError
	if errors.As(err, &ie) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// RetryableStatus reports whether an HTTP status indicates a transient
// server-side issue safe to retry.
func RetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is an infrastructure failure worth
// retrying: a transport-level failure, or an HTTP response with a
// retryable status. A 4xx wrapped as infrastructure still aborts the
// stage but is not retried.
func IsTransient(err error) bool {
	var ie *InfraError
	if errors.As(err, &ie) {
		return ie.StatusCode == 0 || RetryableStatus(ie.StatusCode)
	}
	return IsInfra(err)
}
