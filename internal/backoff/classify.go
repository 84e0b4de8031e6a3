package backoff

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/djlord-it/formrelay/internal/domain"
)

// Error categories recorded as error_code on failed attempts.
const (
	CodeTimeout         = "timeout"
	CodeConnection      = "connection_error"
	CodeNetwork         = "network_error"
	CodeHTTPStatus      = "http_status"
	CodeCircuitOpen     = "circuit_open"
	CodeNoProvider      = "no_provider_available"
	CodeProviderFailure = "provider_error"
	CodeCancelled       = "cancelled"
)

// Failure is the classifier's view of a failed attempt.
type Failure struct {
	Channel    domain.Channel
	StatusCode int
	Err        error
}

// IsRetryableStatus reports whether an HTTP status is a dead-letter code (429 or 5xx).
func IsRetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

// IsRetryable decides whether a failed attempt may be retried.
//
// Transport errors are always retryable. For webhooks, 429 and 5xx are
// retryable and every other status is terminal. Every SMS failure is retryable.
func IsRetryable(f Failure) bool {
	if f.Err != nil {
		return true
	}
	if f.Channel == domain.ChannelSMS {
		return true
	}
	return IsRetryableStatus(f.StatusCode)
}

// ErrorCode maps a transport error to a bounded category.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return CodeConnection
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CodeConnection
	}
	return CodeNetwork
}
