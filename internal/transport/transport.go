// Package transport defines the capability every outbound delivery channel implements.
package transport

import (
	"context"
	"time"
)

// Transport sends a payload to a destination. Implementations must not panic
// on transport failures; they report them in Result.
type Transport interface {
	Send(ctx context.Context, destination string, payload []byte, opts Options) Result
	ValidateDestination(ctx context.Context, destination string) Validation
	CheckHealth(ctx context.Context) bool
}

// Options carry per-delivery send settings. Webhook transports use all of
// them; SMS providers ignore Secret and Headers.
type Options struct {
	Event   string
	Secret  string
	Headers map[string]string
	Timeout time.Duration
}

type Result struct {
	Success bool
	// Delivered is set by SMS providers that confirm handset delivery synchronously.
	Delivered bool

	MessageID    string
	StatusCode   int
	Cost         *float64
	ResponseBody string

	ErrorMessage string
	ErrorCode    string
	// Err is the underlying transport error (timeout, connection refused), if any.
	Err error

	Duration time.Duration
}

type Validation struct {
	IsValid    bool
	Normalized string
	Reason     string
	Metadata   map[string]string
}

// Invalid builds a failed Validation.
func Invalid(reason string) Validation {
	return Validation{Reason: reason}
}
