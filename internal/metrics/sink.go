package metrics

import (
	"time"

	"github.com/djlord-it/formrelay/internal/backoff"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Dispatcher metrics
	DeliveryAttemptCompleted(channel, statusClass string, duration time.Duration)
	DeliveryOutcome(channel, outcome string)
	RetryScheduled(channel string, delay time.Duration)
	ProviderSelected(providerType string)
	ProviderSkipped(providerType, reason string)
	CircuitRejected()

	// Registry metrics
	ProviderCacheMiss(providerType string)

	// Worker pool metrics
	QueueDepthUpdate(depth int)
	QueueCapacitySet(capacity int)
	EnqueueRejected()
	DeliveriesInFlightIncr()
	DeliveriesInFlightDecr()

	// Resumer metrics
	SweepCompleted(duration time.Duration, resumed int, err error)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSuccess   = "success"
	OutcomeSent      = "sent"
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeDeferred  = "deferred"
)

// Reasons for ProviderSkipped.
const (
	SkipUnhealthy   = "unhealthy"
	SkipRateLimited = "rate_limited"
	SkipCostLimit   = "cost_limit"
	SkipInvalidDest = "invalid_destination"
	SkipBuildFailed = "build_failed"
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassProviderError   = "provider_error"
	StatusClassCircuitOpen     = "circuit_open"
	StatusClassNoProvider      = "no_provider"
	StatusClassSent            = "sent"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps an attempt's status code and error code to a status class.
// errorCode is one of the backoff.Code* categories, or "" when the transport
// returned a response.
func ClassifyStatus(statusCode int, errorCode string) string {
	switch errorCode {
	case "":
	case backoff.CodeTimeout:
		return StatusClassTimeout
	case backoff.CodeConnection, backoff.CodeNetwork:
		return StatusClassConnectionError
	case backoff.CodeCircuitOpen:
		return StatusClassCircuitOpen
	case backoff.CodeNoProvider:
		return StatusClassNoProvider
	case backoff.CodeHTTPStatus:
		// fall through to the status code
	default:
		if statusCode == 0 {
			return StatusClassProviderError
		}
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
