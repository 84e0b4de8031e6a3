package metrics

import (
	"testing"

	"github.com/djlord-it/formrelay/internal/backoff"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		errorCode  string
		want       string
	}{
		// Success codes
		{"200 OK", 200, "", StatusClass2xx},
		{"204 No Content", 204, "", StatusClass2xx},
		{"299 boundary", 299, "", StatusClass2xx},

		// Client errors
		{"400 Bad Request", 400, backoff.CodeHTTPStatus, StatusClass4xx},
		{"429 Rate Limit", 429, backoff.CodeHTTPStatus, StatusClass4xx},

		// Server errors
		{"500 Internal Server Error", 500, backoff.CodeHTTPStatus, StatusClass5xx},
		{"503 Service Unavailable", 503, backoff.CodeHTTPStatus, StatusClass5xx},

		// Edge cases
		{"302 redirect", 302, "", StatusClassOtherError},
		{"no status no error", 0, "", StatusClassOtherError},

		// Transport categories
		{"timeout", 0, backoff.CodeTimeout, StatusClassTimeout},
		{"connection refused", 0, backoff.CodeConnection, StatusClassConnectionError},
		{"network", 0, backoff.CodeNetwork, StatusClassConnectionError},
		{"circuit open", 0, backoff.CodeCircuitOpen, StatusClassCircuitOpen},
		{"no provider", 0, backoff.CodeNoProvider, StatusClassNoProvider},

		// Provider-reported failures
		{"provider error", 0, "twilio_21211", StatusClassProviderError},
		{"provider error with http status", 400, "twilio_21211", StatusClass4xx},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStatus(tt.statusCode, tt.errorCode)
			if got != tt.want {
				t.Errorf("ClassifyStatus(%d, %q) = %q, want %q", tt.statusCode, tt.errorCode, got, tt.want)
			}
		})
	}
}
