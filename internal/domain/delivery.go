package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelSMS     Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelWebhook || c == ChannelSMS
}

type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusInProgress DeliveryStatus = "in_progress"
	StatusRetrying   DeliveryStatus = "retrying"
	StatusSuccess    DeliveryStatus = "success"
	StatusSent       DeliveryStatus = "sent"
	StatusDelivered  DeliveryStatus = "delivered"
	StatusFailed     DeliveryStatus = "failed"
	StatusCancelled  DeliveryStatus = "cancelled"
)

// TerminalStatuses are the statuses a record can enter at most once and never leave.
var TerminalStatuses = []DeliveryStatus{StatusSuccess, StatusDelivered, StatusFailed, StatusCancelled}

func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidFor reports whether the status belongs to the state machine of the given channel.
// SMS records carry cancelled in addition to their delivery statuses.
func (s DeliveryStatus) ValidFor(ch Channel) bool {
	switch ch {
	case ChannelWebhook:
		switch s {
		case StatusPending, StatusInProgress, StatusSuccess, StatusFailed, StatusRetrying, StatusCancelled:
			return true
		}
	case ChannelSMS:
		switch s {
		case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
			return true
		}
	}
	return false
}

const (
	DefaultWebhookMaxRetries = 5
	DefaultSMSMaxRetries     = 3
	MaxRetriesLimit          = 10

	DefaultWebhookTimeout = 10 * time.Second

	// MaxResponseBodyBytes bounds the response body kept on a webhook record.
	MaxResponseBodyBytes = 1000
)

// DefaultMaxRetries returns the per-channel default attempt budget.
func DefaultMaxRetries(ch Channel) int {
	if ch == ChannelSMS {
		return DefaultSMSMaxRetries
	}
	return DefaultWebhookMaxRetries
}

// DeliveryRecord is one logical delivery (webhook call or SMS message) from
// creation to terminal outcome. Payload is immutable once created: for webhooks
// it holds the exact JSON body that is signed and posted, for SMS the message text.
type DeliveryRecord struct {
	ID      uuid.UUID      `json:"id"`
	Channel Channel        `json:"channel"`
	Status  DeliveryStatus `json:"status"`

	Destination string            `json:"destination"`
	Secret      string            `json:"-"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`

	Event     string `json:"event,omitempty"`
	FormID    string `json:"form_id,omitempty"`
	FormTitle string `json:"form_title,omitempty"`
	WebhookID string `json:"webhook_id,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`

	AttemptCount  int        `json:"attempt_count"`
	MaxRetries    int        `json:"max_retries"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`

	PreferredProviderID string   `json:"preferred_provider_id,omitempty"`
	ProviderID          string   `json:"provider_id,omitempty"`
	ProviderName        string   `json:"provider_name,omitempty"`
	ProviderMessageID   string   `json:"provider_message_id,omitempty"`
	Cost                *float64 `json:"cost,omitempty"`

	ResponseStatusCode *int   `json:"response_status_code,omitempty"`
	ResponseBody       string `json:"response_body,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`

	History []AttemptEntry `json:"history"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Settled reports whether the attempt loop has nothing left to do for the record.
// A sent SMS is settled even though a delivery report may still move it to delivered.
func (r DeliveryRecord) Settled() bool {
	return r.Status.IsTerminal() || (r.Channel == ChannelSMS && r.Status == StatusSent)
}

// DueAt returns when the record should next be attempted, or nil if it can run now.
func (r DeliveryRecord) DueAt() *time.Time {
	if r.NextRetryAt != nil {
		return r.NextRetryAt
	}
	if r.AttemptCount == 0 && r.ScheduledFor != nil {
		return r.ScheduledFor
	}
	return nil
}

// AttemptEntry is one row of the audit trail kept on every record.
type AttemptEntry struct {
	Attempt      int            `json:"attempt"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ProviderID   string         `json:"provider_id,omitempty"`
	ProviderName string         `json:"provider_name,omitempty"`
	MessageID    string         `json:"message_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Retryable    bool           `json:"retryable"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
}
