package domain

import (
	"encoding/json"
	"time"
)

// Trigger is what the rest of the application hands over to start a delivery.
// URL and Payload are used for webhooks; PhoneNumber and Message for SMS.
type Trigger struct {
	Channel Channel `json:"channel"`

	Event     string `json:"event"`
	FormID    string `json:"form_id"`
	FormTitle string `json:"form_title"`
	WebhookID string `json:"webhook_id"`
	CreatedBy string `json:"created_by"`

	URL     string            `json:"url"`
	Secret  string            `json:"-"`
	Headers map[string]string `json:"headers"`
	Timeout time.Duration     `json:"timeout"`
	Payload json.RawMessage   `json:"payload"`

	PhoneNumber         string `json:"phone_number"`
	Message             string `json:"message"`
	PreferredProviderID string `json:"preferred_provider_id"`

	// MaxRetries of zero selects the channel default.
	MaxRetries  int        `json:"max_retries"`
	ScheduleFor *time.Time `json:"schedule_for"`
}

// WebhookEnvelope is the JSON body posted to webhook destinations.
type WebhookEnvelope struct {
	Event     string          `json:"event"`
	FormID    string          `json:"form_id"`
	FormTitle string          `json:"form_title"`
	Payload   json.RawMessage `json:"payload"`
}

// Outcome is the collaborator-facing summary of a submitted delivery.
type Outcome struct {
	Status       string          `json:"status"`
	DeliveryID   string          `json:"delivery_id"`
	AttemptCount int             `json:"attempt_count"`
	Provider     string          `json:"provider,omitempty"`
	Error        string          `json:"error,omitempty"`
	Record       *DeliveryRecord `json:"record,omitempty"`
}

const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeScheduled = "scheduled"
	OutcomePending   = "pending"
)

// OutcomeOf summarizes a record for the submitter.
func OutcomeOf(rec DeliveryRecord) Outcome {
	o := Outcome{
		DeliveryID:   rec.ID.String(),
		AttemptCount: rec.AttemptCount,
		Provider:     rec.ProviderName,
		Error:        rec.ErrorMessage,
		Record:       &rec,
	}
	switch {
	case rec.Status == StatusSuccess || rec.Status == StatusSent || rec.Status == StatusDelivered:
		o.Status = OutcomeSuccess
		o.Error = ""
	case rec.Status == StatusFailed || rec.Status == StatusCancelled:
		o.Status = OutcomeFailed
		if o.Error == "" && rec.Status == StatusCancelled {
			o.Error = "delivery cancelled"
		}
	case rec.AttemptCount == 0 && rec.ScheduledFor != nil:
		o.Status = OutcomeScheduled
	default:
		o.Status = OutcomePending
	}
	return o
}
