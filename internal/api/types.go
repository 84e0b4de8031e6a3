package api

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/formrelay/internal/domain"
)

// WebhookDeliveryRequest submits a form event to a webhook endpoint.
type WebhookDeliveryRequest struct {
	URL            string            `json:"url"`
	Event          string            `json:"event,omitempty"` // default form.submitted
	FormID         string            `json:"form_id"`
	FormTitle      string            `json:"form_title,omitempty"`
	WebhookID      string            `json:"webhook_id,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	Secret         string            `json:"secret,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // default 10
	Payload        json.RawMessage   `json:"payload"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	ScheduleFor    *time.Time        `json:"schedule_for,omitempty"`
}

// SMSMessageRequest submits a text message.
type SMSMessageRequest struct {
	PhoneNumber         string     `json:"phone_number"`
	Message             string     `json:"message"`
	FormID              string     `json:"form_id,omitempty"`
	CreatedBy           string     `json:"created_by,omitempty"`
	PreferredProviderID string     `json:"preferred_provider_id,omitempty"`
	MaxRetries          int        `json:"max_retries,omitempty"`
	ScheduleFor         *time.Time `json:"schedule_for,omitempty"`
}

type RetryRequest struct {
	ResetCount bool `json:"reset_count"`
}

// DeliveryReportRequest is a provider delivery receipt.
type DeliveryReportRequest struct {
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

type CreateProviderRequest struct {
	ID                 string            `json:"id,omitempty"`
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	Enabled            *bool             `json:"enabled,omitempty"` // default true
	Priority           int               `json:"priority"`
	Settings           map[string]string `json:"settings"`
	IsDefault          bool              `json:"is_default"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute,omitempty"`
	MaxCostPerMessage  *float64          `json:"max_cost_per_message,omitempty"`
}

type UpdateProviderRequest struct {
	Name               *string           `json:"name,omitempty"`
	Enabled            *bool             `json:"enabled,omitempty"`
	Priority           *int              `json:"priority,omitempty"`
	Settings           map[string]string `json:"settings,omitempty"`
	IsDefault          *bool             `json:"is_default,omitempty"`
	RateLimitPerMinute *int              `json:"rate_limit_per_minute,omitempty"`
	MaxCostPerMessage  *float64          `json:"max_cost_per_message,omitempty"`
}

type PriorityRequest struct {
	Priority *int `json:"priority"`
}

type DeliveryResponse struct {
	ID                  string                `json:"id"`
	Channel             string                `json:"channel"`
	Status              string                `json:"status"`
	Destination         string                `json:"destination"`
	Event               string                `json:"event,omitempty"`
	FormID              string                `json:"form_id,omitempty"`
	FormTitle           string                `json:"form_title,omitempty"`
	WebhookID           string                `json:"webhook_id,omitempty"`
	CreatedBy           string                `json:"created_by,omitempty"`
	Headers             map[string]string     `json:"headers,omitempty"`
	TimeoutSeconds      int                   `json:"timeout_seconds,omitempty"`
	Payload             json.RawMessage       `json:"payload,omitempty"`
	Message             string                `json:"message,omitempty"`
	AttemptCount        int                   `json:"attempt_count"`
	MaxRetries          int                   `json:"max_retries"`
	LastAttemptAt       *string               `json:"last_attempt_at,omitempty"`
	NextRetryAt         *string               `json:"next_retry_at,omitempty"`
	ScheduledFor        *string               `json:"scheduled_for,omitempty"`
	PreferredProviderID string                `json:"preferred_provider_id,omitempty"`
	ProviderID          string                `json:"provider_id,omitempty"`
	ProviderName        string                `json:"provider_name,omitempty"`
	ProviderMessageID   string                `json:"provider_message_id,omitempty"`
	Cost                *float64              `json:"cost,omitempty"`
	ResponseStatusCode  *int                  `json:"response_status_code,omitempty"`
	ResponseBody        string                `json:"response_body,omitempty"`
	ErrorMessage        string                `json:"error_message,omitempty"`
	ErrorCode           string                `json:"error_code,omitempty"`
	History             []domain.AttemptEntry `json:"history"`
	CreatedAt           string                `json:"created_at"`
	UpdatedAt           string                `json:"updated_at"`
	CompletedAt         *string               `json:"completed_at,omitempty"`
}

// SubmitResponse is what a collaborator gets back from a submit call.
type SubmitResponse struct {
	Status       string           `json:"status"` // success, failed, scheduled or pending
	DeliveryID   string           `json:"delivery_id"`
	AttemptCount int              `json:"attempt_count"`
	Provider     string           `json:"provider,omitempty"`
	Error        string           `json:"error,omitempty"`
	Delivery     DeliveryResponse `json:"delivery"`
}

type ListDeliveriesResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	PerPage    int                `json:"per_page"`
}

type ListProvidersResponse struct {
	Providers []domain.RedactedProviderConfig `json:"providers"`
}

type ProviderHealthResponse struct {
	ID      string `json:"id"`
	Healthy bool   `json:"healthy"`
}

type ErrorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

func toDeliveryResponse(rec domain.DeliveryRecord) DeliveryResponse {
	history := rec.History
	if history == nil {
		history = []domain.AttemptEntry{}
	}
	return DeliveryResponse{
		ID:                  rec.ID.String(),
		Channel:             string(rec.Channel),
		Status:              string(rec.Status),
		Destination:         rec.Destination,
		Event:               rec.Event,
		FormID:              rec.FormID,
		FormTitle:           rec.FormTitle,
		WebhookID:           rec.WebhookID,
		CreatedBy:           rec.CreatedBy,
		Headers:             rec.Headers,
		TimeoutSeconds:      int(rec.Timeout / time.Second),
		Payload:             rec.Payload,
		Message:             rec.Message,
		AttemptCount:        rec.AttemptCount,
		MaxRetries:          rec.MaxRetries,
		LastAttemptAt:       formatTimePtr(rec.LastAttemptAt),
		NextRetryAt:         formatTimePtr(rec.NextRetryAt),
		ScheduledFor:        formatTimePtr(rec.ScheduledFor),
		PreferredProviderID: rec.PreferredProviderID,
		ProviderID:          rec.ProviderID,
		ProviderName:        rec.ProviderName,
		ProviderMessageID:   rec.ProviderMessageID,
		Cost:                rec.Cost,
		ResponseStatusCode:  rec.ResponseStatusCode,
		ResponseBody:        rec.ResponseBody,
		ErrorMessage:        rec.ErrorMessage,
		ErrorCode:           rec.ErrorCode,
		History:             history,
		CreatedAt:           formatTime(rec.CreatedAt),
		UpdatedAt:           formatTime(rec.UpdatedAt),
		CompletedAt:         formatTimePtr(rec.CompletedAt),
	}
}

func toSubmitResponse(rec domain.DeliveryRecord) SubmitResponse {
	o := domain.OutcomeOf(rec)
	return SubmitResponse{
		Status:       o.Status,
		DeliveryID:   o.DeliveryID,
		AttemptCount: o.AttemptCount,
		Provider:     o.Provider,
		Error:        o.Error,
		Delivery:     toDeliveryResponse(rec),
	}
}

func (r WebhookDeliveryRequest) toTrigger() domain.Trigger {
	event := r.Event
	if event == "" {
		event = defaultEvent
	}
	return domain.Trigger{
		Channel:     domain.ChannelWebhook,
		Event:       event,
		FormID:      r.FormID,
		FormTitle:   r.FormTitle,
		WebhookID:   r.WebhookID,
		CreatedBy:   r.CreatedBy,
		URL:         r.URL,
		Secret:      r.Secret,
		Headers:     r.Headers,
		Timeout:     time.Duration(r.TimeoutSeconds) * time.Second,
		Payload:     r.Payload,
		MaxRetries:  r.MaxRetries,
		ScheduleFor: r.ScheduleFor,
	}
}

func (r SMSMessageRequest) toTrigger() domain.Trigger {
	return domain.Trigger{
		Channel:             domain.ChannelSMS,
		FormID:              r.FormID,
		CreatedBy:           r.CreatedBy,
		PhoneNumber:         r.PhoneNumber,
		Message:             r.Message,
		PreferredProviderID: r.PreferredProviderID,
		MaxRetries:          r.MaxRetries,
		ScheduleFor:         r.ScheduleFor,
	}
}

func (r CreateProviderRequest) toConfig() domain.ProviderConfig {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return domain.ProviderConfig{
		ID:                 r.ID,
		Name:               r.Name,
		Type:               domain.ProviderType(r.Type),
		Enabled:            enabled,
		Priority:           r.Priority,
		Settings:           r.Settings,
		IsDefault:          r.IsDefault,
		RateLimitPerMinute: r.RateLimitPerMinute,
		MaxCostPerMessage:  r.MaxCostPerMessage,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
