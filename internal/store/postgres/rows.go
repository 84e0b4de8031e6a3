package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/formrelay/internal/domain"
)

type deliveryRow struct {
	ID          uuid.UUID `db:"id"`
	Channel     string    `db:"channel"`
	Status      string    `db:"status"`
	Destination string    `db:"destination"`
	Secret      string    `db:"secret"`
	Headers     string    `db:"headers"`
	TimeoutMs   int64     `db:"timeout_ms"`

	Event     string `db:"event"`
	FormID    string `db:"form_id"`
	FormTitle string `db:"form_title"`
	WebhookID string `db:"webhook_id"`
	CreatedBy string `db:"created_by"`

	Payload sql.NullString `db:"payload"`
	Message string `db:"message"`

	AttemptCount  int          `db:"attempt_count"`
	MaxRetries    int          `db:"max_retries"`
	LastAttemptAt sql.NullTime `db:"last_attempt_at"`
	NextRetryAt   sql.NullTime `db:"next_retry_at"`
	ScheduledFor  sql.NullTime `db:"scheduled_for"`

	PreferredProviderID string          `db:"preferred_provider_id"`
	ProviderID          string          `db:"provider_id"`
	ProviderName        string          `db:"provider_name"`
	ProviderMessageID   string          `db:"provider_message_id"`
	Cost                sql.NullFloat64 `db:"cost"`

	ResponseStatusCode sql.NullInt32 `db:"response_status_code"`
	ResponseBody       string        `db:"response_body"`
	ErrorMessage       string        `db:"error_message"`
	ErrorCode          string        `db:"error_code"`

	History     string       `db:"history"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

func toRow(rec domain.DeliveryRecord) (deliveryRow, error) {
	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return deliveryRow{}, fmt.Errorf("marshal headers: %w", err)
	}
	history := rec.History
	if history == nil {
		history = []domain.AttemptEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return deliveryRow{}, fmt.Errorf("marshal history: %w", err)
	}

	row := deliveryRow{
		ID:                  rec.ID,
		Channel:             string(rec.Channel),
		Status:              string(rec.Status),
		Destination:         rec.Destination,
		Secret:              rec.Secret,
		Headers:             string(headersJSON),
		TimeoutMs:           rec.Timeout.Milliseconds(),
		Event:               rec.Event,
		FormID:              rec.FormID,
		FormTitle:           rec.FormTitle,
		WebhookID:           rec.WebhookID,
		CreatedBy:           rec.CreatedBy,
		Message:             rec.Message,
		AttemptCount:        rec.AttemptCount,
		MaxRetries:          rec.MaxRetries,
		LastAttemptAt:       nullTime(rec.LastAttemptAt),
		NextRetryAt:         nullTime(rec.NextRetryAt),
		ScheduledFor:        nullTime(rec.ScheduledFor),
		PreferredProviderID: rec.PreferredProviderID,
		ProviderID:          rec.ProviderID,
		ProviderName:        rec.ProviderName,
		ProviderMessageID:   rec.ProviderMessageID,
		ResponseBody:        rec.ResponseBody,
		ErrorMessage:        rec.ErrorMessage,
		ErrorCode:           rec.ErrorCode,
		History:             string(historyJSON),
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
		CompletedAt:         nullTime(rec.CompletedAt),
	}
	if len(rec.Payload) > 0 {
		row.Payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}
	if rec.Cost != nil {
		row.Cost = sql.NullFloat64{Float64: *rec.Cost, Valid: true}
	}
	if rec.ResponseStatusCode != nil {
		row.ResponseStatusCode = sql.NullInt32{Int32: int32(*rec.ResponseStatusCode), Valid: true}
	}
	return row, nil
}

func (r deliveryRow) toDomain() (domain.DeliveryRecord, error) {
	rec := domain.DeliveryRecord{
		ID:                  r.ID,
		Channel:             domain.Channel(r.Channel),
		Status:              domain.DeliveryStatus(r.Status),
		Destination:         r.Destination,
		Secret:              r.Secret,
		Timeout:             time.Duration(r.TimeoutMs) * time.Millisecond,
		Event:               r.Event,
		FormID:              r.FormID,
		FormTitle:           r.FormTitle,
		WebhookID:           r.WebhookID,
		CreatedBy:           r.CreatedBy,
		Message:             r.Message,
		AttemptCount:        r.AttemptCount,
		MaxRetries:          r.MaxRetries,
		LastAttemptAt:       timePtr(r.LastAttemptAt),
		NextRetryAt:         timePtr(r.NextRetryAt),
		ScheduledFor:        timePtr(r.ScheduledFor),
		PreferredProviderID: r.PreferredProviderID,
		ProviderID:          r.ProviderID,
		ProviderName:        r.ProviderName,
		ProviderMessageID:   r.ProviderMessageID,
		ResponseBody:        r.ResponseBody,
		ErrorMessage:        r.ErrorMessage,
		ErrorCode:           r.ErrorCode,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		CompletedAt:         timePtr(r.CompletedAt),
	}
	if r.Payload.Valid && r.Payload.String != "" {
		rec.Payload = json.RawMessage(r.Payload.String)
	}
	if r.Cost.Valid {
		c := r.Cost.Float64
		rec.Cost = &c
	}
	if r.ResponseStatusCode.Valid {
		c := int(r.ResponseStatusCode.Int32)
		rec.ResponseStatusCode = &c
	}
	if r.Headers != "" {
		if err := json.Unmarshal([]byte(r.Headers), &rec.Headers); err != nil {
			return domain.DeliveryRecord{}, fmt.Errorf("unmarshal headers: %w", err)
		}
		if len(rec.Headers) == 0 {
			rec.Headers = nil
		}
	}
	rec.History = []domain.AttemptEntry{}
	if r.History != "" {
		if err := json.Unmarshal([]byte(r.History), &rec.History); err != nil {
			return domain.DeliveryRecord{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return rec, nil
}

type providerRow struct {
	ID                 string          `db:"id"`
	Name               string          `db:"name"`
	Type               string          `db:"type"`
	Enabled            bool            `db:"enabled"`
	Priority           int             `db:"priority"`
	Settings           []byte          `db:"settings"`
	IsDefault          bool            `db:"is_default"`
	RateLimitPerMinute sql.NullInt32   `db:"rate_limit_per_minute"`
	MaxCostPerMessage  sql.NullFloat64 `db:"max_cost_per_message"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
