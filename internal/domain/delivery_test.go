package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDeliveryStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status DeliveryStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusRetrying, false},
		{StatusSent, false},
		{StatusSuccess, true},
		{StatusDelivered, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryStatus_ValidFor(t *testing.T) {
	if StatusSent.ValidFor(ChannelWebhook) {
		t.Error("sent must not be a webhook status")
	}
	if StatusInProgress.ValidFor(ChannelSMS) {
		t.Error("in_progress must not be an sms status")
	}
	if !StatusDelivered.ValidFor(ChannelSMS) {
		t.Error("delivered must be an sms status")
	}
	if !StatusCancelled.ValidFor(ChannelSMS) || !StatusCancelled.ValidFor(ChannelWebhook) {
		t.Error("cancelled must be valid for both channels")
	}
}

func TestDeliveryUpdate_TerminalGuard(t *testing.T) {
	u := DeliveryUpdate{Status: Ptr(StatusRetrying)}
	if err := u.Allowed(StatusSuccess); !errors.Is(err, ErrStatusTransitionDenied) {
		t.Fatalf("expected ErrStatusTransitionDenied, got %v", err)
	}
	if err := u.Allowed(StatusPending); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Updates that do not touch status are allowed on terminal records.
	noStatus := DeliveryUpdate{ErrorMessage: Ptr("late")}
	if err := noStatus.Allowed(StatusFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeliveryUpdate_IfStatusPrecondition(t *testing.T) {
	u := DeliveryUpdate{Status: Ptr(StatusPending), IfStatus: []DeliveryStatus{StatusFailed}}
	if err := u.Allowed(StatusFailed); err != nil {
		t.Fatalf("reopen from failed should be allowed: %v", err)
	}
	if err := u.Allowed(StatusSuccess); !errors.Is(err, ErrStatusTransitionDenied) {
		t.Fatalf("expected denial from success, got %v", err)
	}
}

func TestDeliveryUpdate_ApplyMergesAndAppendsHistory(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	next := now.Add(2 * time.Second)
	rec := DeliveryRecord{
		Status:       StatusInProgress,
		AttemptCount: 1,
		ProviderName: "keep",
		History:      []AttemptEntry{{Attempt: 1}},
	}

	DeliveryUpdate{
		Status:        Ptr(StatusRetrying),
		NextRetryAt:   &next,
		ErrorMessage:  Ptr("HTTP 500"),
		AppendHistory: []AttemptEntry{{Attempt: 2}},
	}.Apply(&rec, now)

	if rec.Status != StatusRetrying {
		t.Errorf("status = %s, want retrying", rec.Status)
	}
	if rec.AttemptCount != 1 {
		t.Errorf("attempt_count changed: %d", rec.AttemptCount)
	}
	if rec.ProviderName != "keep" {
		t.Errorf("untouched field overwritten: %q", rec.ProviderName)
	}
	if len(rec.History) != 2 || rec.History[1].Attempt != 2 {
		t.Errorf("history not appended: %+v", rec.History)
	}
	if rec.NextRetryAt == nil || !rec.NextRetryAt.Equal(next) {
		t.Errorf("next_retry_at = %v, want %v", rec.NextRetryAt, next)
	}

	DeliveryUpdate{ClearNextRetry: true}.Apply(&rec, now)
	if rec.NextRetryAt != nil {
		t.Errorf("next_retry_at not cleared")
	}
}

func TestOutcomeOf(t *testing.T) {
	future := time.Now().Add(time.Hour)
	tests := []struct {
		name string
		rec  DeliveryRecord
		want string
	}{
		{"success", DeliveryRecord{Status: StatusSuccess}, OutcomeSuccess},
		{"sms sent", DeliveryRecord{Channel: ChannelSMS, Status: StatusSent}, OutcomeSuccess},
		{"failed", DeliveryRecord{Status: StatusFailed, ErrorMessage: "HTTP 400"}, OutcomeFailed},
		{"cancelled", DeliveryRecord{Status: StatusCancelled}, OutcomeFailed},
		{"scheduled", DeliveryRecord{Status: StatusPending, ScheduledFor: &future}, OutcomeScheduled},
		{"in flight", DeliveryRecord{Status: StatusRetrying, AttemptCount: 2}, OutcomePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeOf(tt.rec).Status; got != tt.want {
				t.Errorf("OutcomeOf().Status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromValidation(t *testing.T) {
	if FromValidation(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	plain := errors.New("db down")
	if FromValidation(plain) != plain {
		t.Fatal("non-validation errors pass through")
	}
}
