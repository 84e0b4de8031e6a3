package domain

import (
	"slices"
	"time"
)

// DeliveryUpdate is a partial update of a DeliveryRecord. Nil fields are left
// untouched; AppendHistory entries are appended to the existing trail.
//
// Without IfStatus, an update that sets Status on a record that is already
// terminal must be rejected with ErrStatusTransitionDenied. With IfStatus, the
// update applies only when the current status is one of the listed values.
type DeliveryUpdate struct {
	Status        *DeliveryStatus
	AttemptCount  *int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	// ClearNextRetry resets next_retry_at to NULL. NextRetryAt wins when both are set.
	ClearNextRetry bool

	ProviderID         *string
	ProviderName       *string
	ProviderMessageID  *string
	Cost               *float64
	ResponseStatusCode *int
	ResponseBody       *string
	ErrorMessage       *string
	ErrorCode          *string
	CompletedAt        *time.Time
	ClearCompletedAt   bool

	AppendHistory []AttemptEntry

	IfStatus []DeliveryStatus
}

// Allowed reports whether the update may be applied to a record in the given status.
func (u DeliveryUpdate) Allowed(current DeliveryStatus) error {
	if len(u.IfStatus) > 0 {
		if !slices.Contains(u.IfStatus, current) {
			return ErrStatusTransitionDenied
		}
		return nil
	}
	if u.Status != nil && current.IsTerminal() {
		return ErrStatusTransitionDenied
	}
	return nil
}

// Apply merges the update into rec. Callers must check Allowed first.
func (u DeliveryUpdate) Apply(rec *DeliveryRecord, now time.Time) {
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.AttemptCount != nil {
		rec.AttemptCount = *u.AttemptCount
	}
	if u.LastAttemptAt != nil {
		t := *u.LastAttemptAt
		rec.LastAttemptAt = &t
	}
	if u.ClearNextRetry {
		rec.NextRetryAt = nil
	}
	if u.NextRetryAt != nil {
		t := *u.NextRetryAt
		rec.NextRetryAt = &t
	}
	if u.ProviderID != nil {
		rec.ProviderID = *u.ProviderID
	}
	if u.ProviderName != nil {
		rec.ProviderName = *u.ProviderName
	}
	if u.ProviderMessageID != nil {
		rec.ProviderMessageID = *u.ProviderMessageID
	}
	if u.Cost != nil {
		c := *u.Cost
		rec.Cost = &c
	}
	if u.ResponseStatusCode != nil {
		c := *u.ResponseStatusCode
		rec.ResponseStatusCode = &c
	}
	if u.ResponseBody != nil {
		rec.ResponseBody = *u.ResponseBody
	}
	if u.ErrorMessage != nil {
		rec.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorCode != nil {
		rec.ErrorCode = *u.ErrorCode
	}
	if u.ClearCompletedAt {
		rec.CompletedAt = nil
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		rec.CompletedAt = &t
	}
	rec.History = append(rec.History, u.AppendHistory...)
	rec.UpdatedAt = now
}

// Ptr returns a pointer to v. Used to build DeliveryUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
