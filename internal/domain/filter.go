package domain

import (
	"strings"
	"time"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// DeliveryFilter narrows a history listing. Zero values match everything.
type DeliveryFilter struct {
	Channel  Channel
	Statuses []DeliveryStatus
	// Destination matches case-insensitively as a substring; "*" is a wildcard
	// and anchors the pattern at both ends.
	Destination   string
	FormID        string
	WebhookID     string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// LikePattern converts Destination into an ILIKE pattern.
func (f DeliveryFilter) LikePattern() string {
	if f.Destination == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(f.Destination)
	if strings.Contains(escaped, "*") {
		return strings.ReplaceAll(escaped, "*", "%")
	}
	return "%" + escaped + "%"
}

// Page is a 1-based page request.
type Page struct {
	Page    int
	PerPage int
}

// Normalize applies defaults and bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.PerPage
}

// DeliveryList is one page of records plus the total match count.
type DeliveryList struct {
	Records []DeliveryRecord `json:"records"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

// DueQuery selects records the resumer should re-enqueue.
//
// A record is due when it is waiting on a retry whose next_retry_at is at
// least Grace in the past, when it was never attempted and is scheduled for
// now or earlier (or unscheduled and older than Grace), or when an attempt
// started more than StaleAfter ago and never finished.
type DueQuery struct {
	Now        time.Time
	Grace      time.Duration
	StaleAfter time.Duration
	Limit      int
}

// ActiveStatuses are the non-terminal statuses the attempt loop may leave a record in.
var ActiveStatuses = []DeliveryStatus{StatusPending, StatusInProgress, StatusRetrying}

// IsDue evaluates q against rec the same way the SQL stores do.
func (q DueQuery) IsDue(rec DeliveryRecord) bool {
	active := false
	for _, s := range ActiveStatuses {
		if rec.Status == s {
			active = true
		}
	}
	if !active {
		return false
	}
	graceCutoff := q.Now.Add(-q.Grace)
	switch {
	case rec.NextRetryAt != nil:
		return !rec.NextRetryAt.After(graceCutoff)
	case rec.AttemptCount == 0 && rec.ScheduledFor != nil:
		return !rec.ScheduledFor.After(q.Now)
	case rec.AttemptCount == 0:
		return !rec.CreatedAt.After(graceCutoff)
	default:
		return rec.LastAttemptAt != nil && !rec.LastAttemptAt.After(q.Now.Add(-q.StaleAfter))
	}
}

// DueTime is the sort key for due records.
func (q DueQuery) DueTime(rec DeliveryRecord) time.Time {
	switch {
	case rec.NextRetryAt != nil:
		return *rec.NextRetryAt
	case rec.AttemptCount == 0 && rec.ScheduledFor != nil:
		return *rec.ScheduledFor
	case rec.AttemptCount == 0:
		return rec.CreatedAt
	case rec.LastAttemptAt != nil:
		return *rec.LastAttemptAt
	}
	return rec.CreatedAt
}
