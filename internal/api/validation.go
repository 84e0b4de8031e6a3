package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validation "github.com/jellydator/validation"

	"github.com/djlord-it/formrelay/internal/domain"
)

const (
	defaultEvent      = "form.submitted"
	maxTimeoutSeconds = 60
)

func (r WebhookDeliveryRequest) Validate() error {
	return domain.FromValidation(validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required, validation.Length(1, 2048)),
		validation.Field(&r.Payload, validation.Required),
		validation.Field(&r.TimeoutSeconds, validation.Min(0), validation.Max(maxTimeoutSeconds)),
		validation.Field(&r.MaxRetries, validation.Min(0), validation.Max(domain.MaxRetriesLimit)),
	))
}

func (r SMSMessageRequest) Validate() error {
	return domain.FromValidation(validation.ValidateStruct(&r,
		validation.Field(&r.PhoneNumber, validation.Required, validation.Length(1, 32)),
		validation.Field(&r.Message, validation.Required),
		validation.Field(&r.MaxRetries, validation.Min(0), validation.Max(domain.MaxRetriesLimit)),
	))
}

func (r DeliveryReportRequest) Validate() error {
	return domain.FromValidation(validation.ValidateStruct(&r,
		validation.Field(&r.Status,
			validation.Required,
			validation.In(string(domain.StatusDelivered), string(domain.StatusFailed)).Error("must be delivered or failed"),
		),
	))
}

func (r PriorityRequest) Validate() error {
	return domain.FromValidation(validation.ValidateStruct(&r,
		validation.Field(&r.Priority, validation.NotNil.Error("is required"), validation.Min(0)),
	))
}

// parsePagination reads page (default 1) and per_page (default 20, max 100).
func parsePagination(c *gin.Context) (domain.Page, error) {
	page := domain.Page{Page: 1, PerPage: domain.DefaultPerPage}

	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return domain.Page{}, fmt.Errorf("invalid page parameter: must be a positive integer")
		}
		page.Page = n
	}
	if v := c.Query("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > domain.MaxPerPage {
			return domain.Page{}, fmt.Errorf("invalid per_page parameter: must be between 1 and %d", domain.MaxPerPage)
		}
		page.PerPage = n
	}
	return page, nil
}

// parseDeliveryFilter reads the list filters. status accepts a comma separated list.
func parseDeliveryFilter(c *gin.Context) (domain.DeliveryFilter, error) {
	f := domain.DeliveryFilter{
		Channel:     domain.Channel(c.Query("channel")),
		Destination: c.Query("destination"),
		FormID:      c.Query("form_id"),
		WebhookID:   c.Query("webhook_id"),
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return domain.DeliveryFilter{}, fmt.Errorf("invalid channel parameter: must be webhook or sms")
	}
	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, domain.DeliveryStatus(s))
			}
		}
	}
	var err error
	if f.CreatedAfter, err = parseTimeQuery(c, "created_after"); err != nil {
		return domain.DeliveryFilter{}, err
	}
	if f.CreatedBefore, err = parseTimeQuery(c, "created_before"); err != nil {
		return domain.DeliveryFilter{}, err
	}
	return f, nil
}

func parseTimeQuery(c *gin.Context, name string) (*time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter: must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}
