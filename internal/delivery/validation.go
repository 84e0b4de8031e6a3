package delivery

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	validation "github.com/jellydator/validation"

	"github.com/djlord-it/formrelay/internal/domain"
)

const (
	maxMessageLength = 1600
	maxTimeout       = 60 * time.Second
	maxHeaders       = 20
)

// reservedHeaders are set by the webhook transport and cannot be overridden.
var reservedHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Host":             true,
	"X-Form-Event":     true,
	"X-Form-Signature": true,
}

func validateTrigger(t domain.Trigger) error {
	webhook := t.Channel == domain.ChannelWebhook
	sms := t.Channel == domain.ChannelSMS

	err := validation.ValidateStruct(&t,
		validation.Field(&t.Channel,
			validation.Required,
			validation.In(domain.ChannelWebhook, domain.ChannelSMS).Error("must be webhook or sms"),
		),
		validation.Field(&t.URL, validation.When(webhook, validation.Required)),
		validation.Field(&t.Payload, validation.When(webhook, validation.Required, validation.By(jsonDocument))),
		validation.Field(&t.Headers, validation.When(webhook, validation.Length(0, maxHeaders), validation.By(headerNames))),
		validation.Field(&t.Timeout, validation.Min(time.Duration(0)), validation.Max(maxTimeout)),
		validation.Field(&t.PhoneNumber, validation.When(sms, validation.Required)),
		validation.Field(&t.Message, validation.When(sms, validation.Required, validation.RuneLength(1, maxMessageLength))),
		validation.Field(&t.MaxRetries, validation.Min(0), validation.Max(domain.MaxRetriesLimit)),
		validation.Field(&t.FormID, validation.Length(0, 255)),
		validation.Field(&t.Event, validation.Length(0, 100)),
	)
	return domain.FromValidation(err)
}

func jsonDocument(value interface{}) error {
	raw, ok := value.(json.RawMessage)
	if !ok {
		return validation.NewError("validation_json_type", "must be a JSON document")
	}
	if !json.Valid(raw) {
		return validation.NewError("validation_json", "must be valid JSON")
	}
	return nil
}

func headerNames(value interface{}) error {
	headers, ok := value.(map[string]string)
	if !ok {
		return nil
	}
	for name := range headers {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\r\n:") {
			return validation.NewError("validation_header_name", "header names must be non-empty tokens")
		}
		if reservedHeaders[http.CanonicalHeaderKey(name)] {
			return validation.NewError("validation_header_reserved", "header "+name+" is set by the transport")
		}
	}
	return nil
}
