package sms

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
)

const (
	twilioAPIBaseURL    = "https://api.twilio.com"
	twilioLookupBaseURL = "https://lookups.twilio.com"
	providerTimeout     = 15 * time.Second
)

// Twilio sends messages through the Twilio Messages REST API and can verify
// numbers with the Lookup API.
type Twilio struct {
	api    *resty.Client
	lookup *resty.Client

	accountSID     string
	from           string
	statusCallback string
	useLookup      bool
	countryCode    string
}

type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	Price        *string `json:"price"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

type twilioLookup struct {
	PhoneNumber    string `json:"phone_number"`
	Valid          bool   `json:"valid"`
	CountryCode    string `json:"country_code"`
	NationalFormat string `json:"national_format"`
}

func NewTwilio(cfg domain.ProviderConfig) (*Twilio, error) {
	s := cfg.Settings
	if s["account_sid"] == "" || s["auth_token"] == "" {
		return nil, fmt.Errorf("twilio: account_sid and auth_token are required")
	}
	apiBase := s["base_url"]
	if apiBase == "" {
		apiBase = twilioAPIBaseURL
	}
	lookupBase := s["lookup_base_url"]
	if lookupBase == "" {
		lookupBase = twilioLookupBaseURL
	}

	return &Twilio{
		api: resty.New().
			SetBaseURL(apiBase).
			SetBasicAuth(s["account_sid"], s["auth_token"]).
			SetTimeout(providerTimeout),
		lookup: resty.New().
			SetBaseURL(lookupBase).
			SetBasicAuth(s["account_sid"], s["auth_token"]).
			SetTimeout(providerTimeout),
		accountSID:     s["account_sid"],
		from:           s["from_number"],
		statusCallback: s["status_callback_url"],
		useLookup:      settingBool(cfg, "lookup_enabled", false),
		countryCode:    s["default_country_code"],
	}, nil
}

func (t *Twilio) Send(ctx context.Context, destination string, payload []byte, _ transport.Options) transport.Result {
	start := time.Now()

	form := map[string]string{
		"To":   destination,
		"From": t.from,
		"Body": string(payload),
	}
	if t.statusCallback != "" {
		form["StatusCallback"] = t.statusCallback
	}

	var msg twilioMessage
	var apiErr twilioError
	resp, err := t.api.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&msg).
		SetError(&apiErr).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", url.PathEscape(t.accountSID)))
	if err != nil {
		return transport.Result{
			Err:          fmt.Errorf("twilio send: %w", err),
			ErrorMessage: err.Error(),
			ErrorCode:    backoff.ErrorCode(err),
			Duration:     time.Since(start),
		}
	}

	if resp.IsError() {
		message := apiErr.Message
		if message == "" {
			message = fmt.Sprintf("twilio: HTTP %d", resp.StatusCode())
		}
		code := backoff.CodeProviderFailure
		if apiErr.Code != 0 {
			code = strconv.Itoa(apiErr.Code)
		}
		return transport.Result{
			StatusCode:   resp.StatusCode(),
			ErrorMessage: message,
			ErrorCode:    code,
			Duration:     time.Since(start),
		}
	}

	if msg.Status == "failed" || msg.Status == "undelivered" {
		result := transport.Result{
			StatusCode:   resp.StatusCode(),
			MessageID:    msg.SID,
			ErrorMessage: "twilio: message " + msg.Status,
			ErrorCode:    backoff.CodeProviderFailure,
			Duration:     time.Since(start),
		}
		if msg.ErrorMessage != nil {
			result.ErrorMessage = *msg.ErrorMessage
		}
		if msg.ErrorCode != nil {
			result.ErrorCode = strconv.Itoa(*msg.ErrorCode)
		}
		return result
	}

	return transport.Result{
		Success:    true,
		Delivered:  msg.Status == "delivered",
		MessageID:  msg.SID,
		StatusCode: resp.StatusCode(),
		Cost:       parseTwilioPrice(msg.Price),
		Duration:   time.Since(start),
	}
}

// ValidateDestination formats the number and, when enabled, confirms it with
// the Lookup API. Lookup outages fall back to the heuristic result.
func (t *Twilio) ValidateDestination(ctx context.Context, destination string) transport.Validation {
	v := NormalizeE164(destination, t.countryCode)
	if !v.IsValid || !t.useLookup {
		return v
	}

	var out twilioLookup
	resp, err := t.lookup.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v2/PhoneNumbers/" + url.PathEscape(v.Normalized))
	if err != nil || (resp.IsError() && resp.StatusCode() != 404) {
		log.Warn().Err(err).Str("component", "twilio").Msg("lookup unavailable, using heuristic validation")
		return v
	}
	if resp.StatusCode() == 404 || !out.Valid {
		return transport.Invalid("phone number rejected by carrier lookup")
	}
	return transport.Validation{
		IsValid:    true,
		Normalized: out.PhoneNumber,
		Metadata: map[string]string{
			"method":          "lookup",
			"country_code":    out.CountryCode,
			"national_format": out.NationalFormat,
		},
	}
}

func (t *Twilio) CheckHealth(ctx context.Context) bool {
	resp, err := t.api.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/2010-04-01/Accounts/%s.json", url.PathEscape(t.accountSID)))
	if err != nil {
		log.Warn().Err(err).Str("component", "twilio").Msg("health check failed")
		return false
	}
	return !resp.IsError()
}

// parseTwilioPrice converts Twilio's signed price string ("-0.00750") to a cost.
func parseTwilioPrice(price *string) *float64 {
	if price == nil || *price == "" {
		return nil
	}
	f, err := strconv.ParseFloat(*price, 64)
	if err != nil {
		return nil
	}
	f = math.Abs(f)
	return &f
}
