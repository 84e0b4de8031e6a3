package sms

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
)

const vonageBaseURL = "https://rest.nexmo.com"

// Vonage sends messages through the Vonage (Nexmo) SMS API.
type Vonage struct {
	client *resty.Client

	apiKey          string
	apiSecret       string
	from            string
	countryCode     string
	pricePerSegment float64
	hasPrice        bool
}

type vonageResponse struct {
	MessageCount string          `json:"message-count"`
	Messages     []vonageMessage `json:"messages"`
}

type vonageMessage struct {
	To               string `json:"to"`
	MessageID        string `json:"message-id"`
	Status           string `json:"status"`
	ErrorText        string `json:"error-text"`
	MessagePrice     string `json:"message-price"`
	RemainingBalance string `json:"remaining-balance"`
}

type vonageBalance struct {
	Value float64 `json:"value"`
}

func NewVonage(cfg domain.ProviderConfig) (*Vonage, error) {
	s := cfg.Settings
	if s["api_key"] == "" || s["api_secret"] == "" {
		return nil, fmt.Errorf("vonage: api_key and api_secret are required")
	}
	base := s["base_url"]
	if base == "" {
		base = vonageBaseURL
	}
	price, hasPrice, err := settingFloat(cfg, "price_per_segment")
	if err != nil {
		return nil, fmt.Errorf("vonage: %w", err)
	}
	return &Vonage{
		client:          resty.New().SetBaseURL(base).SetTimeout(providerTimeout),
		apiKey:          s["api_key"],
		apiSecret:       s["api_secret"],
		from:            s["from"],
		countryCode:     s["default_country_code"],
		pricePerSegment: price,
		hasPrice:        hasPrice,
	}, nil
}

func (v *Vonage) Send(ctx context.Context, destination string, payload []byte, _ transport.Options) transport.Result {
	start := time.Now()

	var out vonageResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"api_key":    v.apiKey,
			"api_secret": v.apiSecret,
			"from":       v.from,
			// Vonage expects the number without the leading plus.
			"to":   strings.TrimPrefix(destination, "+"),
			"text": string(payload),
		}).
		SetResult(&out).
		Post("/sms/json")
	if err != nil {
		return transport.Result{
			Err:          fmt.Errorf("vonage send: %w", err),
			ErrorMessage: err.Error(),
			ErrorCode:    backoff.ErrorCode(err),
			Duration:     time.Since(start),
		}
	}
	if resp.IsError() {
		return transport.Result{
			StatusCode:   resp.StatusCode(),
			ErrorMessage: fmt.Sprintf("vonage: HTTP %d", resp.StatusCode()),
			ErrorCode:    backoff.CodeProviderFailure,
			Duration:     time.Since(start),
		}
	}
	if len(out.Messages) == 0 {
		return transport.Result{
			StatusCode:   resp.StatusCode(),
			ErrorMessage: "vonage: empty response",
			ErrorCode:    backoff.CodeProviderFailure,
			Duration:     time.Since(start),
		}
	}

	// Long messages are split; the first part identifies the message and the
	// cost is the sum of all parts.
	first := out.Messages[0]
	var total float64
	var priced bool
	for _, m := range out.Messages {
		if m.Status != "0" {
			return transport.Result{
				StatusCode:   resp.StatusCode(),
				MessageID:    first.MessageID,
				ErrorMessage: "vonage: " + m.ErrorText,
				ErrorCode:    "vonage_" + m.Status,
				Duration:     time.Since(start),
			}
		}
		if p, err := strconv.ParseFloat(m.MessagePrice, 64); err == nil {
			total += p
			priced = true
		}
	}

	result := transport.Result{
		Success:    true,
		MessageID:  first.MessageID,
		StatusCode: resp.StatusCode(),
		Duration:   time.Since(start),
	}
	if priced {
		result.Cost = &total
	}
	return result
}

func (v *Vonage) ValidateDestination(_ context.Context, destination string) transport.Validation {
	return NormalizeE164(destination, v.countryCode)
}

func (v *Vonage) CheckHealth(ctx context.Context) bool {
	var out vonageBalance
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"api_key": v.apiKey, "api_secret": v.apiSecret}).
		SetResult(&out).
		Get("/account/get-balance")
	if err != nil || resp.IsError() {
		return false
	}
	return out.Value > 0
}

func (v *Vonage) EstimateCost(message string) (float64, bool) {
	if !v.hasPrice {
		return 0, false
	}
	return v.pricePerSegment * float64(Segments(message)), true
}
