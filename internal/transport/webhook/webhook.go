// Package webhook implements the HTTP transport for form webhooks.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/domain"
	"github.com/djlord-it/formrelay/internal/transport"
)

const (
	HeaderEvent     = "X-Form-Event"
	HeaderSignature = "X-Form-Signature"

	signaturePrefix = "sha256="
)

type HTTPTransport struct {
	client         *http.Client
	defaultTimeout time.Duration
}

var _ transport.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport returns a transport using client. A nil client uses a
// fresh http.Client; per-request timeouts are applied through the context.
func NewHTTPTransport(client *http.Client, defaultTimeout time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = domain.DefaultWebhookTimeout
	}
	return &HTTPTransport{client: client, defaultTimeout: defaultTimeout}
}

// Send posts payload as-is. The signature covers the exact bytes sent.
func (t *HTTPTransport) Send(ctx context.Context, destination string, payload []byte, opts transport.Options) transport.Result {
	start := time.Now()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, destination, bytes.NewReader(payload))
	if err != nil {
		return transport.Result{
			Err:          fmt.Errorf("create request: %w", err),
			ErrorMessage: fmt.Sprintf("create request: %v", err),
			ErrorCode:    backoff.CodeNetwork,
			Duration:     time.Since(start),
		}
	}

	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.Event != "" {
		req.Header.Set(HeaderEvent, opts.Event)
	}
	if opts.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(opts.Secret, payload))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return transport.Result{
			Err:          fmt.Errorf("send: %w", err),
			ErrorMessage: err.Error(),
			ErrorCode:    backoff.ErrorCode(err),
			Duration:     time.Since(start),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseBodyBytes))
	// drain the rest so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	result := transport.Result{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(body),
		Duration:     time.Since(start),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
		return result
	}
	result.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	result.ErrorCode = backoff.CodeHTTPStatus
	return result
}

// ValidateDestination accepts absolute http and https URLs.
func (t *HTTPTransport) ValidateDestination(_ context.Context, destination string) transport.Validation {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return transport.Invalid("url is required")
	}
	u, err := url.Parse(destination)
	if err != nil {
		return transport.Invalid("url is not valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return transport.Invalid("url scheme must be http or https")
	}
	if u.Host == "" {
		return transport.Invalid("url must have a host")
	}
	return transport.Validation{
		IsValid:    true,
		Normalized: u.String(),
		Metadata:   map[string]string{"scheme": u.Scheme, "host": u.Host},
	}
}

// CheckHealth always reports healthy: the destination is the target, there is
// nothing to probe ahead of the request.
func (t *HTTPTransport) CheckHealth(context.Context) bool {
	return true
}

// Sign returns the X-Form-Signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
