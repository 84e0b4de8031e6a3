package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/djlord-it/formrelay/internal/backoff"
	"github.com/djlord-it/formrelay/internal/transport"
)

var testBody = []byte(`{"event":"form.submitted","form_id":"f1","form_title":"Contact","payload":{"name":"Ada"}}`)

func TestHTTPTransport_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	tr := NewHTTPTransport(nil, 0)
	result := tr.Send(context.Background(), server.URL, testBody, transport.Options{Event: "form.submitted", Timeout: 5 * time.Second})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", result.StatusCode)
	}
	if result.ResponseBody != "ok" {
		t.Errorf("ResponseBody = %q, want ok", result.ResponseBody)
	}
	if result.Duration <= 0 {
		t.Error("duration should be positive")
	}
}

func TestHTTPTransport_RequestHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotMethod string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTPTransport(nil, 0)
	tr.Send(context.Background(), server.URL, testBody, transport.Options{
		Event:   "form.submitted",
		Secret:  "my-secret",
		Headers: map[string]string{"X-Custom": "abc", "Content-Type": "text/plain"},
	})

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	// Caller headers cannot override the content type.
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got := gotHeaders.Get(HeaderEvent); got != "form.submitted" {
		t.Errorf("%s = %q, want form.submitted", HeaderEvent, got)
	}
	if got := gotHeaders.Get("X-Custom"); got != "abc" {
		t.Errorf("X-Custom = %q, want abc", got)
	}

	mac := hmac.New(sha256.New, []byte("my-secret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := gotHeaders.Get(HeaderSignature); got != want {
		t.Errorf("%s = %q, want %q", HeaderSignature, got, want)
	}
	if string(gotBody) != string(testBody) {
		t.Errorf("body = %s, want %s", gotBody, testBody)
	}
}

func TestHTTPTransport_NoSecretNoSignature(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	result := NewHTTPTransport(nil, 0).Send(context.Background(), server.URL, testBody, transport.Options{Event: "e"})
	if !result.Success {
		t.Fatalf("expected success for 204, got %+v", result)
	}
	if _, ok := gotHeaders[HeaderSignature]; ok {
		t.Error("signature header must be absent without a secret")
	}
}

func TestHTTPTransport_Non2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	result := NewHTTPTransport(nil, 0).Send(context.Background(), server.URL, testBody, transport.Options{})
	if result.Success {
		t.Fatal("503 must not be a success")
	}
	if result.StatusCode != 503 || result.ErrorCode != backoff.CodeHTTPStatus {
		t.Errorf("got status=%d code=%q", result.StatusCode, result.ErrorCode)
	}
	if result.Err != nil {
		t.Errorf("HTTP status failures carry no transport error, got %v", result.Err)
	}
}

func TestHTTPTransport_TruncatesResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	}))
	defer server.Close()

	result := NewHTTPTransport(nil, 0).Send(context.Background(), server.URL, testBody, transport.Options{})
	if len(result.ResponseBody) != 1000 {
		t.Errorf("len(ResponseBody) = %d, want 1000", len(result.ResponseBody))
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	result := NewHTTPTransport(nil, 0).Send(context.Background(), server.URL, testBody, transport.Options{Timeout: 50 * time.Millisecond})
	if result.Err == nil {
		t.Fatal("expected timeout error")
	}
	if result.ErrorCode != backoff.CodeTimeout {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, backoff.CodeTimeout)
	}
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	result := NewHTTPTransport(nil, 0).Send(context.Background(), addr, testBody, transport.Options{Timeout: time.Second})
	if result.Err == nil {
		t.Fatal("expected connection error")
	}
	if result.ErrorCode != backoff.CodeConnection {
		t.Errorf("ErrorCode = %q, want %q", result.ErrorCode, backoff.CodeConnection)
	}
}

func TestHTTPTransport_ValidateDestination(t *testing.T) {
	tr := NewHTTPTransport(nil, 0)
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://example.com/hook", true},
		{"http://localhost:9090/hook", true},
		{"ftp://example.com", false},
		{"example.com/hook", false},
		{"https://", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			v := tr.ValidateDestination(context.Background(), tt.url)
			if v.IsValid != tt.valid {
				t.Errorf("IsValid = %v, want %v (reason %q)", v.IsValid, tt.valid, v.Reason)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	sig := Sign("s3cret", testBody)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature missing prefix: %s", sig)
	}
	if !VerifySignature("s3cret", testBody, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("other", testBody, sig) {
		t.Error("signature with wrong secret accepted")
	}
	if VerifySignature("s3cret", []byte(`{}`), sig) {
		t.Error("signature for different body accepted")
	}
}
