package sms

import (
	"strings"
	"testing"
)

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		cc      string
		want    string
		invalid bool
	}{
		{"already e164", "+15551234567", "", "+15551234567", false},
		{"us national", "(555) 123-4567", "", "+15551234567", false},
		{"us with trunk 1", "1-555-123-4567", "1", "+15551234567", false},
		{"international 00", "0044 20 7946 0958", "", "+442079460958", false},
		{"uk national with cc", "020 7946 0958", "44", "+442079460958", false},
		{"dots", "555.123.4567", "+1", "+15551234567", false},
		{"letters", "555-CALL-NOW", "", "", true},
		{"empty", "  ", "", "", true},
		{"too long", "+1234567890123456", "", "", true},
		{"leading zero cc", "+0123", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NormalizeE164(tt.raw, tt.cc)
			if tt.invalid {
				if v.IsValid {
					t.Fatalf("expected invalid, got %q", v.Normalized)
				}
				if v.Reason == "" {
					t.Error("invalid result should carry a reason")
				}
				return
			}
			if !v.IsValid {
				t.Fatalf("expected valid, got reason %q", v.Reason)
			}
			if v.Normalized != tt.want {
				t.Errorf("Normalized = %q, want %q", v.Normalized, tt.want)
			}
		})
	}
}

func TestSegments(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"hello", 1},
		{strings.Repeat("a", 160), 1},
		{strings.Repeat("a", 161), 2},
		{strings.Repeat("a", 306), 2},
		{strings.Repeat("a", 307), 3},
		{strings.Repeat("é", 70), 1},
		{strings.Repeat("é", 71), 2},
	}
	for _, tt := range tests {
		if got := Segments(tt.msg); got != tt.want {
			t.Errorf("Segments(len=%d) = %d, want %d", len([]rune(tt.msg)), got, tt.want)
		}
	}
}
