package sms

import (
	"regexp"
	"strings"

	"github.com/djlord-it/formrelay/internal/transport"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{0,14}$`)

// IsE164 reports whether s is already in E.164 form.
func IsE164(s string) bool {
	return e164.MatchString(s)
}

// NormalizeE164 formats common notations ("(555) 123-4567", "00 44 20...",
// "1-555-123-4567") as E.164. Numbers without a country prefix get
// defaultCountryCode.
func NormalizeE164(raw, defaultCountryCode string) transport.Validation {
	s := strings.TrimSpace(raw)
	if s == "" {
		return transport.Invalid("phone number is required")
	}

	plus := strings.HasPrefix(s, "+")
	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return transport.Invalid("phone number contains invalid characters")
		}
	}
	d := digits.String()
	if d == "" {
		return transport.Invalid("phone number has no digits")
	}

	cc := strings.TrimPrefix(defaultCountryCode, "+")
	if cc == "" {
		cc = "1"
	}

	var normalized string
	switch {
	case plus:
		normalized = "+" + d
	case strings.HasPrefix(d, "00"):
		normalized = "+" + d[2:]
	case cc == "1" && len(d) == 11 && d[0] == '1':
		normalized = "+" + d
	default:
		normalized = "+" + cc + strings.TrimLeft(d, "0")
	}

	if !IsE164(normalized) {
		return transport.Invalid("phone number is not a valid E.164 number")
	}
	return transport.Validation{
		IsValid:    true,
		Normalized: normalized,
		Metadata:   map[string]string{"method": "heuristic"},
	}
}

// Segments returns how many SMS parts message needs.
func Segments(message string) int {
	single, multi := 160, 153
	for _, r := range message {
		if r > 127 {
			single, multi = 70, 67
			break
		}
	}
	n := len([]rune(message))
	if n <= single {
		return 1
	}
	return (n + multi - 1) / multi
}
