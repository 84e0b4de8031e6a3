package domain

import "testing"

func TestProviderConfig_RedactedMasksDeclaredSecrets(t *testing.T) {
	cfg := ProviderConfig{
		ID:   "p1",
		Type: ProviderTwilio,
		Settings: map[string]string{
			"account_sid": "AC0123456789",
			"auth_token":  "supersecrettoken",
			"from_number": "+15550001111",
		},
	}

	r := cfg.Redacted()
	if r.Settings["auth_token"] != "****oken" {
		t.Errorf("auth_token = %q, want masked", r.Settings["auth_token"])
	}
	if r.Settings["account_sid"] != "AC0123456789" {
		t.Errorf("account_sid should not be masked, got %q", r.Settings["account_sid"])
	}
	if cfg.Settings["auth_token"] != "supersecrettoken" {
		t.Error("Redacted mutated the source config")
	}
}

func TestProviderConfig_RedactedDoesNotGuessFromKeyNames(t *testing.T) {
	// "token" in a key name is not enough: only declared secrets are masked.
	cfg := ProviderConfig{Type: ProviderMock, Settings: map[string]string{"api_token_hint": "visible-value"}}
	if got := cfg.Redacted().Settings["api_token_hint"]; got != "visible-value" {
		t.Errorf("got %q, want unmasked", got)
	}
}

func TestProviderConfig_FullIsDeepCopy(t *testing.T) {
	cfg := ProviderConfig{Type: ProviderMock, Settings: map[string]string{"a": "1"}}
	full := cfg.Full()
	full.Settings["a"] = "2"
	if cfg.Settings["a"] != "1" {
		t.Error("Full shares settings map with source")
	}
}

func TestProviderConfig_MissingSettings(t *testing.T) {
	cfg := ProviderConfig{Type: ProviderVonage, Settings: map[string]string{"api_key": "k"}}
	missing := cfg.MissingSettings()
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want api_secret and from", missing)
	}
}
