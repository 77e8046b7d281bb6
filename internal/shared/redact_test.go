package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_AnthropicKey(t *testing.T) {
	input := "key is sk-ant-REDACTED"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_TelegramToken(t *testing.T) {
	input := "token 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1 leaked"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestSensitiveEnvKey(t *testing.T) {
	cases := []struct {
		key    string
		expect bool
	}{
		{"ANTHROPIC_API_KEY", true},
		{"TELEGRAM_BOT_TOKEN", true},
		{"DB_PASSWORD", true},
		{"HOME", false},
		{"PATH", false},
	}
	for _, tc := range cases {
		if got := SensitiveEnvKey(tc.key); got != tc.expect {
			t.Errorf("SensitiveEnvKey(%q) = %v, want %v", tc.key, got, tc.expect)
		}
	}
}
