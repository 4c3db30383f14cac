package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +44 7700 900123"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Phone("15551234567"); got != "15551234567" {
		t.Fatalf("expected number untouched, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +44 7700 900123"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestPhoneMasksAllButLastFour(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	tests := []struct {
		in, want string
	}{
		{"15551234567", "*******4567"},
		{"123", "***"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Phone(tt.in); got != tt.want {
			t.Fatalf("Phone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
