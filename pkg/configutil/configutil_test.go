package configutil

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeSettingsConvertsStrings(t *testing.T) {
	var out struct {
		Timeout time.Duration `mapstructure:"timeout"`
		Origins []string      `mapstructure:"allowed_origins"`
		Limit   int           `mapstructure:"limit"`
		Enabled bool          `mapstructure:"enabled"`
	}
	err := DecodeSettings(map[string]any{
		"timeout":         "3s",
		"allowed-origins": "a.example.com,b.example.com",
		"LIMIT":           "7",
		"enabled":         "true",
	}, &out)
	if err != nil {
		t.Fatalf("DecodeSettings: %v", err)
	}
	if out.Timeout != 3*time.Second || out.Limit != 7 || !out.Enabled {
		t.Fatalf("unexpected decode %+v", out)
	}
	if len(out.Origins) != 2 || out.Origins[1] != "b.example.com" {
		t.Fatalf("unexpected origins %v", out.Origins)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("  ", "SERVER_URL"); err == nil || !strings.Contains(err.Error(), "SERVER_URL") {
		t.Fatalf("expected error naming the field, got %v", err)
	}
	if err := RequireString("x", "SERVER_URL"); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSectionsCheck(t *testing.T) {
	sections := Sections{"server_url", "log_level", "tone"}
	if err := sections.Check([]string{"server_url", "log-level", "TONE"}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	err := sections.Check([]string{"tone", "pipeline", "colour", "pipeline"})
	if err == nil || err.Error() != "unknown config sections: colour, pipeline" {
		t.Fatalf("unexpected error %v", err)
	}
}
