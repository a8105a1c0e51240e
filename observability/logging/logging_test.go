package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.raw); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestMaskFieldRedactsKeyMaterial(t *testing.T) {
	attr := MaskField("psk_key", "deadbeef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("key material leaked: %s", attr.Value.String())
	}
	attr = MaskField("peer", "10.0.0.1:5683")
	if attr.Value.String() != "10.0.0.1:5683" {
		t.Fatalf("allowlisted key should pass through")
	}
	attr = MaskField("psk_key", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty values stay empty")
	}
}

func TestRedactionAllowlistSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("allowlist not sorted at %d: %v", i, keys)
		}
	}
	if !IsAllowlisted("Peer") {
		t.Fatalf("allowlist lookup should be case insensitive")
	}
}
