package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	content := "business_name: Acme\nwebsite: https://acme.test\nregion: us\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write profile: %v", err)
	}

	profile, err := loadProfile(path, []string{"region=de", "phone=+49 30 1234"})
	if err != nil {
		t.Fatalf("loadProfile() error = %v", err)
	}
	if profile["business_name"] != "Acme" {
		t.Errorf("business_name = %q, want Acme", profile["business_name"])
	}
	if profile["region"] != "de" {
		t.Errorf("region = %q, flags should override the file", profile["region"])
	}
	if profile["phone"] != "+49 30 1234" {
		t.Errorf("phone = %q", profile["phone"])
	}
}

func TestLoadProfileErrors(t *testing.T) {
	tests := []struct {
		name   string
		fields []string
	}{
		{"empty", nil},
		{"no separator", []string{"business_name"}},
		{"blank key", []string{"=Acme"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadProfile("", tt.fields); err == nil {
				t.Error("loadProfile() should fail")
			}
		})
	}

	if _, err := loadProfile(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("loadProfile() should fail for a missing file")
	}
}

func TestParseActor(t *testing.T) {
	for _, raw := range []string{"user", "admin"} {
		if _, err := parseActor(raw); err != nil {
			t.Errorf("parseActor(%q) error = %v", raw, err)
		}
	}
	for _, raw := range []string{"worker", "scheduler", "webhook", ""} {
		if _, err := parseActor(raw); err == nil {
			t.Errorf("parseActor(%q) should fail", raw)
		}
	}
}

func TestParseExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseExpiry("", now)
	if err != nil || got != nil {
		t.Errorf("parseExpiry(\"\") = %v, %v; want nil", got, err)
	}

	got, err = parseExpiry("720h", now)
	if err != nil || !got.Equal(now.Add(720*time.Hour)) {
		t.Errorf("parseExpiry(720h) = %v, %v", got, err)
	}

	got, err = parseExpiry("2026-06-01T00:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("parseExpiry(RFC3339) = %v, %v", got, err)
	}

	for _, raw := range []string{"tomorrow", "-1h"} {
		if _, err := parseExpiry(raw, now); err == nil {
			t.Errorf("parseExpiry(%q) should fail", raw)
		}
	}
}

func TestReadSecretLine(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"s3cret\n", "s3cret"},
		{"s3cret\r\n", "s3cret"},
		{"no newline", "no newline"},
		{"first\nsecond\n", "first"},
	}

	for _, tt := range tests {
		got, err := readSecretLine(strings.NewReader(tt.input))
		if err != nil {
			t.Errorf("readSecretLine(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("readSecretLine(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	if _, err := readSecretLine(strings.NewReader("")); err == nil {
		t.Error("readSecretLine() should fail on empty input")
	}
}

func TestTruncateID(t *testing.T) {
	if got := truncateID("short"); got != "short" {
		t.Errorf("truncateID(short) = %q", got)
	}
	if got := truncateID("0123456789abcdef"); got != "0123456789ab..." {
		t.Errorf("truncateID(long) = %q", got)
	}
}
