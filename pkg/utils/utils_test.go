package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "placesync.log")
	logger, level, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", File: file})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = logger.Sync()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := string(data); !strings.Contains(got, "kept") || strings.Contains(got, "dropped") {
		t.Errorf("log contents = %q", got)
	}

	level.SetLevel(zapcore.DebugLevel)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("AtomicLevel change not applied")
	}

	if _, _, err := NewLogger(LoggingConfig{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) returned nil")
	}
}

func TestValidatePartition(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"places", "searches", "mutations", "fav_2"} {
		if err := ValidatePartition(ok); err != nil {
			t.Errorf("ValidatePartition(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "../etc", "Places", "a/b", "1abc"} {
		if err := ValidatePartition(bad); err == nil {
			t.Errorf("ValidatePartition(%q) should fail", bad)
		}
	}
}

func TestSecureJoin(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	if p, err := SecureJoin(base, "places", "index.json"); err != nil || p != filepath.Join(base, "places", "index.json") {
		t.Errorf("SecureJoin = %q, %v", p, err)
	}
	if _, err := SecureJoin(base, "..", "escape"); err == nil {
		t.Error("traversal should be rejected")
	}
	if _, err := SecureJoin(""); err == nil {
		t.Error("empty base should be rejected")
	}
	if got := ExpandHome("~/data", "/home/u"); got != "/home/u/data" {
		t.Errorf("ExpandHome = %q", got)
	}
}
