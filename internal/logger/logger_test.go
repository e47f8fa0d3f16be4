package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}
	return entry
}

func TestSetup_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Warn("session renewed",
		slog.String("site", "market"),
		slog.String("account_id", "a-456"),
		slog.Int("attempt", 2),
	)

	entry := decodeLine(t, &buf)
	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("expected %q field in JSON log output", key)
		}
	}
	if entry["level"] != "WARN" || entry["msg"] != "session renewed" {
		t.Errorf("level/msg = %v/%v", entry["level"], entry["msg"])
	}
	if entry["site"] != "market" || entry["account_id"] != "a-456" {
		t.Errorf("site/account_id = %v/%v", entry["site"], entry["account_id"])
	}
	if entry["attempt"] != float64(2) {
		t.Errorf("attempt = %v, want 2", entry["attempt"])
	}
}

func TestSetup_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)

	l.Info("account added",
		slog.String("username", "bot@example.com"),
		slog.String("password", "hunter2"),
		slog.String("TOTP_SECRET", "JBSWY3DPEHPK3PXP"),
		slog.Group("request", slog.String("cookie", "sid=abc")),
	)

	raw := buf.String()
	for _, secret := range []string{"hunter2", "JBSWY3DPEHPK3PXP", "sid=abc"} {
		if strings.Contains(raw, secret) {
			t.Errorf("secret %q leaked into log: %s", secret, raw)
		}
	}

	entry := decodeLine(t, &buf)
	if entry["password"] != RedactedValue {
		t.Errorf("password = %v, want %q", entry["password"], RedactedValue)
	}
	if entry["username"] != "bot@example.com" {
		t.Errorf("username = %v, non-secret attrs must pass through", entry["username"])
	}
	group, ok := entry["request"].(map[string]any)
	if !ok || group["cookie"] != RedactedValue {
		t.Errorf("request.cookie = %v, want redacted", entry["request"])
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupDefault(&buf, slog.LevelDebug)

	slog.Debug("global test", slog.String("snapshot", `{"cookies":[]}`))

	entry := decodeLine(t, &buf)
	if entry["msg"] != "global test" {
		t.Errorf("msg = %v, want global test", entry["msg"])
	}
	if entry["snapshot"] != RedactedValue {
		t.Errorf("snapshot = %v, want redacted", entry["snapshot"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupWithLevel_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWithLevel(&buf, slog.LevelWarn)

	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}

	l.Warn("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn to be written")
	}
}
