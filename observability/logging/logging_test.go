package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWithOptionsWritesRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := SetupWithOptions("fundd", "test", Options{Output: &buf, Level: "debug"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Debug("hello", "day", 7)

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	for _, key := range []string{"timestamp", "severity", "message", "service", "env"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing key %q in %v", key, line)
		}
	}
	if line["severity"] != "DEBUG" || line["message"] != "hello" || line["service"] != "fundd" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestSetupWithOptionsRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := SetupWithOptions("fundd", "", Options{Output: &buf, Level: "warn"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line should be filtered, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestSetupWithOptionsMirrorsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fundd.log")
	var buf bytes.Buffer
	logger, err := SetupWithOptions("fundd", "", Options{Output: &buf, File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("to file")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("file missing line: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for raw, want := range cases {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestMaskHelpers(t *testing.T) {
	if got := MaskField("admin_secret", "s3cr3t"); got.Value.String() != RedactedValue {
		t.Fatalf("secret not masked: %v", got)
	}
	if got := MaskField("listen", ":8080"); got.Value.String() != ":8080" {
		t.Fatalf("allowlisted key masked: %v", got)
	}
	if MaskValue("") != "" {
		t.Fatalf("empty value should stay empty")
	}
	masked := MaskDSN("postgres://fund:hunter2@db:5432/fund?sslmode=disable")
	if strings.Contains(masked, "hunter2") || !strings.Contains(masked, "db:5432") {
		t.Fatalf("unexpected masked dsn %q", masked)
	}
	if MaskDSN("/var/lib/fundd/history.db") != "/var/lib/fundd/history.db" {
		t.Fatalf("file path should be unchanged")
	}
	if MaskDSN("host=db user=fund password=hunter2") != RedactedValue {
		t.Fatalf("keyword dsn with password should be masked")
	}
}
