package gologger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSlogLoggerWritesBoundFieldsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "json", "info")
	scoped := logger.WithFields(map[string]any{"provider": "github"})
	scoped.Info("webhook accepted", "provider", "github", "delivery_id", "d1")

	line := strings.TrimSpace(buf.String())
	if strings.Count(line, `"provider"`) != 1 {
		t.Fatalf("expected provider once, got %s", line)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["msg"] != "webhook accepted" || record["delivery_id"] != "d1" || record["level"] != "INFO" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestSlogLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "text", "warn")
	logger.Info("dropped")
	logger.Debug("dropped")
	logger.Warn("kept", "attempt", 2)
	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") || !strings.Contains(out, "attempt=2") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSlogProviderNamesLoggers(t *testing.T) {
	var buf bytes.Buffer
	provider := SlogProvider{Root: NewSlogLogger(&buf, "json", "debug")}
	provider.GetLogger("gateway").Info("ready")
	if !strings.Contains(buf.String(), `"logger":"gateway"`) {
		t.Fatalf("expected logger name, got %s", buf.String())
	}
	if (SlogProvider{}).GetLogger("x") == nil {
		t.Fatalf("expected nop logger for empty provider")
	}
}
