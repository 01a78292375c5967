package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("capture.pipewire")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("stream connected", "nodeId", 42)

	out := buf.String()
	if !strings.Contains(out, "msg=\"stream connected\"") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture.pipewire") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "nodeId=42") {
		t.Fatalf("expected nodeId field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("engine")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}
