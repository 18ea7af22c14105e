package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "helmet-link.log")
	closer := Setup(Options{Level: slog.LevelInfo, File: path})

	slog.Debug("[BLE] hidden")
	slog.Info("[BLE] connected", "id", "AA:BB:CC:DD:EE:FF")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[BLE] connected") || !strings.Contains(out, "id=AA:BB:CC:DD:EE:FF") {
		t.Errorf("log file = %q, missing the info record", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
}

func TestConsoleHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newConsoleHandler(&buf, slog.LevelWarn))

	logger.Info("quiet")
	logger.Warn("loud", "reason", "adapter-off")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "adapter-off") {
		t.Errorf("console output = %q, missing the warn record", out)
	}
}

func TestSetupStderr(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	if err := Setup(Options{Level: slog.LevelDebug}).Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
