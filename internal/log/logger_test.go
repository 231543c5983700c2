package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flowtrader/internal/config"
)

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "console"})
	if err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewLogger_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:            "info",
		Encoding:         "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		File:             config.LogFileConfig{Filename: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	logger.Info("flow started")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "flow started") {
		t.Errorf("expected message in file, got %q", string(data))
	}
}
