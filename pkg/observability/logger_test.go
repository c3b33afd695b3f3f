package observability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uweenukr/mirrorng/pkg/config"
)

func TestSetupLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirrorng.log")
	logger, err := SetupLogger(config.LogConfig{
		Level:      "debug",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("file sink check")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "file sink check") {
		t.Fatalf("log file missing entry: %q", b)
	}
}

func TestSetupLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := SetupLogger(config.LogConfig{Level: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSetupLoggerLevelAliases(t *testing.T) {
	for _, lvl := range []string{"", "warning", "INFO"} {
		if _, err := SetupLogger(config.LogConfig{Level: lvl}); err != nil {
			t.Fatalf("level %q: %v", lvl, err)
		}
	}
}
