package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitializeWithFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	err := Initialize(&Config{
		Level: "debug",
		File:  logFile,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer GetLogger().Close()

	Infof("hello %s", "world")
	Debugf("debug line")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "hello world") {
		t.Errorf("log file missing info line: %q", content)
	}
	if !strings.Contains(content, "debug line") {
		t.Errorf("log file missing debug line: %q", content)
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	if err := Initialize(&Config{Level: "warn", File: logFile}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer GetLogger().Close()

	Infof("should not appear")
	Warnf("should appear")

	data, _ := os.ReadFile(logFile)
	content := string(data)
	if strings.Contains(content, "should not appear") {
		t.Error("info line logged despite warn level")
	}
	if !strings.Contains(content, "should appear") {
		t.Error("warn line missing")
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	if err := Initialize(&Config{Level: "nonsense", Console: true}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Errorf("expected info level fallback, got %v", got)
	}
}

func TestComponentLogger(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	if err := Initialize(&Config{Level: "debug", File: logFile}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer GetLogger().Close()

	log := Component("modem/sim1")
	log.Info().Msg("component line")

	data, _ := os.ReadFile(logFile)
	content := string(data)
	if !strings.Contains(content, "modem/sim1") {
		t.Errorf("component field missing: %q", content)
	}
}

func TestTraceLoggerWritesAtDebug(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	if err := Initialize(&Config{Level: "debug", File: logFile}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer GetLogger().Close()

	tl := TraceLogger("at/sim1")
	tl.Printf("w: AT+CSQ")

	data, _ := os.ReadFile(logFile)
	content := string(data)
	if !strings.Contains(content, "AT+CSQ") {
		t.Errorf("trace line missing: %q", content)
	}
	if !strings.Contains(content, "at/sim1") {
		t.Errorf("trace component missing: %q", content)
	}
}
