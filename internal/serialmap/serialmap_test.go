package serialmap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.hint")
	content := "861234567890123 /dev/ttyUSB0\nmalformed line with extra fields\n\n869999999999999 /dev/ttyUSB2\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write hint file: %v", err)
	}

	m := New(path)

	if port, ok := m.Port("861234567890123"); !ok || port != "/dev/ttyUSB0" {
		t.Errorf("Expected /dev/ttyUSB0, got %q (ok=%t)", port, ok)
	}
	if port, ok := m.Port("869999999999999"); !ok || port != "/dev/ttyUSB2" {
		t.Errorf("Expected /dev/ttyUSB2, got %q (ok=%t)", port, ok)
	}
	if _, ok := m.Port("860000000000000"); ok {
		t.Error("Expected unknown IMEI to be absent")
	}
}

func TestSetPortAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.hint")

	m := New(path)
	m.SetPort("861234567890123", "/dev/ttyUSB1")
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read hint file: %v", err)
	}
	if got := string(data); got != "861234567890123 /dev/ttyUSB1\n" {
		t.Errorf("Unexpected hint file content %q", got)
	}

	reloaded := New(path)
	if port, ok := reloaded.Port("861234567890123"); !ok || port != "/dev/ttyUSB1" {
		t.Errorf("Expected persisted port to survive reload, got %q (ok=%t)", port, ok)
	}
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.hint")

	m := New(path)
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected no file to be written for a clean mapper")
	}

	m.SetPort("861234567890123", "/dev/ttyUSB0")
	m.SetPort("861234567890123", "/dev/ttyUSB0")
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove hint file: %v", err)
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected no rewrite after an unchanged flush")
	}
}

func TestInMemoryMapper(t *testing.T) {
	m := New("")
	m.SetPort("861234567890123", "/dev/ttyUSB0")
	if err := m.Flush(); err != nil {
		t.Errorf("Expected in-memory flush to succeed, got %v", err)
	}
	if port, ok := m.Port("861234567890123"); !ok || port != "/dev/ttyUSB0" {
		t.Errorf("Expected in-memory lookup to work, got %q (ok=%t)", port, ok)
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.hint")

	m := New(path)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.SetPort("861234567890123", "/dev/ttyUSB3")
	cancel()
	<-done

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected final flush to write the hint file: %v", err)
	}
	if !strings.Contains(string(data), "/dev/ttyUSB3") {
		t.Errorf("Unexpected hint file content %q", string(data))
	}
}
