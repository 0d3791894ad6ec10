package sandbox

import (
	"sort"
	"testing"
)

// Loading the filter would sandbox the test binary itself, so the
// tests only exercise the list.

func TestAllowedSyscallsSorted(t *testing.T) {
	if !sort.StringsAreSorted(allowedSyscalls) {
		t.Error("allowlist is not sorted")
	}
}

func TestAllowedSyscallsUnique(t *testing.T) {
	seen := make(map[string]bool, len(allowedSyscalls))
	for _, name := range allowedSyscalls {
		if seen[name] {
			t.Errorf("duplicate syscall %q", name)
		}
		seen[name] = true
	}
}

func TestAllowedSyscallsCoverEssentials(t *testing.T) {
	required := []string{
		// serial device I/O
		"openat", "read", "write", "ioctl", "close",
		// TLS listener and SMTP client
		"socket", "connect", "bind", "listen", "accept4",
		// runtime
		"futex", "clone", "mmap", "exit_group", "tgkill",
	}
	seen := make(map[string]bool, len(allowedSyscalls))
	for _, name := range allowedSyscalls {
		seen[name] = true
	}
	for _, name := range required {
		if !seen[name] {
			t.Errorf("allowlist lacks %q", name)
		}
	}
}
