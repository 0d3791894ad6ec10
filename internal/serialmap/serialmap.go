// Package serialmap persists which serial port a modem with a given IMEI
// was last seen on. USB modems renumber their ports on replug and reboot;
// probing the remembered port first saves a full scan.
package serialmap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pentagridsec/smsgate/internal/logging"
)

const flushInterval = 60 * time.Second

// Mapper maps IMEIs to serial port paths. All methods are safe for
// concurrent use. With an empty path the mapper works in memory only.
type Mapper struct {
	path string

	mu    sync.Mutex
	ports map[string]string
	dirty bool
}

// New creates a mapper backed by the given hint file. A missing file is
// not an error; it is created on the first flush.
func New(path string) *Mapper {
	m := &Mapper{
		path:  path,
		ports: make(map[string]string),
	}
	m.load()
	return m
}

func (m *Mapper) load() {
	if m.path == "" {
		return
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Component("serialmap").Warn().Err(err).Str("path", m.path).
				Msg("Failed to read serial port hint file")
		}
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		m.ports[fields[0]] = fields[1]
	}
}

// Port returns the remembered serial port for an IMEI.
func (m *Mapper) Port(imei string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.ports[imei]
	return port, ok
}

// SetPort records the port a modem was found on.
func (m *Mapper) SetPort(imei, port string) {
	if imei == "" || port == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ports[imei] == port {
		return
	}
	m.ports[imei] = port
	m.dirty = true
}

// Flush writes the map to disk if it changed since the last flush. The
// file is replaced atomically so a crash never leaves a half-written
// hint file behind.
func (m *Mapper) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" || !m.dirty {
		return nil
	}

	imeis := make([]string, 0, len(m.ports))
	for imei := range m.ports {
		imeis = append(imeis, imei)
	}
	sort.Strings(imeis)

	var sb strings.Builder
	for _, imei := range imeis {
		fmt.Fprintf(&sb, "%s %s\n", imei, m.ports[imei])
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".serialmap-*")
	if err != nil {
		return fmt.Errorf("failed to create temp hint file: %w", err)
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write hint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close hint file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace hint file: %w", err)
	}

	m.dirty = false
	return nil
}

// Run flushes the map periodically until the context is cancelled, then
// performs a final flush.
func (m *Mapper) Run(ctx context.Context) {
	log := logging.Component("serialmap")
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := m.Flush(); err != nil {
				log.Error().Err(err).Msg("Failed to flush serial port hint file")
			}
			return
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				log.Error().Err(err).Msg("Failed to flush serial port hint file")
			}
		}
	}
}
