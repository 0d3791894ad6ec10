package modem

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	tarm "github.com/tarm/serial"

	"github.com/pentagridsec/smsgate/internal/logging"
)

// ErrNoIMEI means a port answered but never produced a readable IMEI.
var ErrNoIMEI = errors.New("no IMEI readable from port")

var imeiLine = regexp.MustCompile(`^\d{14,17}$`)

const (
	probeReadTimeout = 500 * time.Millisecond
	probeCmdTimeout  = 2 * time.Second
	probeAttempts    = 5
)

// settleCommands put a possibly confused modem back into a known state
// before the identity query. Responses are drained but not interpreted.
var settleCommands = []string{
	"AT&F", "AT&F", "AT&F",
	"ATZ", "ATZ", "ATZ",
	"ATE0",
	"AT&W",
}

// ProbeIMEI opens a serial port raw and asks the modem behind it for
// its IMEI. It deliberately bypasses the full AT stack: during a probe
// the device may be half initialized or mid transmission, so commands
// are written blind and the response stream is scanned with short read
// timeouts until a result code shows up.
func ProbeIMEI(portPath string, baud int) (string, error) {
	p, err := tarm.OpenPort(&tarm.Config{
		Name:        portPath,
		Baud:        baud,
		ReadTimeout: probeReadTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", portPath, err)
	}
	defer p.Close()

	log := logging.Component("prober")

	for attempt := 0; attempt < probeAttempts; attempt++ {
		for _, cmd := range settleCommands {
			probeCommand(p, cmd, probeCmdTimeout)
		}

		resp, err := probeCommand(p, "AT+CGSN", probeCmdTimeout)
		if err != nil {
			return "", fmt.Errorf("probe on %s failed: %w", portPath, err)
		}

		if imei := extractIMEI(resp); imei != "" {
			log.Debug().Str("port", portPath).Str("imei", imei).Msg("Modem identified.")
			return imei, nil
		}
		log.Debug().Str("port", portPath).Int("attempt", attempt+1).
			Msg("No IMEI in probe response.")
	}
	return "", ErrNoIMEI
}

// probeCommand writes one AT command and accumulates the response until
// a terminal result code arrives or the deadline passes. A partial
// response is returned as-is; the caller decides whether it is usable.
func probeCommand(p io.ReadWriter, cmd string, timeout time.Duration) (string, error) {
	if _, err := p.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}

	deadline := time.Now().Add(timeout)
	var response []byte
	buf := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if n > 0 {
			response = append(response, buf[:n]...)
			s := string(response)
			if strings.Contains(s, "OK") || strings.Contains(s, "ERROR") {
				return s, nil
			}
		}
		if err != nil && err != io.EOF {
			return string(response), err
		}
	}
	return string(response), nil
}

func extractIMEI(response string) string {
	for _, line := range strings.FieldsFunc(response, func(r rune) bool {
		return r == '\r' || r == '\n'
	}) {
		line = strings.TrimSpace(line)
		if imeiLine.MatchString(line) {
			return line
		}
	}
	return ""
}
