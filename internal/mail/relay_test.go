package mail

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/health"
	"github.com/pentagridsec/smsgate/internal/sms"
)

// smtpScript controls how the mock SMTP server misbehaves.
type smtpScript struct {
	noAuthExt     bool
	rejectAuth    bool
	badGreeting   bool
	failData      bool
	failFirstData bool
	rejectNoop    bool
}

type smtpRecord struct {
	mu        sync.Mutex
	envelope  []string
	messages  []string
	noops     int
	dataCalls int
}

func (r *smtpRecord) addEnvelope(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelope = append(r.envelope, line)
}

func (r *smtpRecord) addMessage(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, data)
}

func (r *smtpRecord) addNoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noops++
}

func (r *smtpRecord) nextDataCall() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataCalls++
	return r.dataCalls
}

func (r *smtpRecord) snapshot() (envelope, messages []string, noops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.envelope...), append([]string(nil), r.messages...), r.noops
}

// startSMTPServer runs a minimal plaintext SMTP server on a loopback
// port. Connections are served one after another so reconnects work.
func startSMTPServer(t *testing.T, script smtpScript) (string, *smtpRecord) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	rec := &smtpRecord{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			serveSMTP(conn, script, rec)
		}
	}()
	return ln.Addr().String(), rec
}

func serveSMTP(conn net.Conn, script smtpScript, rec *smtpRecord) {
	defer conn.Close()

	if script.badGreeting {
		fmt.Fprintf(conn, "554 go away\r\n")
		return
	}
	fmt.Fprintf(conn, "220 mock ESMTP\r\n")

	br := bufio.NewReader(conn)
	inData := false
	var data strings.Builder

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		if inData {
			if strings.TrimRight(line, "\r\n") == "." {
				inData = false
				rec.addMessage(data.String())
				fmt.Fprintf(conn, "250 accepted\r\n")
				continue
			}
			data.WriteString(line)
			continue
		}

		raw := strings.TrimRight(line, "\r\n")
		cmd := strings.ToUpper(raw)
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			if script.noAuthExt {
				fmt.Fprintf(conn, "250-mock\r\n250 8BITMIME\r\n")
			} else {
				fmt.Fprintf(conn, "250-mock\r\n250-AUTH PLAIN LOGIN\r\n250 8BITMIME\r\n")
			}
		case strings.HasPrefix(cmd, "AUTH"):
			if script.rejectAuth {
				fmt.Fprintf(conn, "535 bad credentials\r\n")
			} else {
				fmt.Fprintf(conn, "235 ok\r\n")
			}
		case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
			rec.addEnvelope(raw)
			fmt.Fprintf(conn, "250 ok\r\n")
		case cmd == "DATA":
			call := rec.nextDataCall()
			if script.failData || (script.failFirstData && call == 1) {
				fmt.Fprintf(conn, "554 transaction failed\r\n")
			} else {
				inData = true
				data.Reset()
				fmt.Fprintf(conn, "354 go ahead\r\n")
			}
		case cmd == "NOOP":
			if script.rejectNoop {
				fmt.Fprintf(conn, "421 shutting down\r\n")
			} else {
				rec.addNoop()
				fmt.Fprintf(conn, "250 ok\r\n")
			}
		case cmd == "RSET":
			fmt.Fprintf(conn, "250 ok\r\n")
		case cmd == "QUIT":
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "502 not implemented\r\n")
		}
	}
}

// relayFor builds a Relay that dials the mock server in plaintext.
func relayFor(t *testing.T, addr string) *Relay {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}

	r := NewRelay(&config.MailConfig{
		Enabled:             true,
		Server:              host,
		Port:                port,
		User:                "gateway@example.org",
		Password:            "secret",
		Recipient:           "ops@example.org",
		HealthCheckInterval: time.Hour,
	})
	r.dial = func(addr, _ string) (net.Conn, error) {
		return net.Dial("tcp", addr)
	}
	return r
}

func testSMS() *sms.SMS {
	return sms.NewInbound("+41791112233", "+41794445566", "hello world", time.Time{}, "sim1", "Sunrise")
}

func TestRelaySend(t *testing.T) {
	addr, rec := startSMTPServer(t, smtpScript{})
	r := relayFor(t, addr)
	defer r.Close()

	if err := r.Send(testSMS(), "ops@example.org"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	state, msg := r.HealthState()
	if state != health.OK || msg != "" {
		t.Errorf("health = %v %q, want OK with empty message", state, msg)
	}

	envelope, messages, _ := rec.snapshot()
	if len(envelope) != 2 {
		t.Fatalf("envelope = %v, want MAIL and RCPT", envelope)
	}
	if !strings.Contains(envelope[0], "MAIL FROM:<gateway@example.org>") {
		t.Errorf("envelope[0] = %q", envelope[0])
	}
	if !strings.Contains(envelope[1], "RCPT TO:<ops@example.org>") {
		t.Errorf("envelope[1] = %q", envelope[1])
	}

	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	for _, want := range []string{
		"From: gateway@example.org",
		"To: ops@example.org",
		"Subject: SMS from +41791112233 to +41794445566",
		"Content-Type: text/plain; charset=utf-8",
		"hello world",
	} {
		if !strings.Contains(messages[0], want) {
			t.Errorf("message lacks %q:\n%s", want, messages[0])
		}
	}
}

func TestRelaySendReusesConnection(t *testing.T) {
	addr, rec := startSMTPServer(t, smtpScript{})
	r := relayFor(t, addr)
	defer r.Close()

	if err := r.Send(testSMS(), "ops@example.org"); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := r.Send(testSMS(), "ops@example.org"); err != nil {
		t.Fatalf("second Send() error = %v", err)
	}

	_, messages, _ := rec.snapshot()
	if len(messages) != 2 {
		t.Errorf("messages = %d, want 2", len(messages))
	}
}

func TestRelaySendDataFailure(t *testing.T) {
	addr, _ := startSMTPServer(t, smtpScript{failData: true})
	r := relayFor(t, addr)
	defer r.Close()

	if err := r.Send(testSMS(), "ops@example.org"); err == nil {
		t.Fatal("Send() succeeded, want error")
	}

	state, msg := r.HealthState()
	if state != health.Critical {
		t.Errorf("health state = %v, want Critical", state)
	}
	if !strings.HasPrefix(msg, "Failed to send E-mail: ") {
		t.Errorf("health message = %q", msg)
	}

	r.mu.Lock()
	hasClient := r.client != nil
	r.mu.Unlock()
	if hasClient {
		t.Error("client survived a failed delivery")
	}
}

func TestRelaySendASCIIFallback(t *testing.T) {
	addr, rec := startSMTPServer(t, smtpScript{failFirstData: true})
	r := relayFor(t, addr)
	defer r.Close()

	s := sms.NewInbound("+41791112233", "+41794445566", "Grüße aus Zürich", time.Time{}, "sim1", "Sunrise")
	if err := r.Send(s, "ops@example.org"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	state, msg := r.HealthState()
	if state != health.OK || msg != "" {
		t.Errorf("health = %v %q, want OK after fallback", state, msg)
	}

	_, messages, _ := rec.snapshot()
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	if strings.Contains(messages[0], "ü") {
		t.Errorf("body was not escaped to ASCII:\n%s", messages[0])
	}
	if !strings.Contains(messages[0], `\u00fc`) {
		t.Errorf("escaped body misses unicode escapes:\n%s", messages[0])
	}
}

func TestRelaySendConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := relayFor(t, addr)
	if err := r.Send(testSMS(), "ops@example.org"); err == nil {
		t.Fatal("Send() succeeded against a dead server")
	}

	state, msg := r.HealthState()
	if state != health.Critical {
		t.Errorf("health state = %v, want Critical", state)
	}
	if !strings.HasPrefix(msg, "Failed to send E-mail: ") {
		t.Errorf("health message = %q", msg)
	}
}

func TestRelayRefusesPort25(t *testing.T) {
	r := NewRelay(&config.MailConfig{
		Enabled:             true,
		Server:              "mail.example.org",
		Port:                25,
		User:                "gateway@example.org",
		Password:            "secret",
		HealthCheckInterval: time.Hour,
	})
	r.dial = func(addr, _ string) (net.Conn, error) {
		t.Errorf("dialed %s despite port 25", addr)
		return nil, fmt.Errorf("dialed")
	}

	state, msg := r.HealthState()
	if state != health.Critical {
		t.Errorf("health state = %v, want Critical", state)
	}
	if msg != "The client does not support STARTTLS" {
		t.Errorf("health message = %q", msg)
	}

	if err := r.Send(testSMS(), "ops@example.org"); err == nil {
		t.Fatal("Send() succeeded on port 25")
	}
	if _, msg := r.HealthState(); !strings.HasPrefix(msg, "Failed to send E-mail: ") {
		t.Errorf("health message after send = %q", msg)
	}
}

func TestRelayHealthCheckMessages(t *testing.T) {
	tests := []struct {
		name   string
		script smtpScript
		want   string
	}{
		{
			name:   "no auth extension",
			script: smtpScript{noAuthExt: true},
			want:   "The SMTP server does not support the AUTH command.",
		},
		{
			name:   "auth rejected",
			script: smtpScript{rejectAuth: true},
			want:   "The SMTP server didn’t accept the username/password combination.",
		},
		{
			name:   "bad greeting",
			script: smtpScript{badGreeting: true},
			want:   "The SMTP server didn’t reply properly to the HELO greeting.",
		},
		{
			name:   "noop rejected",
			script: smtpScript{rejectNoop: true},
			want:   "An exception occured: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _ := startSMTPServer(t, tt.script)
			r := relayFor(t, addr)
			defer r.Close()

			r.runHealthCheck()

			state, msg := r.HealthState()
			if state != health.Critical {
				t.Errorf("health state = %v, want Critical", state)
			}
			if !strings.HasPrefix(msg, tt.want) {
				t.Errorf("health message = %q, want prefix %q", msg, tt.want)
			}
		})
	}
}

func TestRelayHealthCheckConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := relayFor(t, addr)
	r.runHealthCheck()

	state, msg := r.HealthState()
	if state != health.Critical {
		t.Errorf("health state = %v, want Critical", state)
	}
	if msg != "The SMTP server could not be connected." {
		t.Errorf("health message = %q", msg)
	}
}

func TestRelayHealthCheckRecovers(t *testing.T) {
	addr, rec := startSMTPServer(t, smtpScript{})
	r := relayFor(t, addr)
	defer r.Close()

	r.mu.Lock()
	r.healthState = health.Critical
	r.healthMsg = "The SMTP server could not be connected."
	r.mu.Unlock()

	r.runHealthCheck()

	state, msg := r.HealthState()
	if state != health.OK || msg != "" {
		t.Errorf("health = %v %q, want OK with empty message", state, msg)
	}
	if _, _, noops := rec.snapshot(); noops != 1 {
		t.Errorf("noops = %d, want 1", noops)
	}
}

func TestRelayHealthCheckInterval(t *testing.T) {
	addr, rec := startSMTPServer(t, smtpScript{})
	r := relayFor(t, addr)
	defer r.Close()

	// Interval has not passed yet.
	r.HealthCheck()
	if _, _, noops := rec.snapshot(); noops != 0 {
		t.Fatalf("noops = %d, want 0 before interval", noops)
	}

	r.mu.Lock()
	r.lastHealthCheck = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	r.HealthCheck()
	if _, _, noops := rec.snapshot(); noops != 1 {
		t.Errorf("noops = %d, want 1 after interval", noops)
	}
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("a@example.org", "b@example.org", "Subject line", "body text"))

	if !strings.HasPrefix(msg, "From: a@example.org\r\n") {
		t.Errorf("message starts with %q", msg[:min(len(msg), 40)])
	}
	for _, want := range []string{
		"To: b@example.org\r\n",
		"Subject: Subject line\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: text/plain; charset=utf-8\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message lacks %q", want)
		}
	}
	head, body, found := strings.Cut(msg, "\r\n\r\n")
	if !found {
		t.Fatal("no header/body separator")
	}
	if strings.Contains(head, "body text") {
		t.Error("body leaked into headers")
	}
	if body != "body text" {
		t.Errorf("body = %q", body)
	}
}
