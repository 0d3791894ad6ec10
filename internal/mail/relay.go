// Package mail forwards inbound SMS by E-mail over an implicit TLS
// SMTP connection. STARTTLS upgrades and plaintext SMTP are not
// supported; a relay on port 25 is refused.
package mail

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/health"
	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/sms"
)

const noTLSMessage = "The client does not support STARTTLS"

// Relay is an SMTP client with health tracking. The connection is
// opened lazily and dropped on any delivery failure, so the next
// attempt starts fresh.
type Relay struct {
	cfg *config.MailConfig
	log *zerolog.Logger

	dial func(addr, serverName string) (net.Conn, error)

	mu              sync.Mutex
	client          *smtp.Client
	healthState     health.State
	healthMsg       string
	lastHealthCheck time.Time
}

func NewRelay(cfg *config.MailConfig) *Relay {
	r := &Relay{
		cfg: cfg,
		log: logging.Component("mail"),
		dial: func(addr, serverName string) (net.Conn, error) {
			return tls.Dial("tcp", addr, &tls.Config{ServerName: serverName})
		},
		healthState:     health.OK,
		lastHealthCheck: time.Now(),
	}
	if cfg.Port == 25 {
		r.log.Error().Msg(noTLSMessage)
		r.healthState = health.Critical
		r.healthMsg = noTLSMessage
	}
	return r
}

// Send delivers one SMS to the given address. The rendered message
// block becomes the mail body. Any failure drops the connection and
// turns the relay health critical.
func (r *Relay) Send(s *sms.SMS, recipient string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log.Info().
		Str("sms_id", s.ID).
		Str("recipient", recipient).
		Msg("Sending SMS as E-mail.")

	if err := r.ensureClientLocked(); err != nil {
		r.setHealthLocked(health.Critical, "Failed to send E-mail: "+err.Error())
		r.log.Info().Str("sms_id", s.ID).Err(err).Msg("Failed to send E-mail.")
		return err
	}

	subject := fmt.Sprintf("SMS from %s to %s", s.Sender, s.Recipient)
	text := s.String()

	err := r.submitLocked(recipient, buildMessage(r.cfg.User, recipient, subject, text))
	if err != nil && !isASCII(text) {
		r.log.Info().Str("sms_id", s.ID).Msg("Try to send text as ASCII instead of UTF-8.")
		r.dropClientLocked()
		if err = r.ensureClientLocked(); err == nil {
			ascii := buildMessage(r.cfg.User, recipient, subject, strconv.QuoteToASCII(text))
			err = r.submitLocked(recipient, ascii)
		}
	}
	if err != nil {
		r.dropClientLocked()
		r.setHealthLocked(health.Critical, "Failed to send E-mail: "+err.Error())
		r.log.Info().Str("sms_id", s.ID).Err(err).Msg("Failed to send E-mail.")
		return err
	}

	// A successful delivery clears the error state.
	r.setHealthLocked(health.OK, "")
	r.log.Info().Str("sms_id", s.ID).Msg("Sending E-mail was successful.")
	return nil
}

func (r *Relay) ensureClientLocked() error {
	if r.client != nil {
		return nil
	}
	client, _, err := r.connect()
	if err != nil {
		return err
	}
	r.client = client
	return nil
}

func (r *Relay) submitLocked(recipient string, body []byte) error {
	if err := r.client.Mail(r.cfg.User); err != nil {
		return err
	}
	if err := r.client.Rcpt(recipient); err != nil {
		return err
	}
	w, err := r.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// connect dials the relay with implicit TLS and authenticates. The
// second return value is the health log message matching the failure.
func (r *Relay) connect() (*smtp.Client, string, error) {
	if r.cfg.Port == 25 {
		return nil, noTLSMessage, errors.New("SMTP port 25 is not supported")
	}

	addr := net.JoinHostPort(r.cfg.Server, strconv.Itoa(r.cfg.Port))
	conn, err := r.dial(addr, r.cfg.Server)
	if err != nil {
		return nil, "The SMTP server could not be connected.", err
	}

	client, err := smtp.NewClient(conn, r.cfg.Server)
	if err != nil {
		conn.Close()
		return nil, "The SMTP server didn’t reply properly to the HELO greeting.", err
	}

	if r.cfg.User != "" {
		r.log.Info().Str("user", r.cfg.User).Msg("Try to log in.")
		if ok, _ := client.Extension("AUTH"); !ok {
			client.Close()
			return nil, "The SMTP server does not support the AUTH command.", errors.New("server does not advertise AUTH")
		}
		auth := smtp.PlainAuth("", r.cfg.User, r.cfg.Password, r.cfg.Server)
		if err := client.Auth(auth); err != nil {
			client.Close()
			if strings.Contains(err.Error(), "unencrypted connection") {
				return nil, "No suitable authentication method was found.", err
			}
			return nil, "The SMTP server didn’t accept the username/password combination.", err
		}
		r.log.Info().Msg("Log in was successful.")
	}

	return client, "", nil
}

func (r *Relay) dropClientLocked() {
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

// Close terminates the relay connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropClientLocked()
}

// HealthCheck probes the relay once the configured interval has
// passed since the last check.
func (r *Relay) HealthCheck() {
	r.mu.Lock()
	due := time.Since(r.lastHealthCheck) >= r.cfg.HealthCheckInterval
	r.mu.Unlock()

	if due {
		r.runHealthCheck()
	}
}

// runHealthCheck verifies the connection with a NOOP, reconnecting
// once before giving up.
func (r *Relay) runHealthCheck() {
	r.log.Info().Msg("Collecting health check infos from SMTP server.")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHealthCheck = time.Now()

	failMsg := "The SMTP server could not be connected."
	for attempt := 0; attempt < 2; attempt++ {
		if r.client == nil {
			client, msg, err := r.connect()
			if err != nil {
				r.log.Warn().Err(err).Msg("SMTP health check connect failed.")
				failMsg = msg
				continue
			}
			r.client = client
		}
		if err := r.client.Noop(); err != nil {
			r.log.Warn().Err(err).Msg("SMTP NOOP failed. Reconnecting.")
			failMsg = "An exception occured: " + err.Error()
			r.dropClientLocked()
			continue
		}
		r.setHealthLocked(health.OK, "")
		return
	}
	r.setHealthLocked(health.Critical, failMsg)
}

func (r *Relay) setHealthLocked(state health.State, msg string) {
	r.healthState = state
	r.healthMsg = msg
}

// HealthState returns the relay health and a description of the
// problem, if any.
func (r *Relay) HealthState() (health.State, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthState, r.healthMsg
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
