// Package sms holds the message value passed between the RPC endpoint,
// the modem pool and the workers, plus phone number normalization.
package sms

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timestampLayout is the format used when rendering a message as text.
const timestampLayout = "2006-01-02 15:04:05  -0700"

var (
	phoneStrip = regexp.MustCompile(`[^+\d]`)
	phoneValid = regexp.MustCompile(`^\+\d+$`)
)

// SMS is one short message. Inbound messages carry the identifier and
// network of the receiving worker; the back-reference is an identifier
// rather than a handle so messages can outlive workers.
type SMS struct {
	ID               string    `json:"id"`
	Sender           string    `json:"sender,omitempty"`
	Recipient        string    `json:"recipient"`
	Text             string    `json:"text"`
	Timestamp        time.Time `json:"timestamp"`
	Created          time.Time `json:"created"`
	Flash            bool      `json:"flash,omitempty"`
	ReceivingWorker  string    `json:"receiving_worker,omitempty"`
	ReceivingNetwork string    `json:"receiving_network,omitempty"`
}

// New builds an outbound SMS with a fresh UUID and the current time.
func New(sender, recipient, text string) *SMS {
	now := time.Now().UTC()
	return &SMS{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Timestamp: now,
		Created:   now,
	}
}

// NewInbound builds a message as delivered by a modem. A zero timestamp
// falls back to the local clock.
func NewInbound(sender, recipient, text string, timestamp time.Time, worker, network string) *SMS {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return &SMS{
		ID:               uuid.NewString(),
		Sender:           sender,
		Recipient:        recipient,
		Text:             text,
		Timestamp:        timestamp.UTC(),
		Created:          time.Now().UTC(),
		ReceivingWorker:  worker,
		ReceivingNetwork: network,
	}
}

// HasSender reports whether a sender number is present.
func (s *SMS) HasSender() bool {
	return s.Sender != ""
}

// Age is the time elapsed since the message timestamp.
func (s *SMS) Age() time.Duration {
	return time.Since(s.Timestamp)
}

// String renders the message as a labeled block. The rendering is used as
// the email body when inbound messages are forwarded.
func (s *SMS) String() string {
	return s.Render(true)
}

// Render formats the message header and, when content is true, the text
// fenced by dashed lines.
func (s *SMS) Render(content bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SMS ID            : %s\n", s.ID)
	fmt.Fprintf(&b, "Sender            : %s\n", s.Sender)
	fmt.Fprintf(&b, "Recipient         : %s\n", s.Recipient)
	fmt.Fprintf(&b, "Message timestamp : %s\n", s.Timestamp.Format(timestampLayout))
	fmt.Fprintf(&b, "Created timestamp : %s\n", s.Created.Format(timestampLayout))
	fmt.Fprintf(&b, "Flash message     : %t\n", s.Flash)
	if s.ReceivingWorker != "" {
		fmt.Fprintf(&b, "Receiving modem   : %s\n", s.ReceivingWorker)
		fmt.Fprintf(&b, "Receiving network : %s\n", s.ReceivingNetwork)
	}
	if content {
		fence := strings.Repeat("-", 57)
		fmt.Fprintf(&b, "Text              :\n\n%s\n%s\n%s\n", fence, s.Text, fence)
	}
	return b.String()
}

// CleanPhoneNumber strips separator characters from a phone number and
// validates the result against the international format. It returns the
// empty string when the number is not usable. The operation is idempotent.
func CleanPhoneNumber(phone string) string {
	phone = phoneStrip.ReplaceAllString(phone, "")
	if phoneValid.MatchString(phone) {
		return phone
	}
	return ""
}

// ValidPhoneNumber reports whether the number already is in international
// format.
func ValidPhoneNumber(phone string) bool {
	return phoneValid.MatchString(phone)
}
