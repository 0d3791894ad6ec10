// Package modem drives GSM modems over serial ports. Each worker owns
// exactly one device; the pool never talks to hardware directly.
package modem

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for SIM and network conditions the worker reacts to.
var (
	// ErrPINRequired means the SIM wants a PIN and none is configured.
	ErrPINRequired = errors.New("SIM PIN required but not configured")

	// ErrPINIncorrect means the SIM rejected the configured PIN. The
	// worker must not retry, another attempt could lock the SIM.
	ErrPINIncorrect = errors.New("SIM rejected the configured PIN")

	// ErrPUKRequired means the SIM is PUK-locked and needs manual care.
	ErrPUKRequired = errors.New("SIM is PUK-locked")

	// ErrNoNetwork means the modem did not register with a network in time.
	ErrNoNetwork = errors.New("no network registration")

	// ErrUSSDTimeout means the network sent no USSD response in time.
	ErrUSSDTimeout = errors.New("no USSD response before timeout")
)

// IsFatalInitError reports whether an initialization error must stop
// further init attempts for good. Entering a wrong PIN twice can
// permanently lock a SIM card.
func IsFatalInitError(err error) bool {
	return errors.Is(err, ErrPINIncorrect) || errors.Is(err, ErrPUKRequired)
}

// IncomingMessage is an SMS delivered by the network.
type IncomingMessage struct {
	Sender   string
	Text     string
	Received time.Time
}

// DeliveryReport is a status report for a previously sent SMS,
// identified by the message reference SendSMS returned.
type DeliveryReport struct {
	Reference string
	Delivered bool
}

// Device is the AT-level surface of one GSM modem. Implementations are
// not required to be safe for concurrent use; the owning worker
// serializes all calls.
type Device interface {
	// Init brings the modem into a usable state: baseline AT setup,
	// SIM unlock and direct SMS delivery.
	Init(ctx context.Context) error

	// WaitForNetwork blocks until the modem registered with a network
	// or the context expires.
	WaitForNetwork(ctx context.Context) error

	Manufacturer(ctx context.Context) (string, error)
	Model(ctx context.Context) (string, error)
	Revision(ctx context.Context) (string, error)
	IMEI(ctx context.Context) (string, error)
	IMSI(ctx context.Context) (string, error)
	SMSC(ctx context.Context) (string, error)
	Operator(ctx context.Context) (string, error)

	// SignalStrength returns the raw RSSI as reported by AT+CSQ,
	// with 99 meaning unknown.
	SignalStrength(ctx context.Context) (int, error)

	// DeleteStoredSMS removes messages from modem storage. With all
	// set, unread messages are removed as well.
	DeleteStoredSMS(ctx context.Context, all bool) error

	// SendSMS sends a message and returns the message reference
	// assigned by the modem.
	SendSMS(ctx context.Context, number, text string, flash bool) (string, error)

	// SendUSSD runs a USSD session and returns the decoded response.
	SendUSSD(ctx context.Context, code string) (string, error)

	// Incoming delivers SMS pushed by the network. The channel is
	// closed when the device closes.
	Incoming() <-chan IncomingMessage

	// DeliveryReports delivers SMS status reports pushed by the
	// network.
	DeliveryReports() <-chan DeliveryReport

	// Closed is closed when the underlying connection is lost.
	Closed() <-chan struct{}

	Close() error
}
