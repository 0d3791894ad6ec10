package modem

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warthog618/modem/gsm"
	"github.com/warthog618/modem/serial"
	"github.com/warthog618/modem/trace"
	"github.com/warthog618/sms/encoding/ucs2"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/logging"
)

const (
	// incomingQueueSize bounds how many undelivered inbound SMS a device
	// holds before dropping new ones.
	incomingQueueSize = 32

	// ussdTimeout is how long to wait for the network's USSD response.
	ussdTimeout = 30 * time.Second

	initRetryDelay  = 2 * time.Second
	simReadyTimeout = 10 * time.Second
	regPollInterval = 5 * time.Second
)

var (
	quotedField = regexp.MustCompile(`"([^"]*)"`)
	csqValue    = regexp.MustCompile(`\+CSQ:\s*(\d+),`)
	cregStat    = regexp.MustCompile(`\+CREG:\s*\d+,\s*(\d+)`)
	cusdMessage = regexp.MustCompile(`\+CUSD:\s*\d+\s*,\s*"([^"]*)"`)
	cdsHead     = regexp.MustCompile(`\+CDS:\s*\d+\s*,\s*(\d+)`)
	cdsStatus   = regexp.MustCompile(`,\s*(\d+)\s*$`)
)

// gsmDevice talks to a physical modem through the warthog618 AT stack.
type gsmDevice struct {
	cfg      *config.ModemConfig
	port     io.ReadWriteCloser
	g        *gsm.GSM
	log      *zerolog.Logger
	incoming chan IncomingMessage
	reports  chan DeliveryReport
}

// Open connects to the modem on the given serial port. AT traffic is
// traced to the debug log.
func Open(cfg *config.ModemConfig, portPath string) (Device, error) {
	p, err := serial.New(portPath, cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portPath, err)
	}
	rw := trace.New(p, logging.TraceLogger("modem/"+cfg.Identifier))
	return &gsmDevice{
		cfg:      cfg,
		port:     p,
		g:        gsm.New(rw),
		log:      logging.Component("modem/" + cfg.Identifier),
		incoming: make(chan IncomingMessage, incomingQueueSize),
		reports:  make(chan DeliveryReport, incomingQueueSize),
	}, nil
}

// Init performs baseline AT setup, retrying while the modem is still
// booting, then unlocks the SIM and enables direct SMS delivery.
func (d *gsmDevice) Init(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, d.cfg.WaitForStart)
	defer cancel()

	var err error
	for {
		if err = d.g.Init(startCtx); err == nil {
			break
		}
		select {
		case <-startCtx.Done():
			return fmt.Errorf("modem did not become ready within %v: %w", d.cfg.WaitForStart, err)
		case <-time.After(initRetryDelay):
		}
	}

	if err := d.unlockSIM(ctx); err != nil {
		return err
	}
	return d.enableSMSDelivery(ctx)
}

// unlockSIM checks AT+CPIN and enters the configured PIN if the SIM
// asks for one.
func (d *gsmDevice) unlockSIM(ctx context.Context) error {
	state, err := d.pinState(ctx)
	if err != nil {
		return fmt.Errorf("failed to query SIM PIN state: %w", err)
	}

	switch state {
	case "READY":
		return nil
	case "SIM PIN":
		if d.cfg.PIN == "" {
			return ErrPINRequired
		}
	default:
		if strings.Contains(state, "PUK") {
			return ErrPUKRequired
		}
		return fmt.Errorf("unexpected SIM PIN state %q", state)
	}

	d.log.Debug().Msg("Unlocking SIM card.")
	if _, err := d.g.Command(ctx, `+CPIN="`+d.cfg.PIN+`"`); err != nil {
		return fmt.Errorf("%w: %v", ErrPINIncorrect, err)
	}

	// The SIM needs a moment after the unlock before it answers queries.
	deadline := time.Now().Add(simReadyTimeout)
	for time.Now().Before(deadline) {
		state, err = d.pinState(ctx)
		if err == nil && state == "READY" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("SIM did not become ready after PIN unlock")
}

func (d *gsmDevice) pinState(ctx context.Context) (string, error) {
	lines, err := d.g.Command(ctx, "+CPIN?")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if rest, ok := strings.CutPrefix(l, "+CPIN:"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("no +CPIN response")
}

// enableSMSDelivery routes incoming SMS and status reports directly to
// the TE instead of modem storage and starts the pumps that convert
// them to IncomingMessage and DeliveryReport values.
func (d *gsmDevice) enableSMSDelivery(ctx context.Context) error {
	cmt, err := d.g.AddIndication("+CMT:", 1)
	if err != nil {
		return fmt.Errorf("failed to register SMS indication: %w", err)
	}
	cds, err := d.g.AddIndication("+CDS:", 0)
	if err != nil {
		return fmt.Errorf("failed to register status report indication: %w", err)
	}
	if _, err := d.g.Command(ctx, "+CNMI=1,2,0,1,0"); err != nil {
		return fmt.Errorf("failed to enable SMS delivery: %w", err)
	}
	if _, err := d.g.Command(ctx, "+CSMP=49,167,0,0"); err != nil {
		d.log.Warn().Err(err).Msg("Modem does not accept status report requests.")
	}
	go d.pumpIncoming(cmt)
	go d.pumpReports(cds)
	return nil
}

func (d *gsmDevice) pumpReports(cds <-chan []string) {
	defer close(d.reports)
	for lines := range cds {
		if len(lines) == 0 {
			continue
		}
		report, ok := parseCDS(lines[0])
		if !ok {
			d.log.Warn().Str("line", lines[0]).Msg("Dropping malformed status report.")
			continue
		}
		select {
		case d.reports <- report:
		default:
			d.log.Warn().Msg("Status report queue is full. Dropping report.")
		}
	}
}

// parseCDS extracts message reference and final status from a text mode
// status report such as
//
//	+CDS: 6,7,"+41791112233",145,"24/08/21,17:20:32+08","24/08/21,17:20:35+08",0
//
// Status 0 means the message reached the recipient.
func parseCDS(line string) (DeliveryReport, bool) {
	head := cdsHead.FindStringSubmatch(line)
	tail := cdsStatus.FindStringSubmatch(line)
	if head == nil || tail == nil {
		return DeliveryReport{}, false
	}
	st, err := strconv.Atoi(tail[1])
	if err != nil {
		return DeliveryReport{}, false
	}
	return DeliveryReport{Reference: head[1], Delivered: st == 0}, true
}

func (d *gsmDevice) pumpIncoming(cmt <-chan []string) {
	defer close(d.incoming)
	for lines := range cmt {
		if len(lines) < 2 {
			d.log.Warn().Strs("lines", lines).Msg("Dropping malformed SMS indication.")
			continue
		}
		sender, ts := parseCMTHeader(lines[0])
		msg := IncomingMessage{
			Sender:   sender,
			Text:     lines[1],
			Received: ts,
		}
		select {
		case d.incoming <- msg:
		default:
			d.log.Warn().Msg("Incoming SMS queue is full. Dropping message.")
		}
	}
}

// parseCMTHeader extracts sender and service centre timestamp from a
// text mode delivery header such as
//
//	+CMT: "+41791112233",,"24/08/21,17:20:32+08"
func parseCMTHeader(header string) (string, time.Time) {
	fields := quotedField.FindAllStringSubmatch(header, -1)
	if len(fields) == 0 {
		return "", time.Time{}
	}
	sender := fields[0][1]
	var ts time.Time
	if len(fields) > 1 {
		if t, err := parseSCTS(fields[len(fields)-1][1]); err == nil {
			ts = t
		}
	}
	return sender, ts
}

// parseSCTS parses a GSM service centre timestamp, "yy/MM/dd,hh:mm:ss"
// followed by a timezone offset in quarter hours.
func parseSCTS(s string) (time.Time, error) {
	if len(s) < 20 {
		return time.Time{}, fmt.Errorf("timestamp %q too short", s)
	}
	base, err := time.Parse("06/01/02,15:04:05", s[:17])
	if err != nil {
		return time.Time{}, err
	}
	sign := 1
	switch s[17] {
	case '+':
	case '-':
		sign = -1
	default:
		return time.Time{}, fmt.Errorf("timestamp %q has no timezone", s)
	}
	quarters, err := strconv.Atoi(s[18:20])
	if err != nil {
		return time.Time{}, err
	}
	loc := time.FixedZone("", sign*quarters*15*60)
	return time.Date(base.Year(), base.Month(), base.Day(),
		base.Hour(), base.Minute(), base.Second(), 0, loc), nil
}

// WaitForNetwork polls the registration state until the modem is
// registered with its home network or roaming.
func (d *gsmDevice) WaitForNetwork(ctx context.Context) error {
	for {
		registered, err := d.registered(ctx)
		if err == nil && registered {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrNoNetwork
		case <-time.After(regPollInterval):
		}
	}
}

func (d *gsmDevice) registered(ctx context.Context) (bool, error) {
	lines, err := d.g.Command(ctx, "+CREG?")
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if m := cregStat.FindStringSubmatch(l); m != nil {
			stat, _ := strconv.Atoi(m[1])
			return stat == 1 || stat == 5, nil
		}
	}
	return false, fmt.Errorf("no +CREG response")
}

func (d *gsmDevice) Manufacturer(ctx context.Context) (string, error) {
	return d.infoCommand(ctx, "+GMI")
}

func (d *gsmDevice) Model(ctx context.Context) (string, error) {
	return d.infoCommand(ctx, "+GMM")
}

func (d *gsmDevice) Revision(ctx context.Context) (string, error) {
	return d.infoCommand(ctx, "+GMR")
}

func (d *gsmDevice) IMEI(ctx context.Context) (string, error) {
	return d.infoCommand(ctx, "+CGSN")
}

func (d *gsmDevice) IMSI(ctx context.Context) (string, error) {
	return d.infoCommand(ctx, "+CIMI")
}

// infoCommand returns the first non-empty information line of a command
// response.
func (d *gsmDevice) infoCommand(ctx context.Context, cmd string) (string, error) {
	lines, err := d.g.Command(ctx, cmd)
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if s := strings.TrimSpace(l); s != "" {
			return s, nil
		}
	}
	return "", nil
}

func (d *gsmDevice) SMSC(ctx context.Context) (string, error) {
	return d.quotedQuery(ctx, "+CSCA?")
}

func (d *gsmDevice) Operator(ctx context.Context) (string, error) {
	return d.quotedQuery(ctx, "+COPS?")
}

func (d *gsmDevice) quotedQuery(ctx context.Context, cmd string) (string, error) {
	lines, err := d.g.Command(ctx, cmd)
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if m := quotedField.FindStringSubmatch(l); m != nil {
			return strings.TrimSpace(m[1]), nil
		}
	}
	return "", nil
}

func (d *gsmDevice) SignalStrength(ctx context.Context) (int, error) {
	lines, err := d.g.Command(ctx, "+CSQ")
	if err != nil {
		return RSSIUnknown, err
	}
	for _, l := range lines {
		if m := csqValue.FindStringSubmatch(l); m != nil {
			rssi, _ := strconv.Atoi(m[1])
			return rssi, nil
		}
	}
	return RSSIUnknown, fmt.Errorf("no +CSQ response")
}

func (d *gsmDevice) DeleteStoredSMS(ctx context.Context, all bool) error {
	cmd := "+CMGD=,2"
	if all {
		cmd = "+CMGD=,4"
	}
	_, err := d.g.Command(ctx, cmd)
	return err
}

// SendSMS sends in text mode. Flash messages are sent as class 0 by
// temporarily switching the data coding scheme. The first octet keeps
// the status report request bit so delivery reports come back.
func (d *gsmDevice) SendSMS(ctx context.Context, number, text string, flash bool) (string, error) {
	if flash {
		if _, err := d.g.Command(ctx, "+CSMP=49,167,0,16"); err != nil {
			return "", fmt.Errorf("failed to select flash coding: %w", err)
		}
		defer d.g.Command(ctx, "+CSMP=49,167,0,0")
	}
	return d.g.SendSMS(ctx, number, text)
}

// SendUSSD runs one USSD session. With UCS2 encoding the code is hex
// encoded as UTF-16-BE on the way out and the response decoded the same
// way; a GSM 7-bit Euro escape in the decoded text is replaced with the
// literal sign so it survives the RPC layer.
func (d *gsmDevice) SendUSSD(ctx context.Context, code string) (string, error) {
	cusd, err := d.g.AddIndication("+CUSD:", 0)
	if err != nil {
		return "", fmt.Errorf("failed to register USSD indication: %w", err)
	}
	defer d.g.CancelIndication("+CUSD:")

	outbound := code
	if d.cfg.Encoding == config.EncodingUCS2 {
		outbound = strings.ToUpper(hex.EncodeToString(ucs2.Encode([]rune(code))))
		d.log.Debug().Str("plain", code).Str("ucs2", outbound).Msg("Sending USSD code.")
	} else {
		d.log.Debug().Str("code", code).Msg("Sending USSD code.")
	}

	if _, err := d.g.Command(ctx, `+CUSD=1,"`+outbound+`",15`); err != nil {
		return "", fmt.Errorf("failed to send USSD code: %w", err)
	}

	timeout := time.NewTimer(ussdTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		d.cancelUSSD()
		return "", ctx.Err()
	case <-timeout.C:
		d.cancelUSSD()
		return "", ErrUSSDTimeout
	case lines, ok := <-cusd:
		if !ok {
			return "", fmt.Errorf("modem closed during USSD session")
		}
		return d.decodeUSSD(lines)
	}
}

func (d *gsmDevice) cancelUSSD() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.g.Command(ctx, "+CUSD=2")
}

func (d *gsmDevice) decodeUSSD(lines []string) (string, error) {
	if len(lines) == 0 {
		return "", fmt.Errorf("empty USSD response")
	}
	m := cusdMessage.FindStringSubmatch(lines[0])
	if m == nil {
		return "", fmt.Errorf("unparseable USSD response %q", lines[0])
	}
	raw := m[1]

	if d.cfg.Encoding != config.EncodingUCS2 {
		return raw, nil
	}

	data, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode USSD response hex: %w", err)
	}
	d.log.Debug().Msg("USSD response bytes:\n" + hex.Dump(data))

	runes, err := ucs2.Decode(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode USSD response as UCS2: %w", err)
	}
	decoded := strings.ReplaceAll(string(runes), "\x1b\x65", "€")
	d.log.Debug().Str("response", decoded).Msg("Decoded USSD response.")
	return decoded, nil
}

func (d *gsmDevice) Incoming() <-chan IncomingMessage {
	return d.incoming
}

func (d *gsmDevice) DeliveryReports() <-chan DeliveryReport {
	return d.reports
}

func (d *gsmDevice) Closed() <-chan struct{} {
	return d.g.Closed()
}

func (d *gsmDevice) Close() error {
	return d.port.Close()
}
