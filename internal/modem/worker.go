package modem

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/health"
	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/serialmap"
	"github.com/pentagridsec/smsgate/internal/sms"
)

const (
	outboxSize = 128
	inboxSize  = 128

	// queuePollInterval is how long the worker waits for outbound SMS
	// before it considers running a health check.
	queuePollInterval = 60 * time.Second

	smsDeliverTimeout  = 30 * time.Second
	networkWaitTimeout = 120 * time.Second
	queryTimeout       = 10 * time.Second

	// portSettleDelay gives a freshly probed modem time to recover
	// before the real connection is opened.
	portSettleDelay = 10 * time.Second

	// maxPortJitter spreads concurrent port scans of parallel workers.
	maxPortJitter = 15 * time.Second

	reinitDelayMin = 30 * time.Second
	reinitDelayMax = 5 * time.Minute

	// sentRetention bounds how long a sent SMS without a delivery
	// report stays in the bookkeeping.
	sentRetention = 24 * time.Hour
)

type sentRecord struct {
	reference string
	sent      time.Time
	delivered bool
}

// Snapshot is a point-in-time copy of the worker state for statistics.
type Snapshot struct {
	PhoneNumber  string
	Network      string
	RSSI         int
	Port         string
	Status       string
	Balance      *float64
	Currency     string
	Health       health.State
	HealthMsg    string
	InitCounter  int
	LastInit     time.Time
	LastReceived time.Time
	LastSent     time.Time
}

// Worker owns one modem. It initializes the device, finds its serial
// port across USB renumberings, serializes outbound sending, converts
// inbound deliveries to SMS records and keeps its own health state.
type Worker struct {
	cfg    *config.ModemConfig
	phone  string
	mapper *serialmap.Mapper
	log    *zerolog.Logger

	// replaced in tests
	openDevice  func(cfg *config.ModemConfig, port string) (Device, error)
	probe       func(port string, baud int) (string, error)
	settleDelay time.Duration
	portJitter  time.Duration
	now         func() time.Time

	balanceRe *regexp.Regexp
	notify    func()
	onFatal   func(error)

	outbox chan *sms.SMS
	inbox  chan *sms.SMS

	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	mu              sync.Mutex
	device          Device
	currentPort     string
	status          string
	network         string
	rssi            int
	balance         *float64
	sentSMS         map[string]*sentRecord
	healthState     health.State
	healthMsg       string
	lastHealthCheck time.Time
	expectedToken   string
	initCounter     int
	lastInit        time.Time
	lastReceived    time.Time
	lastSent        time.Time
	fatal           bool
}

// NewWorker creates a worker for one SIM card section. Start must be
// called before the worker does anything.
func NewWorker(cfg *config.ModemConfig, mapper *serialmap.Mapper) *Worker {
	w := &Worker{
		cfg:         cfg,
		phone:       sms.CleanPhoneNumber(cfg.PhoneNumber),
		mapper:      mapper,
		log:         logging.Component("worker/" + cfg.Identifier),
		openDevice:  Open,
		probe:       ProbeIMEI,
		settleDelay: portSettleDelay,
		portJitter:  maxPortJitter,
		now:         time.Now,
		notify:      func() {},
		onFatal:     func(error) {},
		outbox:      make(chan *sms.SMS, outboxSize),
		inbox:       make(chan *sms.SMS, inboxSize),
		stop:        make(chan struct{}),
		sentSMS:     make(map[string]*sentRecord),
		healthState: health.OK,
	}
	if cfg.BalanceRegexp != "" {
		w.balanceRe, _ = regexp.Compile(cfg.BalanceRegexp)
	}
	return w
}

// Identifier returns the configured modem label.
func (w *Worker) Identifier() string { return w.cfg.Identifier }

// PhoneNumber returns the SIM card's own number in cleaned form.
func (w *Worker) PhoneNumber() string { return w.phone }

// Prefixes returns the destination prefixes this SIM serves.
func (w *Worker) Prefixes() []string { return w.cfg.Prefixes }

// Costs returns the price of one SMS for routing decisions.
func (w *Worker) Costs() float64 { return w.cfg.CostsPerSMS }

// EmailAddress returns the per-SIM forwarding address, if any.
func (w *Worker) EmailAddress() string { return w.cfg.EmailAddress }

// SetNotify registers a callback raised for every inbound SMS.
func (w *Worker) SetNotify(notify func()) {
	if notify != nil {
		w.notify = notify
	}
}

// SetFatal registers a callback raised when the worker hits a
// condition the whole process must stop for, such as an incorrect SIM
// PIN that must not be retried.
func (w *Worker) SetFatal(fatal func(error)) {
	if fatal != nil {
		w.onFatal = fatal
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop shuts the worker down and closes the device.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stop)
	w.wg.Wait()
}

// EnqueueSMS hands an SMS to the worker for sending.
func (w *Worker) EnqueueSMS(s *sms.SMS) error {
	select {
	case w.outbox <- s:
		w.mu.Lock()
		w.lastSent = time.Now()
		w.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("outgoing queue of modem %s is full", w.cfg.Identifier)
	}
}

// Inbound delivers SMS received by this modem.
func (w *Worker) Inbound() <-chan *sms.SMS {
	return w.inbox
}

// DeliveryStatus reports whether the network confirmed delivery of an
// SMS to its recipient. Unknown ids report false.
func (w *Worker) DeliveryStatus(smsID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.sentSMS[smsID]
	return ok && rec.delivered
}

// ForgetSMS drops delivery bookkeeping for a delivered SMS id. Ids
// that are unknown or still awaiting their delivery report are kept
// and reported false.
func (w *Worker) ForgetSMS(smsID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec, ok := w.sentSMS[smsID]; ok && rec.delivered {
		delete(w.sentSMS, smsID)
		return true
	}
	return false
}

// HealthState returns the worker's health and a message describing the
// problem, if any.
func (w *Worker) HealthState() (health.State, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthState, w.healthMsg
}

// Healthy reports whether the worker may be used for routing.
func (w *Worker) Healthy() bool {
	state, _ := w.HealthState()
	return state == health.OK
}

// SendUSSD runs a USSD session on this modem and returns the decoded
// response.
func (w *Worker) SendUSSD(ctx context.Context, code string) (string, error) {
	dev := w.currentDevice()
	if dev == nil {
		return "", fmt.Errorf("modem %s is not initialized", w.cfg.Identifier)
	}
	w.setStatus("Send USSD.")
	resp, err := dev.SendUSSD(ctx, code)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to send USSD message.")
		return "", err
	}
	w.setStatus("Ready.")
	return resp, nil
}

// Snapshot returns a copy of the worker state for statistics.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		PhoneNumber:  w.phone,
		Network:      w.network,
		RSSI:         w.rssi,
		Port:         w.currentPort,
		Status:       w.status,
		Balance:      w.balance,
		Currency:     w.cfg.Currency,
		Health:       w.healthState,
		HealthMsg:    w.healthMsg,
		InitCounter:  w.initCounter,
		LastInit:     w.lastInit,
		LastReceived: w.lastReceived,
		LastSent:     w.lastSent,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer w.closeDevice()

	b := &backoff.Backoff{
		Min:    reinitDelayMin,
		Max:    reinitDelayMax,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		if w.currentDevice() == nil {
			if w.isFatal() {
				select {
				case <-ctx.Done():
				case <-w.stop:
				}
				return
			}
			if err := w.initialize(ctx); err != nil {
				w.log.Error().Err(err).
					Msg("Initialization failed. This may mean the modem was lost. Reinitializing modem.")
				w.runHealthCheck(ctx, true)
				if w.isFatal() {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-w.stop:
					return
				case <-time.After(b.Duration()):
				}
				continue
			}
			b.Reset()
			w.logModemInfo(ctx)
		}

		w.serve(ctx)
	}
}

// serve is the steady-state loop: wait for outbound SMS, inbound
// deliveries or an idle timeout, then consider a health check. It
// returns when the device is lost or the worker stops.
func (w *Worker) serve(ctx context.Context) {
	dev := w.currentDevice()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case s := <-w.outbox:
			if err := w.deliver(ctx, dev, s); err != nil {
				w.handleDeviceLost(ctx)
				return
			}
		case m, ok := <-dev.Incoming():
			if !ok {
				w.handleDeviceLost(ctx)
				return
			}
			w.handleIncoming(m)
		case r, ok := <-dev.DeliveryReports():
			if !ok {
				w.handleDeviceLost(ctx)
				return
			}
			w.handleDeliveryReport(r)
		case <-dev.Closed():
			w.handleDeviceLost(ctx)
			return
		case <-time.After(queuePollInterval):
		}

		w.runHealthCheck(ctx, false)
	}
}

// deliver sends one SMS. Any error is treated as a hung or lost
// modem: the message is dropped and the caller closes the handle and
// reinitializes. A modem that times out on a send cannot be trusted
// to answer the next command either.
func (w *Worker) deliver(ctx context.Context, dev Device, s *sms.SMS) error {
	w.setStatus("Send SMS.")

	sctx, cancel := context.WithTimeout(ctx, smsDeliverTimeout)
	defer cancel()

	mr, err := dev.SendSMS(sctx, s.Recipient, s.Text, s.Flash)
	if err != nil {
		w.log.Error().Err(err).Str("sms_id", s.ID).Msg("Failed to send SMS.")
		return err
	}

	w.mu.Lock()
	w.sentSMS[s.ID] = &sentRecord{reference: mr, sent: time.Now()}
	w.mu.Unlock()

	w.log.Info().Str("sms_id", s.ID).Str("reference", mr).Msg("SMS accepted for delivery.")
	return nil
}

func (w *Worker) handleIncoming(m IncomingMessage) {
	w.log.Info().Msg("== SMS message received ==")

	w.mu.Lock()
	w.lastReceived = time.Now()
	token := w.expectedToken
	network := w.network
	w.mu.Unlock()

	if token != "" && strings.Contains(m.Text, token) {
		w.log.Info().Msg("Modem received expected health SMS.")
		w.mu.Lock()
		w.expectedToken = ""
		w.mu.Unlock()
	}

	s := sms.NewInbound(m.Sender, w.phone, m.Text, m.Received, w.cfg.Identifier, network)
	w.log.Debug().Msg(s.Render(false))

	select {
	case w.inbox <- s:
		w.log.Info().Str("sms_id", s.ID).Msg("Put SMS in queue.")
		w.notify()
	default:
		w.log.Warn().Str("sms_id", s.ID).Msg("Inbound queue is full. Dropping SMS.")
	}
}

// handleDeliveryReport matches a status report against the in-flight
// sends by message reference.
func (w *Worker) handleDeliveryReport(r DeliveryReport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, rec := range w.sentSMS {
		if rec.reference == r.Reference {
			if r.Delivered {
				rec.delivered = true
				w.log.Info().Str("sms_id", id).Msg("SMS was delivered.")
			} else {
				w.log.Warn().Str("sms_id", id).Msg("Network reported a failed SMS delivery.")
			}
			return
		}
	}
	w.log.Debug().Str("reference", r.Reference).Msg("Status report for unknown SMS.")
}

func (w *Worker) handleDeviceLost(ctx context.Context) {
	w.log.Error().Msg("Timeout occurred or modem lost. Reinitializing modem.")
	w.setStatus("Timeout.")
	w.closeDevice()
	w.runHealthCheck(ctx, true)
}

// initialize finds the serial port, opens the device and brings it to
// a ready state.
func (w *Worker) initialize(ctx context.Context) error {
	w.mu.Lock()
	w.network = ""
	w.rssi = 0
	w.mu.Unlock()

	w.setStatus("Try to initialize modem.")
	w.log.Info().Msg("Initializing modem.")

	port := w.knownPort()
	if port != "" && w.cfg.IMEI != "" {
		w.setStatus("Check port renumbering.")
		if !w.portMatches(port) {
			w.setStatus("Port was renumbered. Reinitializing.")
			w.setPort("")
			port = ""
		}
	}

	if port == "" {
		w.setStatus("Try finding port.")
		found, err := w.findPort(ctx)
		if err != nil {
			w.setStatus("Failed finding port.")
			w.log.Error().Err(err).
				Msgf("Problem: Can't find a port %s that matches IMEI %s.", w.cfg.Port, w.cfg.IMEI)
			return err
		}
		port = found
		w.setPort(port)
	}

	w.setStatus(fmt.Sprintf("Finally initializing port %s.", port))
	if !w.sleep(ctx, w.settleDelay) {
		return ctx.Err()
	}

	dev, err := w.openDevice(w.cfg, port)
	if err != nil {
		w.setStatus("Error finally opening port.")
		return err
	}
	w.setStatus(fmt.Sprintf("Port %s successfully opened.", port))

	w.setStatus("Connecting to modem.")
	if err := dev.Init(ctx); err != nil {
		dev.Close()
		switch {
		case errors.Is(err, ErrPINRequired):
			w.setStatus("Error: SIM PIN required.")
			w.log.Error().Msg("SIM card PIN required. Please specify a PIN.")
		case IsFatalInitError(err):
			w.setStatus("Error: Incorrect SIM PIN.")
			w.log.Error().Msg("Incorrect SIM card PIN entered. Stopping this modem to not accidentally enter it twice.")
			w.markFatal(err)
		}
		return err
	}

	w.setStatus("Waiting for network.")
	nctx, cancel := context.WithTimeout(ctx, networkWaitTimeout)
	err = dev.WaitForNetwork(nctx)
	cancel()
	if err != nil {
		w.setStatus("Error: Failed to connect to network.")
		w.log.Error().Msg("Failed to connect to network. Bad signal?")
		dev.Close()
		return err
	}
	w.setStatus("Network found.")

	if err := w.deleteStored(ctx, dev); err != nil {
		w.log.Warn().Err(err).Msg("Failed to delete stored SMS.")
	}

	w.mu.Lock()
	w.device = dev
	w.status = "Ready."
	w.initCounter++
	w.lastInit = time.Now()
	w.healthState = health.OK
	w.healthMsg = ""
	w.mu.Unlock()

	return nil
}

func (w *Worker) deleteStored(ctx context.Context, dev Device) error {
	dctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return dev.DeleteStoredSMS(dctx, false)
}

// findPort resolves the configured port spec to a concrete device
// file. Wildcard specs are resolved by probing candidates for the
// expected IMEI, preferring the port remembered from earlier runs.
func (w *Worker) findPort(ctx context.Context) (string, error) {
	if !w.cfg.WildcardPort() {
		return w.cfg.Port, nil
	}

	// Spread the scans, otherwise all workers grab the same candidate
	// files at once.
	if w.portJitter > 0 {
		if !w.sleep(ctx, time.Duration(rand.Int63n(int64(w.portJitter)))) {
			return "", ctx.Err()
		}
	}

	if port, ok := w.mapper.Port(w.cfg.IMEI); ok {
		if w.portMatches(port) {
			return port, nil
		}
	}

	candidates, err := filepath.Glob(w.cfg.Port)
	if err != nil {
		return "", fmt.Errorf("bad port pattern %q: %w", w.cfg.Port, err)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, cand := range candidates {
		w.log.Info().Msgf("Try to find correct port. Will open %s.", cand)
		w.setStatus(fmt.Sprintf("Try port %s.", cand))

		imei, err := w.probe(cand, w.cfg.Baud)
		if err != nil {
			w.log.Debug().Err(err).Str("port", cand).Msg("Probe failed.")
			continue
		}

		// Remember every identified modem, including foreign ones.
		// That saves the other workers a scan.
		w.mapper.SetPort(imei, cand)

		if imei == w.cfg.IMEI {
			w.setStatus(fmt.Sprintf("Port %s found.", cand))
			return cand, nil
		}
		w.log.Debug().Str("port", cand).Str("imei", imei).Msg("Unexpected modem at port.")
	}

	return "", fmt.Errorf("no modem with IMEI %s found for pattern %q", w.cfg.IMEI, w.cfg.Port)
}

// portMatches probes a known port and checks it still holds the modem
// with the expected IMEI.
func (w *Worker) portMatches(port string) bool {
	imei, err := w.probe(port, w.cfg.Baud)
	if err != nil {
		return false
	}
	w.mapper.SetPort(imei, port)
	return imei == w.cfg.IMEI
}

// logModemInfo queries and logs the modem identity after a successful
// initialization. It also seeds the network name and signal strength.
func (w *Worker) logModemInfo(ctx context.Context) {
	dev := w.currentDevice()
	if dev == nil {
		return
	}

	qctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	orNA := func(s string, err error) string {
		if err != nil || s == "" {
			return "N/A"
		}
		return s
	}

	manufacturer := orNA(dev.Manufacturer(qctx))
	model := orNA(dev.Model(qctx))
	revision := orNA(dev.Revision(qctx))
	imei := orNA(dev.IMEI(qctx))
	imsi := orNA(dev.IMSI(qctx))
	smsc := orNA(dev.SMSC(qctx))
	network := orNA(dev.Operator(qctx))

	rssi, err := dev.SignalStrength(qctx)
	if err != nil {
		rssi = RSSIUnknown
	}

	w.mu.Lock()
	if network != "N/A" {
		w.network = strings.TrimSpace(network)
	}
	w.rssi = rssi
	port := w.currentPort
	w.mu.Unlock()

	w.log.Info().Msg("--------------------------------------------------------------------")
	w.log.Info().Msg("Modem port        : " + port)
	w.log.Info().Msg("Modem manufacturer: " + manufacturer)
	w.log.Info().Msg("Modem model       : " + model)
	w.log.Info().Msg("Modem revision    : " + revision)
	w.log.Info().Msg("IMEI              : " + imei)
	w.log.Info().Msg("IMSI              : " + imsi)
	w.log.Info().Msg("SMSC              : " + smsc)
	w.log.Info().Msg("Network           : " + network)
	w.log.Info().Msg("Signal strength   : " + strconv.Itoa(rssi))
}

// runHealthCheck triggers a health check when one is due: on the first
// call, when forced, when the state is not OK, or when the interval
// elapsed.
func (w *Worker) runHealthCheck(ctx context.Context, force bool) {
	w.mu.Lock()
	due := w.lastHealthCheck.IsZero() ||
		force ||
		w.healthState != health.OK ||
		time.Since(w.lastHealthCheck) >= w.cfg.HealthCheckInterval
	w.mu.Unlock()

	if !due {
		return
	}

	state, msg := w.healthCheck(ctx)

	w.mu.Lock()
	w.healthState = state
	w.healthMsg = msg
	w.mu.Unlock()
}

// healthCheck inspects the modem and SIM and returns the worker's
// health. The checks run from hard failures to soft ones so the most
// severe problem wins.
func (w *Worker) healthCheck(ctx context.Context) (health.State, string) {
	w.log.Info().Msg("Run health check for modem.")

	w.mu.Lock()
	w.lastHealthCheck = time.Now()
	for id, rec := range w.sentSMS {
		if time.Since(rec.sent) > sentRetention {
			delete(w.sentSMS, id)
		}
	}
	dev := w.device
	w.mu.Unlock()

	id := w.cfg.Identifier

	if dev == nil {
		if w.cfg.Enabled {
			return health.Critical, id + " No modem object."
		}
		return health.Warning, id + " No modem object."
	}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if man, err := dev.Manufacturer(qctx); err != nil || man == "" {
		return health.Critical, id + " Failed to communicate with modem to detect manufacturer."
	}
	if imsi, err := dev.IMSI(qctx); err != nil || imsi == "" {
		return health.Critical, id + " There is no IMSI."
	}
	if smsc, err := dev.SMSC(qctx); err != nil || smsc == "" {
		return health.Critical, id + " No SMSC set."
	}

	rssi, err := dev.SignalStrength(qctx)
	if err != nil {
		rssi = RSSIUnknown
	}
	w.mu.Lock()
	w.rssi = rssi
	w.mu.Unlock()

	if !SignalKnown(rssi) {
		return health.Warning, id + " Unknown signal strength."
	}
	if rssi <= 1 {
		return health.Critical, id + " Weak signal strength."
	}
	if rssi <= 5 {
		return health.Warning, id + " Weak signal strength."
	}

	// Balance checks fail frequently, so only a successfully read
	// balance can degrade the state.
	if w.cfg.BalanceUSSD != "" && w.balanceRe != nil {
		if balance, ok := w.refreshBalance(ctx); ok {
			if state, msg := w.checkBalanceThresholds(balance); state != health.OK {
				return state, msg
			}
		}
	}

	if state, msg := w.checkSelfTest(); state != health.OK {
		return state, msg
	}

	w.setStatus("Ready.")
	return health.OK, ""
}

func (w *Worker) checkBalanceThresholds(balance float64) (health.State, string) {
	cur := w.cfg.Currency
	if balance < w.cfg.BalanceCritical {
		msg := fmt.Sprintf("Modem[%s]: Critical: Account balance of %v %s is lower than threshold of %v %s.",
			w.cfg.Identifier, balance, cur, w.cfg.BalanceCritical, cur)
		w.log.Warn().Msg(msg)
		return health.Critical, msg
	}
	if balance < w.cfg.BalanceWarning {
		msg := fmt.Sprintf("Modem[%s]: Warning: Account balance of %v %s is lower than threshold of %v %s.",
			w.cfg.Identifier, balance, cur, w.cfg.BalanceWarning, cur)
		w.log.Warn().Msg(msg)
		return health.Warning, msg
	}
	return health.OK, ""
}

// checkSelfTest sends an SMS to the worker's own number on the
// configured schedule and degrades health when the loopback message
// never arrives.
func (w *Worker) checkSelfTest() (health.State, string) {
	now := w.now()

	dayMatches := false
	switch w.cfg.SelfTestInterval {
	case config.SelfTestMonthly:
		dayMatches = now.Day() == 1
	case config.SelfTestWeekly:
		dayMatches = now.Weekday() == time.Monday
	default:
		dayMatches = true
	}
	if !dayMatches {
		return health.OK, ""
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sinceMidnight := now.Sub(midnight)
	w.log.Info().Msgf("Day for the SMS self test matches. There are %.0f seconds since midnight.",
		sinceMidnight.Seconds())

	w.mu.Lock()
	pending := w.expectedToken != ""
	w.mu.Unlock()

	switch {
	case sinceMidnight <= w.cfg.HealthCheckInterval:
		w.log.Info().Msg("Send test SMS to ourself.")
		w.sendTestSMS()
	case pending && sinceMidnight <= 2*w.cfg.HealthCheckInterval:
		w.log.Info().Msg("Send second test SMS to ourself, because last one was not received.")
		w.sendTestSMS()
	case pending:
		w.log.Info().Msg("Failed to receive the test SMS. There is a problem.")
		return health.Warning, w.cfg.Identifier + " Failed to send test SMS to oneself."
	}
	return health.OK, ""
}

func (w *Worker) sendTestSMS() {
	s := sms.New(w.phone, w.phone, "")
	s.Text = "health-check-" + s.ID

	w.mu.Lock()
	w.expectedToken = s.Text
	w.mu.Unlock()

	if err := w.EnqueueSMS(s); err != nil {
		w.log.Warn().Err(err).Msg("Failed to queue test SMS.")
	}
}

// refreshBalance queries the account balance via USSD and parses it
// with the configured expression.
func (w *Worker) refreshBalance(ctx context.Context) (float64, bool) {
	response, err := w.SendUSSD(ctx, w.cfg.BalanceUSSD)
	if err != nil {
		return 0, false
	}

	w.log.Debug().Msgf("Applying regexp [%s]", w.cfg.BalanceRegexp)
	m := w.balanceRe.FindStringSubmatch(response)
	if m == nil || len(m) < 2 {
		w.log.Error().Msgf("Regular expression [%s] failed for string [%s]",
			w.cfg.BalanceRegexp, response)
		return 0, false
	}

	value := strings.ReplaceAll(m[1], ",", ".")
	balance, err := strconv.ParseFloat(value, 64)
	if err != nil {
		w.log.Error().Msgf("Failed to parse balance value [%s]", value)
		return 0, false
	}
	w.log.Debug().Msgf("Balance: %v %s", balance, w.cfg.Currency)

	w.mu.Lock()
	w.balance = &balance
	w.mu.Unlock()

	return balance, true
}

func (w *Worker) currentDevice() Device {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.device
}

func (w *Worker) closeDevice() {
	w.mu.Lock()
	dev := w.device
	w.device = nil
	w.mu.Unlock()
	if dev != nil {
		dev.Close()
	}
}

func (w *Worker) knownPort() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPort
}

func (w *Worker) setPort(port string) {
	w.mu.Lock()
	w.currentPort = port
	w.mu.Unlock()
}

func (w *Worker) setStatus(status string) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (w *Worker) isFatal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

func (w *Worker) markFatal(err error) {
	w.mu.Lock()
	w.fatal = true
	w.mu.Unlock()
	w.onFatal(fmt.Errorf("modem %s: %w", w.cfg.Identifier, err))
}

// sleep waits for the duration unless the worker stops first. It
// reports whether the full duration elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-w.stop:
		return false
	case <-time.After(d):
		return true
	}
}
