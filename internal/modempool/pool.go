package modempool

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pentagridsec/smsgate/internal/health"
	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/modem"
	"github.com/pentagridsec/smsgate/internal/sms"
)

const (
	poolOutboxSize = 512

	// bufferLifetime is how long inbound SMS stay available to polling
	// clients before the cleanup drops them.
	bufferLifetime = 60 * time.Second

	// sentIndexLifetime bounds how long an undelivered SMS stays in the
	// sent index. Delivered entries leave earlier, when the sending
	// worker releases them during cleanup.
	sentIndexLifetime = time.Hour

	statsTimeLayout = "2006-01-02 15:04"
)

// WorkerStats is the per-SIM statistics record exposed over RPC.
type WorkerStats struct {
	PhoneNumber        string `json:"phone_number"`
	CurrentNetwork     string `json:"current_network"`
	CurrentSignal      int    `json:"current_signal"`
	Port               string `json:"port"`
	Status             string `json:"status"`
	Balance            string `json:"balance"`
	Currency           string `json:"currency"`
	Sent               int    `json:"sent"`
	Received           int    `json:"received"`
	HealthStateShort   string `json:"health_state_short"`
	HealthStateMessage string `json:"health_state_message"`
	InitCounter        int    `json:"init_counter"`
	LastInit           string `json:"last_init"`
	LastReceived       string `json:"last_received"`
	LastSent           string `json:"last_sent"`
}

type sentEntry struct {
	identifier string
	recorded   time.Time
}

// Pool owns the registered workers. It is passive: the gateway loop
// drives ProcessOutgoing, CollectIncoming and HealthCheck.
type Pool struct {
	log            *zerolog.Logger
	router         *Router
	healthInterval time.Duration
	notify         func()

	outbox chan *sms.SMS

	mu              sync.Mutex
	workers         map[string]Worker
	identifiers     []string
	sent            map[string]int
	received        map[string]int
	sentIndex       map[string]sentEntry
	buffered        map[string][]*sms.SMS
	healthState     health.State
	healthLogs      string
	lastHealthCheck time.Time
}

func NewPool(healthInterval time.Duration) *Pool {
	return &Pool{
		log:            logging.Component("modempool"),
		router:         NewRouter(),
		healthInterval: healthInterval,
		notify:         func() {},
		outbox:         make(chan *sms.SMS, poolOutboxSize),
		workers:        make(map[string]Worker),
		sent:           make(map[string]int),
		received:       make(map[string]int),
		sentIndex:      make(map[string]sentEntry),
		buffered:       make(map[string][]*sms.SMS),
		healthState:    health.OK,
	}
}

// SetNotify registers a callback raised whenever an SMS enters the
// pool's outgoing queue.
func (p *Pool) SetNotify(notify func()) {
	if notify != nil {
		p.notify = notify
	}
}

// Add registers a worker and its routes. Disabled SIM sections never
// reach the pool.
func (p *Pool) Add(w Worker) {
	id := w.Identifier()
	p.mu.Lock()
	p.workers[id] = w
	p.identifiers = append(p.identifiers, id)
	p.sent[id] = 0
	p.received[id] = 0
	p.mu.Unlock()
	p.router.Add(w)
}

// Identifiers returns the registered identifiers in registration order.
func (p *Pool) Identifiers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.identifiers...)
}

// WorkerByIdentifier looks a worker up by its SIM section name.
func (p *Pool) WorkerByIdentifier(identifier string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[identifier]
	return w, ok
}

// IdentifiersForPhoneNumber returns the identifiers whose SIM owns the
// given number. An empty number matches every worker.
func (p *Pool) IdentifiersForPhoneNumber(phone string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if phone == "" {
		return append([]string(nil), p.identifiers...)
	}
	var ids []string
	for _, id := range p.identifiers {
		if p.workers[id].PhoneNumber() == phone {
			ids = append(ids, id)
		}
	}
	return ids
}

// SendSMS accepts an SMS into the pool's outgoing queue and returns
// its id. Routing happens asynchronously in ProcessOutgoing.
func (p *Pool) SendSMS(s *sms.SMS) string {
	select {
	case p.outbox <- s:
		p.log.Info().Str("sms_id", s.ID).Str("recipient", s.Recipient).Msg("Put SMS in queue.")
		p.notify()
	default:
		p.log.Error().Str("sms_id", s.ID).Msg("Outgoing queue is full. Dropping SMS.")
	}
	return s.ID
}

// ProcessOutgoing drains the outgoing queue, assigning each SMS to a
// worker.
func (p *Pool) ProcessOutgoing() {
	for {
		select {
		case s := <-p.outbox:
			p.routeOutbound(s)
		default:
			return
		}
	}
}

// routeOutbound picks the worker for one SMS. A sender number that
// belongs to one of our SIMs pins the SMS to that worker as long as it
// is healthy; otherwise the prefix router decides.
func (p *Pool) routeOutbound(s *sms.SMS) {
	var target Worker
	if s.HasSender() {
		if ids := p.IdentifiersForPhoneNumber(s.Sender); len(ids) > 0 {
			w, _ := p.WorkerByIdentifier(ids[0])
			if w != nil && w.Healthy() {
				target = w
			} else {
				p.log.Warn().Str("sender", s.Sender).
					Msg("Modem for sender number is not healthy. Falling back to routing by recipient.")
			}
		}
	}
	if target == nil {
		target = p.router.Route(s.Recipient)
	}
	if target == nil {
		p.log.Error().Str("sms_id", s.ID).Str("recipient", s.Recipient).
			Msg("Can't send SMS. There is no modem that serves this recipient.")
		return
	}

	if err := target.EnqueueSMS(s); err != nil {
		p.log.Error().Err(err).Str("sms_id", s.ID).Msg("Failed to queue SMS on modem.")
		return
	}

	p.mu.Lock()
	p.sentIndex[s.ID] = sentEntry{identifier: target.Identifier(), recorded: time.Now()}
	p.sent[target.Identifier()]++
	p.mu.Unlock()

	p.log.Info().Str("sms_id", s.ID).Str("modem", target.Identifier()).Msg("Routed SMS to modem.")
}

// CollectIncoming drains every worker's inbound queue. The messages
// are buffered for polling clients and returned for mail forwarding.
func (p *Pool) CollectIncoming() []*sms.SMS {
	var collected []*sms.SMS
	for _, id := range p.Identifiers() {
		w, ok := p.WorkerByIdentifier(id)
		if !ok {
			continue
		}
	drain:
		for {
			select {
			case s := <-w.Inbound():
				p.mu.Lock()
				p.buffered[id] = append(p.buffered[id], s)
				p.received[id]++
				p.mu.Unlock()
				collected = append(collected, s)
			default:
				break drain
			}
		}
	}
	return collected
}

// BufferedSMS returns the inbound SMS currently buffered for a worker.
// Entries expire after bufferLifetime.
func (p *Pool) BufferedSMS(identifier string) []*sms.SMS {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sms.SMS(nil), p.buffered[identifier]...)
}

// DeliveryStatus reports whether an SMS accepted via SendSMS reached
// the network, as far as the sending modem knows.
func (p *Pool) DeliveryStatus(smsID string) bool {
	p.mu.Lock()
	entry, ok := p.sentIndex[smsID]
	var w Worker
	if ok {
		w = p.workers[entry.identifier]
	}
	p.mu.Unlock()
	if !ok || w == nil {
		return false
	}
	return w.DeliveryStatus(smsID)
}

// cleanup releases sent index entries for delivered SMS and expires
// buffered inbound SMS. Entries whose delivery was never confirmed
// fall out after sentIndexLifetime so lost status reports cannot grow
// the index without bound.
func (p *Pool) cleanup() {
	now := time.Now()

	p.mu.Lock()
	type pending struct {
		w        Worker
		id       string
		recorded time.Time
	}
	sent := make([]pending, 0, len(p.sentIndex))
	for id, entry := range p.sentIndex {
		sent = append(sent, pending{w: p.workers[entry.identifier], id: id, recorded: entry.recorded})
	}
	p.mu.Unlock()

	var drop []string
	for _, e := range sent {
		if e.w != nil && e.w.ForgetSMS(e.id) {
			drop = append(drop, e.id)
		} else if now.Sub(e.recorded) > sentIndexLifetime {
			drop = append(drop, e.id)
		}
	}

	p.mu.Lock()
	for _, id := range drop {
		delete(p.sentIndex, id)
	}
	for wid, list := range p.buffered {
		var kept []*sms.SMS
		for _, s := range list {
			if s.Age() <= bufferLifetime {
				kept = append(kept, s)
			} else {
				p.log.Debug().Str("sms_id", s.ID).Msg("Removing old SMS from receive buffer.")
			}
		}
		if len(kept) == 0 {
			delete(p.buffered, wid)
		} else {
			p.buffered[wid] = kept
		}
	}
	p.mu.Unlock()
}

// HealthCheck aggregates worker health when a check is due: on the
// first call, while degraded, or after the configured interval.
func (p *Pool) HealthCheck() {
	p.mu.Lock()
	due := p.lastHealthCheck.IsZero() ||
		p.healthState != health.OK ||
		time.Since(p.lastHealthCheck) >= p.healthInterval
	p.mu.Unlock()

	if due {
		p.runHealthCheck()
	}
}

func (p *Pool) runHealthCheck() {
	p.log.Info().Msg("Run health check for modem pool.")

	p.mu.Lock()
	p.lastHealthCheck = time.Now()
	ids := append([]string(nil), p.identifiers...)
	p.mu.Unlock()

	if len(ids) == 0 {
		p.setHealth(health.Critical, "There are no modems in the modem pool.")
		p.cleanup()
		return
	}

	states := make([]health.State, 0, len(ids))
	var logs []string
	for _, id := range ids {
		w, ok := p.WorkerByIdentifier(id)
		if !ok {
			continue
		}
		state, msg := w.HealthState()
		states = append(states, state)
		if state != health.OK {
			logs = append(logs, state.String()+": "+msg)
		}
	}

	p.setHealth(health.Highest(states), strings.Join(logs, ";"))
	p.cleanup()
}

func (p *Pool) setHealth(state health.State, logs string) {
	p.mu.Lock()
	p.healthState = state
	p.healthLogs = logs
	p.mu.Unlock()
	if state != health.OK {
		p.log.Warn().Str("state", state.String()).Str("problems", logs).Msg("Modem pool is degraded.")
	}
}

// HealthState returns the aggregated pool health and the joined
// problem messages of degraded workers.
func (p *Pool) HealthState() (health.State, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthState, p.healthLogs
}

// Stats returns the statistics record for every worker.
func (p *Pool) Stats() map[string]WorkerStats {
	p.mu.Lock()
	ids := append([]string(nil), p.identifiers...)
	sent := make(map[string]int, len(p.sent))
	for k, v := range p.sent {
		sent[k] = v
	}
	received := make(map[string]int, len(p.received))
	for k, v := range p.received {
		received[k] = v
	}
	p.mu.Unlock()

	stats := make(map[string]WorkerStats, len(ids))
	for _, id := range ids {
		w, ok := p.WorkerByIdentifier(id)
		if !ok {
			continue
		}
		snap := w.Snapshot()
		stats[id] = WorkerStats{
			PhoneNumber:        snap.PhoneNumber,
			CurrentNetwork:     snap.Network,
			CurrentSignal:      modem.RSSIToDBm(snap.RSSI),
			Port:               snap.Port,
			Status:             snap.Status,
			Balance:            formatBalance(snap.Balance),
			Currency:           snap.Currency,
			Sent:               sent[id],
			Received:           received[id],
			HealthStateShort:   snap.Health.String(),
			HealthStateMessage: snap.HealthMsg,
			InitCounter:        snap.InitCounter,
			LastInit:           formatStatsTime(snap.LastInit),
			LastReceived:       formatStatsTime(snap.LastReceived),
			LastSent:           formatStatsTime(snap.LastSent),
		}
	}
	return stats
}

func formatBalance(balance *float64) string {
	if balance == nil {
		return ""
	}
	return strconv.FormatFloat(*balance, 'f', -1, 64)
}

func formatStatsTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(statsTimeLayout)
}
