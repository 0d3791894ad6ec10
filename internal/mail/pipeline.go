package mail

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/sms"
)

const (
	queueSize          = 256
	healthPollInterval = 10 * time.Second
	retryDelay         = 30 * time.Second
)

// Deliverer sends one SMS by mail and keeps its own health state.
type Deliverer interface {
	Send(s *sms.SMS, recipient string) error
	HealthCheck()
}

// Pipeline queues inbound SMS and forwards them through a Deliverer.
// Messages for a modem with a configured E-mail address go there, the
// rest to the default recipient. Failed deliveries are retried.
type Pipeline struct {
	cfg         *config.MailConfig
	relay       Deliverer
	workerEmail map[string]string
	log         *zerolog.Logger

	pollInterval time.Duration
	retryDelay   time.Duration

	queue chan *sms.SMS
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewPipeline creates a pipeline over the given deliverer. workerEmail
// maps modem identifiers to per-modem recipient addresses.
func NewPipeline(cfg *config.MailConfig, relay Deliverer, workerEmail map[string]string) *Pipeline {
	if workerEmail == nil {
		workerEmail = make(map[string]string)
	}
	return &Pipeline{
		cfg:          cfg,
		relay:        relay,
		workerEmail:  workerEmail,
		log:          logging.Component("mail"),
		pollInterval: healthPollInterval,
		retryDelay:   retryDelay,
		queue:        make(chan *sms.SMS, queueSize),
		stop:         make(chan struct{}),
	}
}

// Enqueue hands an SMS to the pipeline without blocking.
func (p *Pipeline) Enqueue(s *sms.SMS) {
	select {
	case p.queue <- s:
	default:
		p.log.Error().Str("sms_id", s.ID).Msg("Mail queue is full. Dropping SMS.")
	}
}

// Start launches the delivery loop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.run(ctx)

	p.log.Info().Msg("Mail pipeline started")
	return nil
}

// Stop terminates the delivery loop and waits for it to finish.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("Mail pipeline stopped")
}

func (p *Pipeline) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case s := <-p.queue:
			p.deliver(ctx, s)
		case <-time.After(p.pollInterval):
			p.relay.HealthCheck()
		}
	}
}

// deliver forwards one SMS. On failure the SMS goes back into the
// queue and the loop backs off before the next attempt. Delivery is
// preferred over health checks: as long as mails go out, the relay is
// evidently fine, and when delivery fails we have to wait anyway.
func (p *Pipeline) deliver(ctx context.Context, s *sms.SMS) {
	p.log.Info().Str("sms_id", s.ID).Msg("Event in SMS-to-Mail delivery queue.")

	recipient := p.cfg.Recipient
	if addr, ok := p.workerEmail[s.ReceivingWorker]; ok && addr != "" {
		recipient = addr
	}
	p.log.Debug().
		Str("sms_id", s.ID).
		Str("recipient", recipient).
		Msg("Try to deliver SMS via E-mail.")

	if err := p.relay.Send(s, recipient); err != nil {
		p.log.Info().
			Str("sms_id", s.ID).
			Msg("There was an error delivering the SMS. Put SMS back into queue and wait.")
		p.requeue(s)
		p.relay.HealthCheck()
		p.sleep(ctx, p.retryDelay)
		return
	}

	p.log.Info().Str("sms_id", s.ID).Msg("E-mail was accepted by SMTP server.")
}

func (p *Pipeline) requeue(s *sms.SMS) {
	select {
	case p.queue <- s:
	default:
		p.log.Error().Str("sms_id", s.ID).Msg("Mail queue is full. Dropping undelivered SMS.")
	}
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.stop:
	case <-time.After(d):
	}
}
