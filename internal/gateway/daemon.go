// Package gateway assembles the service from its parts: the modem
// workers, the pool, the mail pipeline, the serial port mapper and the
// RPC endpoint, all driven by one supervisor loop.
package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/health"
	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/mail"
	"github.com/pentagridsec/smsgate/internal/modem"
	"github.com/pentagridsec/smsgate/internal/modempool"
	"github.com/pentagridsec/smsgate/internal/rpc"
	"github.com/pentagridsec/smsgate/internal/serialmap"
	"github.com/pentagridsec/smsgate/internal/sms"
)

// Daemon owns the running gateway.
type Daemon struct {
	cfg *config.Config
	log *zerolog.Logger

	event    *Event
	fatal    chan error
	mapper   *serialmap.Mapper
	pool     *modempool.Pool
	workers  []*modem.Worker
	relay    *mail.Relay
	pipeline *mail.Pipeline
	server   *rpc.Server
}

// New builds the daemon from the server configuration and the SIM card
// sections. Disabled SIM sections are skipped. Workers are created but
// not started; Run brings everything up.
func New(cfg *config.Config, modems []*config.ModemConfig) *Daemon {
	d := &Daemon{
		cfg:   cfg,
		log:   logging.Component("gateway"),
		event: NewEvent(),
		fatal: make(chan error, 1),
	}

	d.mapper = serialmap.New(cfg.Pool.SerialPortsHintFile)

	d.pool = modempool.NewPool(cfg.Pool.HealthCheckInterval)
	d.pool.SetNotify(d.event.Raise)

	d.log.Info().Msg("Initializing modem pool.")
	for _, mc := range modems {
		if !mc.Enabled {
			d.log.Info().Str("modem", mc.Identifier).Msg("Modem is disabled. Skipping.")
			continue
		}
		d.log.Info().Str("modem", mc.Identifier).Msg("Initializing modem.")
		w := modem.NewWorker(mc, d.mapper)
		w.SetNotify(d.event.Raise)
		w.SetFatal(d.reportFatal)
		d.pool.Add(w)
		d.workers = append(d.workers, w)
	}
	d.log.Info().Msg("Modem pool initialized.")

	var reporter health.Reporter
	if cfg.Mail.Enabled {
		d.relay = mail.NewRelay(&cfg.Mail)
		d.pipeline = mail.NewPipeline(&cfg.Mail, d.relay, workerEmails(modems))
		reporter = d.relay
	}

	d.log.Info().Msg("Init RPC server")
	d.server = rpc.NewServer(cfg, d.pool, reporter)
	return d
}

// workerEmails maps each SIM identifier to its forwarding address, for
// the mail pipeline's recipient lookup.
func workerEmails(modems []*config.ModemConfig) map[string]string {
	emails := make(map[string]string, len(modems))
	for _, mc := range modems {
		if mc.EmailAddress != "" {
			emails[mc.Identifier] = mc.EmailAddress
		}
	}
	return emails
}

// Pool exposes the modem pool, mainly for tests and tooling.
func (d *Daemon) Pool() *modempool.Pool { return d.pool }

// reportFatal records a condition the process must terminate for, such
// as an incorrect SIM PIN, and wakes the supervisor loop so Run can
// return the error.
func (d *Daemon) reportFatal(err error) {
	select {
	case d.fatal <- err:
	default:
	}
	d.event.Raise()
}

// Run starts every component and drives the supervisor loop until the
// context ends. On wake it drains inbound SMS into the mail pipeline
// and assigns outbound SMS to workers; when the wait times out it runs
// the pool health check instead.
func (d *Daemon) Run(ctx context.Context) error {
	go d.mapper.Run(ctx)

	if d.pipeline != nil {
		if err := d.pipeline.Start(ctx); err != nil {
			return err
		}
		defer d.relay.Close()
		defer d.pipeline.Stop()
	}

	for _, w := range d.workers {
		w.Start(ctx)
	}
	defer func() {
		for _, w := range d.workers {
			w.Stop()
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- d.server.Run(ctx) }()

	for {
		select {
		case err := <-d.fatal:
			d.log.Error().Err(err).Msg("Fatal modem failure. Terminating.")
			return err
		default:
		}

		d.log.Info().Msg("Waiting for next event ...")
		if d.event.Wait(ctx, d.cfg.Pool.HealthCheckInterval) {
			d.log.Info().Msg("Event received. Check for incoming SMS.")
			d.drainIncoming()

			d.log.Info().Msg("Try processing outgoing SMS (if available) ...")
			d.pool.ProcessOutgoing()
			d.log.Info().Msg("Outgoing SMS processed.")
			continue
		}

		if ctx.Err() != nil {
			return <-serverErr
		}

		d.log.Info().Msg("Check for health check ...")
		d.pool.HealthCheck()
	}
}

// drainIncoming collects SMS received since the last wake and hands
// them to the mail pipeline when mail forwarding is enabled.
func (d *Daemon) drainIncoming() {
	incoming := d.pool.CollectIncoming()
	if len(incoming) == 0 {
		d.log.Info().Msg("No incoming SMS")
		return
	}
	for _, s := range incoming {
		d.log.Info().Str("sms_id", s.ID).Msg("Got incoming SMS")
		d.forwardToMail(s)
	}
}

func (d *Daemon) forwardToMail(s *sms.SMS) {
	if d.pipeline == nil {
		return
	}
	d.log.Debug().Str("sms_id", s.ID).Msg("Put SMS into outgoing queue.")
	d.pipeline.Enqueue(s)
}
