// Package rpc exposes the gateway API over TLS: sending SMS and USSD
// codes, fetching received SMS, delivery status, statistics and the
// aggregated health state. Every method except ping is guarded by
// bcrypt token lists from the configuration.
package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/health"
	"github.com/pentagridsec/smsgate/internal/logging"
	"github.com/pentagridsec/smsgate/internal/modempool"
)

// Server serves the RPC methods over HTTPS. It keeps a small health
// state of its own for configuration problems found at construction.
type Server struct {
	cfg   *config.Config
	pool  *modempool.Pool
	relay health.Reporter
	log   *zerolog.Logger

	mu          sync.Mutex
	healthState health.State
	healthMsg   string

	httpServer *http.Server
}

// NewServer wires the endpoint to the pool and the mail relay. relay
// may be nil when mail forwarding is disabled. Every registered modem
// needs a token_<identifier>_get_sms list; a missing list degrades the
// endpoint health to WARNING.
func NewServer(cfg *config.Config, pool *modempool.Pool, relay health.Reporter) *Server {
	s := &Server{
		cfg:         cfg,
		pool:        pool,
		relay:       relay,
		log:         logging.Component("rpc"),
		healthState: health.OK,
	}
	for _, id := range pool.Identifiers() {
		if _, ok := cfg.API.TokenGetSMS[id]; !ok {
			msg := fmt.Sprintf("Warning: token_%s_get_sms not defined in API key configuration.", id)
			s.log.Warn().Msg(msg)
			s.healthState = health.Warning
			s.healthMsg = msg
		}
	}
	return s
}

// Router builds the chi router with all RPC routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/rpc/ping", s.handlePing)
	r.Post("/rpc/ping", s.handlePing)
	r.Post("/rpc/send_sms", s.handleSendSMS)
	r.Post("/rpc/get_delivery_status", s.handleGetDeliveryStatus)
	r.Post("/rpc/get_sms", s.handleGetSMS)
	r.Post("/rpc/get_health_state", s.handleGetHealthState)
	r.Post("/rpc/send_ussd", s.handleSendUSSD)
	r.Post("/rpc/get_stats", s.handleGetStats)

	return r
}

// Run serves TLS until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.API.EnableSendSMS {
		s.log.Warn().Msg("Allowing others to send SMS means to allow others to book expensive options " +
			"and to commit fraud by sending messages to expensive service numbers.")
	}

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.httpServer = srv

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", addr).Msg("RPC server listening")
		if err := srv.ListenAndServeTLS(s.cfg.Server.Certificate, s.cfg.Server.Key); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("Graceful shutdown timed out, forcing close")
		srv.Close()
	}
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	suites, err := cipherSuiteIDs(s.cfg.Server.Ciphers)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: suites,
	}, nil
}

// cipherSuiteIDs resolves configured suite names. The list applies to
// TLS 1.2 handshakes; TLS 1.3 suites are fixed by the runtime.
func cipherSuiteIDs(names []string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	var ids []uint16
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// HealthState returns the endpoint's own health, covering token list
// configuration problems.
func (s *Server) HealthState() (health.State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthState, s.healthMsg
}

// combinedHealth merges pool, relay and endpoint health into one level
// and one message string.
func (s *Server) combinedHealth() (health.State, string) {
	s.mu.Lock()
	ownState, ownMsg := s.healthState, s.healthMsg
	s.mu.Unlock()

	poolState, poolMsg := s.pool.HealthState()

	states := []health.State{poolState, ownState}
	parts := make([]string, 0, 3)
	if poolMsg != "" {
		parts = append(parts, poolMsg)
	}
	if s.relay != nil {
		relayState, relayMsg := s.relay.HealthState()
		states = append(states, relayState)
		if relayMsg != "" {
			parts = append(parts, relayState.String()+": "+relayMsg)
		}
	}
	if ownMsg != "" {
		parts = append(parts, ownMsg)
	}
	return health.Highest(states), strings.Join(parts, "; ")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("ip", r.RemoteAddr).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
