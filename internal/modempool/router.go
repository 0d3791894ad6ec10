// Package modempool coordinates the modem workers: it routes outbound
// SMS to the cheapest healthy SIM, buffers inbound SMS for polling
// clients, keeps per-SIM statistics and aggregates worker health.
package modempool

import (
	"context"
	"sort"

	"github.com/pentagridsec/smsgate/internal/health"
	"github.com/pentagridsec/smsgate/internal/modem"
	"github.com/pentagridsec/smsgate/internal/sms"
)

// Worker is the pool's view of a modem worker.
type Worker interface {
	Identifier() string
	PhoneNumber() string
	Prefixes() []string
	Costs() float64
	EmailAddress() string
	Healthy() bool
	HealthState() (health.State, string)
	EnqueueSMS(s *sms.SMS) error
	Inbound() <-chan *sms.SMS
	SendUSSD(ctx context.Context, code string) (string, error)
	DeliveryStatus(smsID string) bool
	ForgetSMS(smsID string) bool
	Snapshot() modem.Snapshot
}

// Router maps destination number prefixes to the workers serving them.
// Routes are static after registration; health is evaluated per lookup.
type Router struct {
	routes map[string]map[string]Worker
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]map[string]Worker)}
}

// Add registers a worker under all its configured prefixes.
func (r *Router) Add(w Worker) {
	for _, prefix := range w.Prefixes() {
		targets, ok := r.routes[prefix]
		if !ok {
			targets = make(map[string]Worker)
			r.routes[prefix] = targets
		}
		targets[w.Identifier()] = w
	}
}

// Route picks the worker for a destination number: among all healthy
// workers whose prefix is a proper prefix of the number (at least two
// characters, never the full number), the cheapest wins; equal costs
// are broken by identifier so routing is deterministic. Nil means no
// route.
func (r *Router) Route(number string) Worker {
	viable := make(map[string]Worker)
	for l := len(number) - 1; l >= 2; l-- {
		for id, w := range r.routes[number[:l]] {
			if w.Healthy() {
				viable[id] = w
			}
		}
	}
	if len(viable) == 0 {
		return nil
	}

	ids := make([]string, 0, len(viable))
	for id := range viable {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := viable[ids[0]]
	for _, id := range ids[1:] {
		if w := viable[id]; w.Costs() < best.Costs() {
			best = w
		}
	}
	return best
}
