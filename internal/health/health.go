// Package health defines the three-level health model shared by modem
// workers, the modem pool, the SMTP relay and the RPC endpoint.
package health

// State is an ordered severity level. Aggregation over several states
// always takes the maximum.
type State int

const (
	OK State = iota
	Warning
	Critical
)

// String returns the wire form used in RPC responses and statistics.
func (s State) String() string {
	switch s {
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "OK"
	}
}

// Highest returns the most severe state in the list, OK for an empty list.
func Highest(states []State) State {
	highest := OK
	for _, s := range states {
		if s > highest {
			highest = s
		}
	}
	return highest
}

// Reporter is implemented by every component that exposes a health state.
// The message is empty when the state is OK.
type Reporter interface {
	HealthState() (State, string)
}
