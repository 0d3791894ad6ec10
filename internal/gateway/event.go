package gateway

import (
	"context"
	"time"
)

// Event is the process-wide wakeup signal shared by the workers, the
// pool and the supervisor loop. It is level-triggered: raising an
// already-raised event is a no-op, so producers never block and no
// wakeup is lost.
type Event struct {
	ch chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Raise marks the event. Safe from any goroutine, never blocks.
func (e *Event) Raise() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the event is raised, the timeout passes or the
// context ends. It reports whether the event fired.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
