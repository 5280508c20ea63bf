// Package syncevent provides the binary "new-data" signal the Listener and
// the main loop rendezvous on: a buffered channel of size 1 plus a
// sync.Once-guarded close for shutdown, which survives repeated Set calls
// without blocking — unlike a raw sync.Cond, and unlike a size-0 channel
// which would require a waiting receiver at the moment of Set.
package syncevent

import "sync"

// Event is an edge-triggered binary signal: Set marks it pending, Wait
// blocks until it is pending (consuming the signal) or the event is
// permanently closed by Stop.
type Event struct {
	ch       chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// New builds an Event in the cleared state.
func New() *Event {
	return &Event{
		ch:   make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Set marks the event pending. Calling Set repeatedly before it is
// consumed by Wait is a no-op after the first call.
func (e *Event) Set() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Set has been called at least once since the last Wait,
// or the event is stopped, returning false in the latter case.
func (e *Event) Wait() bool {
	select {
	case <-e.ch:
		return true
	case <-e.stop:
		return false
	}
}

// Stop permanently unblocks every current and future Wait call. Safe to
// call more than once.
func (e *Event) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}
