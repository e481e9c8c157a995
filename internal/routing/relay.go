package routing

import (
	"sync"

	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/frostbyte73/core"
)

// Accepted describes the backend connection that won the call.
type Accepted struct {
	IDs        telecom.IDMapper
	Connection *telecom.Connection
	Conference *telecom.Conference
	Backend    string
	Manager    telecom.AccountHandle
	Target     telecom.AccountHandle
}

// Outcome is the terminal result of a connection cycle: either Accepted is
// set, or Cause explains the final failure.
type Outcome struct {
	Accepted *Accepted
	Cause    telecom.DisconnectCause
}

// Succeeded reports whether a backend accepted the call.
func (o Outcome) Succeeded() bool {
	return o.Accepted != nil
}

// Relay is the single channel back to the call's requester. The first
// Deliver wins; every later Deliver is dropped.
type Relay struct {
	done    core.Fuse
	respond func(Outcome)

	mu        sync.Mutex
	delivered bool
	outcome   Outcome
}

// NewRelay creates a relay that hands the terminal outcome to respond.
// respond may be nil when the requester only watches Done.
func NewRelay(respond func(Outcome)) *Relay {
	return &Relay{respond: respond}
}

// Deliver hands o to the requester if nothing was delivered before. It
// returns false when the relay was already consumed.
func (r *Relay) Deliver(o Outcome) bool {
	r.mu.Lock()
	if r.delivered {
		r.mu.Unlock()
		return false
	}
	r.delivered = true
	r.outcome = o
	r.mu.Unlock()

	if r.respond != nil {
		r.respond(o)
	}
	r.done.Break()
	return true
}

// Consumed reports whether a terminal outcome was already delivered.
func (r *Relay) Consumed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

// Done is closed after the terminal outcome has been handed to respond.
func (r *Relay) Done() <-chan struct{} {
	return r.done.Watch()
}

// Outcome returns the delivered outcome. ok is false until Done is closed.
func (r *Relay) Outcome() (Outcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.delivered
}
