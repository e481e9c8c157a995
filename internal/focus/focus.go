package focus

import (
	"log/slog"
	"sync"

	"github.com/flowpbx/callrouter/internal/routing"
)

// request is a begin-request waiting for focus.
type request struct {
	callID  string
	owner   string
	granted func()
}

// Arbiter hands call focus to one connection service at a time. Calls on
// the service that holds focus are granted immediately; calls on any other
// service wait until every holder has released.
//
// RequestFocus and Release must be called with the call-state lock held.
// Grants run synchronously on the caller's goroutine, so a deferred
// begin-request is still issued under that lock.
type Arbiter struct {
	logger  *slog.Logger
	ownerOf func(*routing.Call) string

	mu      sync.Mutex
	owner   string
	holders map[string]bool // call IDs holding focus for owner
	queue   []request
}

// New creates an arbiter with no holder.
func New(logger *slog.Logger) *Arbiter {
	return &Arbiter{
		logger:  logger.With("subsystem", "focus"),
		ownerOf: backendOwner,
		holders: make(map[string]bool),
	}
}

// RequestFocus implements routing.FocusArbiter. The owner of a request is
// the backend the call is bound to.
func (a *Arbiter) RequestFocus(call *routing.Call, onGranted func()) {
	owner := a.ownerOf(call)

	a.mu.Lock()
	a.dropLocked(call.ID)
	grants := a.promoteLocked()
	granted := a.owner == "" || a.owner == owner
	if granted {
		a.owner = owner
		a.holders[call.ID] = true
	} else {
		a.queue = append(a.queue, request{callID: call.ID, owner: owner, granted: onGranted})
	}
	holder := a.owner
	a.mu.Unlock()

	a.run(grants)
	if granted {
		onGranted()
		return
	}
	a.logger.Debug("focus request queued",
		"call_id", call.ID,
		"owner", owner,
		"holder", holder,
	)
}

// Release gives up whatever focus or queued request callID has and grants
// focus to the next waiting service if the holder set became empty.
func (a *Arbiter) Release(callID string) {
	a.mu.Lock()
	a.dropLocked(callID)
	grants := a.promoteLocked()
	a.mu.Unlock()

	a.run(grants)
}

func (a *Arbiter) run(grants []request) {
	for _, r := range grants {
		a.logger.Debug("focus granted", "call_id", r.callID, "owner", r.owner)
		r.granted()
	}
}

// Holder returns the service holding focus and how many calls hold it.
func (a *Arbiter) Holder() (owner string, calls int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner, len(a.holders)
}

// Pending returns the number of queued requests.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// dropLocked removes callID from the holders and the queue.
func (a *Arbiter) dropLocked(callID string) {
	delete(a.holders, callID)
	if len(a.holders) == 0 {
		a.owner = ""
	}
	for i, r := range a.queue {
		if r.callID == callID {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			break
		}
	}
}

// promoteLocked hands focus to the owner of the oldest queued request, along
// with every other queued request for that owner.
func (a *Arbiter) promoteLocked() []request {
	if a.owner != "" || len(a.queue) == 0 {
		return nil
	}

	a.owner = a.queue[0].owner
	var grants, rest []request
	for _, r := range a.queue {
		if r.owner == a.owner {
			grants = append(grants, r)
			a.holders[r.callID] = true
		} else {
			rest = append(rest, r)
		}
	}
	a.queue = rest
	return grants
}

func backendOwner(call *routing.Call) string {
	if b := call.Backend(); b != nil {
		return b.Name()
	}
	return call.ConnectionManagerAccount().Component.String()
}
