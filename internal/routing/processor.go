package routing

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callrouter/internal/telecom"
)

// State is the processor's position in the connection cycle.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateConnected
	StateExhausted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// terminal reports whether no further attempts can be made from s.
func (s State) terminal() bool {
	return s != StateIdle && s != StateAttempting
}

// Config holds the collaborators and tunables shared by every processor.
type Config struct {
	Registrar Registrar
	Backends  BackendRegistry
	// Focus defers outgoing begin-requests. Nil grants focus immediately.
	Focus FocusArbiter
	// Lock is the process-wide call-state lock.
	Lock     sync.Locker
	Observer Observer
	Logger   *slog.Logger

	AttemptTimeout          time.Duration
	EmergencyAttemptTimeout time.Duration

	Telephony         bool
	EmergencyFallback telecom.Account

	// AfterFunc schedules attempt timeouts. Defaults to time.AfterFunc.
	AfterFunc AfterFunc
}

// Processor drives one call through its attempt list, one attempt at a time,
// until a backend accepts it, a final failure is decided, or the list runs
// out. All state is guarded by the call-state lock; exported methods
// acquire it and must not be called with it held.
type Processor struct {
	call     *Call
	cfg      Config
	builder  *ListBuilder
	fallback FallbackPolicy
	observer Observer
	logger   *slog.Logger
	lock     sync.Locker

	state        State
	attempts     []AttemptRecord
	cursor       int
	current      AttemptRecord
	active       Backend
	pending      *attemptCallback
	seq          int
	attemptCount int
	lastFailure  *telecom.DisconnectCause
	relay        *Relay
	guard        timeoutGuard
	aborted      bool
}

// NewProcessor creates a processor for call. respond receives the single
// terminal outcome, with the call-state lock held.
func NewProcessor(call *Call, respond func(Outcome), cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "attempt-processor", "call_id", call.ID)

	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	lock := cfg.Lock
	if lock == nil {
		lock = &sync.Mutex{}
	}
	after := cfg.AfterFunc
	if after == nil {
		after = realAfterFunc
	}

	return &Processor{
		call:     call,
		cfg:      cfg,
		builder:  NewListBuilder(cfg.Registrar, cfg.Telephony, cfg.EmergencyFallback, logger),
		fallback: NewFallbackPolicy(cfg.Registrar),
		observer: observer,
		logger:   logger,
		lock:     lock,
		relay:    NewRelay(respond),
		guard:    timeoutGuard{afterFunc: after},
	}
}

// Start builds the attempt list and issues the first attempt.
func (p *Processor) Start() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.state != StateIdle {
		p.logger.Warn("processor already started", "state", p.state.String())
		return
	}
	p.guard.disarm()

	attempts, err := p.builder.Build(p.call)
	if err != nil {
		p.logger.Error("failed to build attempt list", "error", err)
		p.finish(StateFailed, Outcome{Cause: telecom.NewCause(telecom.CauseError, err.Error())})
		return
	}
	p.attempts = attempts
	p.state = StateAttempting

	if len(attempts) == 0 {
		p.logger.Info("no route for call")
		p.finish(StateExhausted, Outcome{Cause: telecom.NewCause(telecom.CauseNoRoute, "no connection service available")})
		return
	}

	p.logger.Info("processing call",
		"attempts", len(attempts),
		"emergency", p.call.Emergency,
		"incoming", p.call.Incoming,
	)
	p.advance()
}

// Abort stops processing. The requester, if still waiting, is told the call
// ended locally; the bound backend is told to discard the call. Calling
// Abort more than once has no further effect.
//
// connected reports whether the first Abort found the call already
// connected. Such a call is left on its backend for the caller to hang up.
func (p *Processor) Abort() (connected bool) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.aborted {
		return false
	}
	p.aborted = true
	p.guard.disarm()
	if p.pending != nil {
		p.pending.settle()
	}

	if p.state.terminal() {
		p.logger.Debug("abort after processing completed", "state", p.state.String())
		return p.state == StateConnected
	}
	p.logger.Info("aborting call", "attempts", p.attemptCount)

	// Leave the attempting state before touching the backend so nothing it
	// reports afterwards is treated as a live attempt.
	p.state = StateAborted

	if p.active != nil {
		p.active.Discard(p.call)
		p.call.clearBackend()
		p.active = nil
	}

	outcome := Outcome{Cause: telecom.NewCause(telecom.CauseLocal, "aborted")}
	if p.relay.Deliver(outcome) {
		p.observer.Completed(p.call, outcome, p.attemptCount)
	}
	return false
}

// ContinueProcessing resumes with the next attempt after a connection that
// was already reported as accepted failed before becoming active. respond
// receives the new terminal outcome.
func (p *Processor) ContinueProcessing(respond func(Outcome), cause telecom.DisconnectCause) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.aborted || p.state != StateConnected {
		p.logger.Debug("cannot continue processing",
			"aborted", p.aborted,
			"state", p.state.String(),
		)
		NewRelay(respond).Deliver(Outcome{Cause: cause})
		return
	}

	p.logger.Info("continuing with next attempt", "cause", cause.Error())
	p.relay = NewRelay(respond)
	p.lastFailure = &cause
	if p.active != nil {
		p.active.Forget(p.call)
		p.call.clearBackend()
		p.active = nil
	}
	p.state = StateAttempting
	p.advance()
}

// Done is closed once the current requester has its terminal outcome.
func (p *Processor) Done() <-chan struct{} {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.relay.Done()
}

// State returns the processor state.
func (p *Processor) State() State {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

// AttemptCount returns how many backends a begin-request was issued to.
func (p *Processor) AttemptCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.attemptCount
}

// Attempts returns a copy of the attempt list.
func (p *Processor) Attempts() []AttemptRecord {
	p.lock.Lock()
	defer p.lock.Unlock()
	out := make([]AttemptRecord, len(p.attempts))
	copy(out, p.attempts)
	return out
}

// IsProcessingComplete reports whether no more attempts will be made.
func (p *Processor) IsProcessingComplete() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state.terminal()
}

// IsCallTimedOut reports whether an attempt timeout fired during processing.
func (p *Processor) IsCallTimedOut() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.guard.timedOut
}

// advance issues the next attempt that can be bound. Candidates that cannot
// be bound are skipped in a loop; when the list runs out the call fails with
// the last recorded cause.
func (p *Processor) advance() {
	for {
		if p.relay.Consumed() {
			return
		}
		if p.cursor >= len(p.attempts) {
			cause := telecom.NewCause(telecom.CauseError, "all connection attempts failed")
			if p.lastFailure != nil {
				cause = *p.lastFailure
			}
			p.logger.Info("no more attempts, failing call",
				"attempts", p.attemptCount,
				"cause", cause.Error(),
			)
			p.finish(StateExhausted, Outcome{Cause: cause})
			return
		}

		rec := p.attempts[p.cursor]
		p.cursor++

		backend, reason := p.resolve(rec)
		if backend == nil {
			p.logger.Info("skipping attempt", "attempt", rec.String(), "reason", reason)
			p.observer.AttemptSkipped(p.call, rec, reason)
			continue
		}

		p.begin(rec, backend)
		return
	}
}

// resolve checks bind preconditions and finds a live backend for the record.
// A nil backend means the record must be skipped, for the returned reason.
func (p *Processor) resolve(rec AttemptRecord) (backend Backend, reason string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic resolving attempt", "attempt", rec.String(), "panic", r)
			cause := telecom.NewCause(telecom.CauseError, fmt.Sprintf("resolving %s: %v", rec.Manager, r))
			p.lastFailure = &cause
			backend, reason = nil, "resolver failure"
		}
	}()

	if rec.Manager.IsZero() {
		cause := telecom.NewCause(telecom.CauseError, "attempt has no connection manager")
		p.lastFailure = &cause
		return nil, "malformed attempt"
	}
	if !p.cfg.Registrar.HasBindPermission(rec.Manager) {
		return nil, "connection manager lacks bind permission"
	}
	if rec.IsManaged() && !rec.Target.IsZero() && !p.cfg.Registrar.HasBindPermission(rec.Target) {
		return nil, "target lacks bind permission"
	}

	b, ok := p.cfg.Backends.Resolve(rec.Manager)
	if !ok || b == nil {
		return nil, "no connection service for account"
	}
	return b, ""
}

// begin binds the call to backend and issues exactly one begin-request.
func (p *Processor) begin(rec AttemptRecord, backend Backend) {
	p.attemptCount++
	p.seq++
	p.current = rec
	p.active = backend
	p.call.bind(rec, backend)

	cb := &attemptCallback{p: p, seq: p.seq, rec: rec, backend: backend}
	p.pending = cb

	if d := p.timeoutFor(rec); d > 0 {
		p.guard.arm(d, p.seq, p.onTimeout)
	} else {
		p.guard.disarm()
	}

	p.logger.Info("attempting connection",
		"attempt", p.attemptCount,
		"manager", rec.Manager.String(),
		"target", rec.Target.String(),
		"backend", backend.Name(),
		"timeout_armed", p.guard.armed(),
	)
	p.observer.AttemptStarted(p.call, p.attemptCount, rec, backend.Name())

	conference := p.call.AdhocConference
	issue := func() {
		if conference {
			backend.BeginConference(p.call, cb)
		} else {
			backend.BeginConnection(p.call, cb)
		}
	}

	if p.call.Incoming || p.cfg.Focus == nil {
		issue()
		return
	}
	p.cfg.Focus.RequestFocus(p.call, issue)
}

// timeoutFor returns the attempt window for rec, or 0 when the attempt is
// not bounded.
func (p *Processor) timeoutFor(rec AttemptRecord) time.Duration {
	if !rec.IsManaged() || !p.cfg.Registrar.ManagerNeedsTimeout(p.call, rec.Manager) {
		return 0
	}
	if p.call.Emergency && p.cfg.EmergencyAttemptTimeout > 0 {
		return p.cfg.EmergencyAttemptTimeout
	}
	return p.cfg.AttemptTimeout
}

func (p *Processor) onTimeout(seq int) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if seq != p.seq || p.state != StateAttempting || p.relay.Consumed() {
		return
	}
	p.guard.timer = nil
	p.guard.timedOut = true
	p.logger.Warn("connection attempt timed out",
		"attempt", p.attemptCount,
		"manager", p.current.Manager.String(),
	)

	if p.pending != nil {
		p.pending.settle()
	}
	if p.active != nil {
		p.active.Discard(p.call)
	}
	p.onFailure(telecom.NewCause(telecom.CauseTimedOut, "no response from connection service"))
}

func (p *Processor) onSuccess(cb *attemptCallback, acc *Accepted) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if cb.seq != p.seq || p.state != StateAttempting || p.relay.Consumed() {
		// Nobody is waiting on this attempt any more; have the backend tear
		// down what it just created.
		p.discardSuperseded(cb, "discarding orphaned connection")
		return
	}

	p.guard.disarm()
	p.pending = nil
	acc.Backend = cb.backend.Name()
	acc.Manager = cb.rec.Manager
	acc.Target = cb.rec.Target

	p.logger.Info("connection accepted",
		"attempt", p.attemptCount,
		"backend", acc.Backend,
		"manager", acc.Manager.String(),
	)
	p.finish(StateConnected, Outcome{Accepted: acc})
}

func (p *Processor) onCallbackFailure(cb *attemptCallback, cause telecom.DisconnectCause) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if cb.seq != p.seq || p.state != StateAttempting {
		p.logger.Debug("ignoring stale failure",
			"backend", cb.backend.Name(),
			"cause", cause.Error(),
		)
		return
	}
	p.pending = nil
	p.onFailure(cause)
}

// onFailure decides between stopping and moving to the next attempt.
func (p *Processor) onFailure(cause telecom.DisconnectCause) {
	p.guard.disarm()
	p.logger.Info("connection attempt failed",
		"attempt", p.attemptCount,
		"manager", p.current.Manager.String(),
		"cause", cause.Error(),
	)
	p.observer.AttemptFailed(p.call, p.attemptCount, p.current, cause)

	if p.relay.Consumed() {
		return
	}
	if p.fallback.ShouldStop(p.call, p.current, p.active, cause) {
		p.logger.Info("connection manager refused call, not falling back", "cause", cause.Error())
		p.finish(StateFailed, Outcome{Cause: cause})
		return
	}
	p.lastFailure = &cause
	p.advance()
}

// finish moves to a terminal state and delivers the outcome.
func (p *Processor) finish(state State, outcome Outcome) {
	p.guard.disarm()
	p.state = state
	if p.relay.Deliver(outcome) {
		p.observer.Completed(p.call, outcome, p.attemptCount)
	}
}

// Settlement states of an attemptCallback.
const (
	attemptPending int32 = iota
	attemptAccepted
	attemptClosed
)

// attemptCallback is the Callback handed to a backend for one attempt. Only
// the first report is forwarded to the processor.
type attemptCallback struct {
	p       *Processor
	seq     int
	rec     AttemptRecord
	backend Backend
	status  atomic.Int32
}

// settle closes the attempt without a success. It returns false if the
// attempt was already settled.
func (cb *attemptCallback) settle() bool {
	return cb.status.CompareAndSwap(attemptPending, attemptClosed)
}

// accept settles the attempt with a success.
func (cb *attemptCallback) accept() bool {
	if cb.status.CompareAndSwap(attemptPending, attemptAccepted) {
		return true
	}
	// A repeated success for an accepted attempt is ignored; a success after
	// a timeout, abort or failure is an orphan the backend must tear down.
	if cb.status.Load() == attemptClosed {
		cb.discardLate()
	}
	return false
}

func (cb *attemptCallback) OnConnectionSuccess(ids telecom.IDMapper, conn telecom.Connection) {
	if cb.accept() {
		cb.p.onSuccess(cb, &Accepted{IDs: ids, Connection: &conn})
	}
}

func (cb *attemptCallback) OnConnectionFailure(cause telecom.DisconnectCause) {
	if cb.settle() {
		cb.p.onCallbackFailure(cb, cause)
	}
}

func (cb *attemptCallback) OnConferenceSuccess(ids telecom.IDMapper, conf telecom.Conference) {
	if cb.accept() {
		cb.p.onSuccess(cb, &Accepted{IDs: ids, Conference: &conf})
	}
}

func (cb *attemptCallback) OnConferenceFailure(cause telecom.DisconnectCause) {
	if cb.settle() {
		cb.p.onCallbackFailure(cb, cause)
	}
}

func (cb *attemptCallback) discardLate() {
	cb.p.lock.Lock()
	defer cb.p.lock.Unlock()
	cb.p.discardSuperseded(cb, "discarding late connection")
}

// discardSuperseded tears down what cb's attempt created. Discard is
// call-wide, so when a later attempt of the same call is bound to the same
// backend the orphan is left to the backend, which hangs up legs that are
// no longer current for the call. Callers hold the call-state lock.
func (p *Processor) discardSuperseded(cb *attemptCallback, msg string) {
	if cb.seq != p.seq && p.active != nil && cb.backend == p.active {
		p.logger.Info("orphaned connection left to backend",
			"backend", cb.backend.Name(),
			"manager", cb.rec.Manager.String(),
			"state", p.state.String(),
		)
		return
	}
	p.logger.Info(msg,
		"backend", cb.backend.Name(),
		"manager", cb.rec.Manager.String(),
	)
	cb.backend.Discard(p.call)
}
