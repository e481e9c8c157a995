package callmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/metrics"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/google/uuid"
)

var (
	// ErrCallNotFound is returned for an unknown call ID.
	ErrCallNotFound = errors.New("call not found")
	// ErrInvalidRequest is returned when a placement request cannot be processed.
	ErrInvalidRequest = errors.New("invalid call request")
	// ErrNotConnected is returned when continuing a call that is not connected.
	ErrNotConnected = errors.New("call is not connected")
)

// stateDisconnected is reported for a connected call whose leg was hung up.
const stateDisconnected = "disconnected"

// focusReleaser is implemented by focus arbiters that track holders.
type focusReleaser interface {
	Release(callID string)
}

// Config holds the manager's collaborators.
type Config struct {
	// Routing is the template for every processor. Lock and Observer are
	// replaced by the manager's own.
	Routing routing.Config
	// AttemptLog is the primary attempt log store.
	AttemptLog database.AttemptLogRepository
	// Mirror optionally receives a copy of every attempt log entry.
	Mirror   database.AttemptLogRepository
	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

// Request describes a call to place.
type Request struct {
	Address          string
	TargetAccount    telecom.AccountHandle
	PreferredAccount telecom.AccountHandle

	Emergency       bool
	TestEmergency   bool
	SelfManaged     bool
	Incoming        bool
	AdhocConference bool
}

// CallInfo is a point-in-time view of a managed call.
type CallInfo struct {
	ID         string
	Address    string
	Emergency  bool
	State      string
	Attempts   int
	TimedOut   bool
	HungUp     bool
	Result     string // "connected" or the final cause; empty while processing
	Reason     string
	Backend    string
	Manager    string
	Target     string
	Connection string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// entry tracks one call. outcome and finishedAt are guarded by the
// call-state lock.
type entry struct {
	call      *routing.Call
	proc      *routing.Processor
	createdAt time.Time

	outcome    *routing.Outcome
	finishedAt *time.Time
	hungUp     bool
}

// Manager owns the call-state lock and one routing.Processor per call.
type Manager struct {
	lock     sync.Mutex
	routing  routing.Config
	focus    focusReleaser
	writer   *attemptWriter
	logger   *slog.Logger

	mu    sync.RWMutex
	calls map[string]*entry // keyed by call ID
}

// New creates a call manager and starts its attempt log writer.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "call-manager")

	var sinks []database.AttemptLogRepository
	if cfg.AttemptLog != nil {
		sinks = append(sinks, cfg.AttemptLog)
	}
	if cfg.Mirror != nil {
		sinks = append(sinks, cfg.Mirror)
	}

	m := &Manager{
		routing: cfg.Routing,
		writer:  newAttemptWriter(sinks, attemptQueueSize, logger),
		logger:  logger,
		calls:   make(map[string]*entry),
	}
	if fr, ok := cfg.Routing.Focus.(focusReleaser); ok {
		m.focus = fr
	}

	m.routing.Lock = &m.lock
	m.routing.Observer = &attemptObserver{writer: m.writer, recorder: cfg.Recorder}
	if m.routing.Logger == nil {
		m.routing.Logger = cfg.Logger
	}
	return m
}

// Place creates a call for req and starts processing it. It returns once
// the first attempt has been issued; the outcome arrives asynchronously.
func (m *Manager) Place(ctx context.Context, req Request) (CallInfo, error) {
	if err := ctx.Err(); err != nil {
		return CallInfo{}, err
	}
	if req.Address == "" {
		return CallInfo{}, fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	if req.TestEmergency && !req.Emergency {
		return CallInfo{}, fmt.Errorf("%w: test emergency calls must be emergency calls", ErrInvalidRequest)
	}

	call := &routing.Call{
		ID:               uuid.NewString(),
		Address:          req.Address,
		TargetAccount:    req.TargetAccount,
		PreferredAccount: req.PreferredAccount,
		Emergency:        req.Emergency,
		TestEmergency:    req.TestEmergency,
		SelfManaged:      req.SelfManaged,
		Incoming:         req.Incoming,
		AdhocConference:  req.AdhocConference,
	}
	e := &entry{call: call, createdAt: time.Now()}
	e.proc = routing.NewProcessor(call, m.respondFor(e), m.routing)

	m.mu.Lock()
	m.calls[call.ID] = e
	m.mu.Unlock()

	m.logger.Info("placing call",
		"call_id", call.ID,
		"emergency", call.Emergency,
		"target", handleString(call.TargetAccount),
	)
	e.proc.Start()

	return m.snapshot(e), nil
}

// respondFor returns the outcome sink for e. It runs with the call-state
// lock held.
func (m *Manager) respondFor(e *entry) func(routing.Outcome) {
	return func(o routing.Outcome) {
		now := time.Now()
		e.outcome = &o
		e.finishedAt = &now
		if m.focus != nil {
			m.focus.Release(e.call.ID)
		}
		m.logger.Info("call processing finished",
			"call_id", e.call.ID,
			"result", outcomeResult(o),
		)
	}
}

// Get returns the current view of a call.
func (m *Manager) Get(id string) (CallInfo, bool) {
	e := m.lookup(id)
	if e == nil {
		return CallInfo{}, false
	}
	return m.snapshot(e), true
}

// List returns every tracked call, newest first.
func (m *Manager) List() []CallInfo {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.calls))
	for _, e := range m.calls {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]CallInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.snapshot(e))
	}
	slices.SortFunc(out, func(a, b CallInfo) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// Attempts returns the call's attempt list.
func (m *Manager) Attempts(id string) ([]routing.AttemptRecord, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, ErrCallNotFound
	}
	return e.proc.Attempts(), nil
}

// Wait blocks until the call has a terminal outcome or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (CallInfo, error) {
	e := m.lookup(id)
	if e == nil {
		return CallInfo{}, ErrCallNotFound
	}
	select {
	case <-e.proc.Done():
		return m.snapshot(e), nil
	case <-ctx.Done():
		return m.snapshot(e), ctx.Err()
	}
}

// Abort stops a call that is still being processed. A connected call is
// hung up on the backend that accepted it.
func (m *Manager) Abort(id string) error {
	e := m.lookup(id)
	if e == nil {
		return ErrCallNotFound
	}

	if connected := e.proc.Abort(); !connected {
		return nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if e.hungUp {
		return nil
	}
	if b := e.call.Backend(); b != nil {
		b.Discard(e.call)
	}
	e.hungUp = true
	m.logger.Info("connected call hung up", "call_id", id)
	return nil
}

// Continue resumes a connected call with its next attempt after the
// accepted connection failed with cause.
func (m *Manager) Continue(id string, cause telecom.DisconnectCause) error {
	e := m.lookup(id)
	if e == nil {
		return ErrCallNotFound
	}
	if e.proc.State() != routing.StateConnected {
		return ErrNotConnected
	}

	m.lock.Lock()
	e.outcome = nil
	e.finishedAt = nil
	e.hungUp = false
	m.lock.Unlock()

	e.proc.ContinueProcessing(m.respondFor(e), cause)
	return nil
}

// RemoteHangup records that the connection service hung up the call's
// answered leg.
func (m *Manager) RemoteHangup(id string) {
	e := m.lookup(id)
	if e == nil {
		m.logger.Debug("remote hangup for unknown call", "call_id", id)
		return
	}

	m.lock.Lock()
	e.hungUp = true
	m.lock.Unlock()
	m.logger.Info("call hung up by connection service", "call_id", id)
}

// ActiveCallCount returns the number of calls still being processed.
func (m *Manager) ActiveCallCount() int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.calls))
	for _, e := range m.calls {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	n := 0
	for _, e := range entries {
		if !e.proc.IsProcessingComplete() {
			n++
		}
	}
	return n
}

// Prune forgets finished calls that completed before cutoff and returns
// how many were removed.
func (m *Manager) Prune(cutoff time.Time) int {
	m.lock.Lock()
	var stale []string
	m.mu.RLock()
	for id, e := range m.calls {
		if e.finishedAt != nil && e.finishedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	m.lock.Unlock()

	if len(stale) == 0 {
		return 0
	}
	m.mu.Lock()
	for _, id := range stale {
		delete(m.calls, id)
	}
	m.mu.Unlock()
	return len(stale)
}

// Close aborts every call still being processed and flushes the attempt
// log.
func (m *Manager) Close() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.calls))
	for _, e := range m.calls {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		if !e.proc.IsProcessingComplete() {
			e.proc.Abort()
		}
	}
	m.writer.close()
	m.logger.Info("call manager stopped", "aborted", len(entries))
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[id]
}

// snapshot builds a CallInfo. It takes the call-state lock itself.
func (m *Manager) snapshot(e *entry) CallInfo {
	info := CallInfo{
		ID:        e.call.ID,
		Address:   e.call.Address,
		Emergency: e.call.Emergency,
		State:     e.proc.State().String(),
		Attempts:  e.proc.AttemptCount(),
		TimedOut:  e.proc.IsCallTimedOut(),
		CreatedAt: e.createdAt,
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	info.HungUp = e.hungUp
	if e.hungUp && info.State == routing.StateConnected.String() {
		info.State = stateDisconnected
	}
	info.FinishedAt = e.finishedAt
	if o := e.outcome; o != nil {
		info.Result = outcomeResult(*o)
		if acc := o.Accepted; acc != nil {
			info.Backend = acc.Backend
			info.Manager = handleString(acc.Manager)
			info.Target = handleString(acc.Target)
			if id, ok := acc.IDs.ConnectionID(e.call.ID); ok {
				info.Connection = id
			}
		} else {
			info.Reason = o.Cause.Reason
		}
	}
	return info
}
