package routing

import (
	"github.com/flowpbx/callrouter/internal/telecom"
)

// Backend is a live handle to a connection service that can carry a call.
// BeginConnection and BeginConference must return before the callback is
// invoked; the callback may then arrive on any goroutine.
type Backend interface {
	Name() string
	BeginConnection(call *Call, cb Callback)
	BeginConference(call *Call, cb Callback)
	// Discard tears down whatever the backend created for the call. A
	// backend handed a new begin-request for a call must itself tear down
	// any earlier leg of that call that answers late.
	Discard(call *Call)
	// Forget drops the backend's record of the call without tearing
	// anything down.
	Forget(call *Call)
	// IsBindingValid reports whether the backend is still bound and reachable.
	// op names the operation asking, for logging.
	IsBindingValid(op string) bool
}

// BackendRegistry resolves an account's connection service to a live backend.
type BackendRegistry interface {
	Resolve(h telecom.AccountHandle) (Backend, bool)
}

// SlotResolver maps an account to its logical SIM slot. ok is false when the
// account has no valid slot.
type SlotResolver interface {
	SlotIndex(h telecom.AccountHandle) (int, bool)
}

// Registrar answers account and policy questions for the processor.
type Registrar interface {
	SlotResolver

	// HasBindPermission reports whether the service behind the handle may be
	// bound for call placement.
	HasBindPermission(h telecom.AccountHandle) bool
	// DelegatingManager returns the connection manager designated for the call.
	DelegatingManager(call *Call) (telecom.AccountHandle, bool)
	ResolveAccount(h telecom.AccountHandle) (telecom.Account, bool)
	AccountsForCurrentUser() []telecom.Account
	OutgoingAccountForScheme(scheme string) (telecom.AccountHandle, bool)
	// ManagerNeedsTimeout reports whether an attempt mediated by manager must
	// be bounded by the attempt timeout.
	ManagerNeedsTimeout(call *Call, manager telecom.AccountHandle) bool
}

// FocusArbiter defers outgoing begin-requests until the call holds focus.
// onGranted may run synchronously from RequestFocus.
type FocusArbiter interface {
	RequestFocus(call *Call, onGranted func())
}

// Callback is the surface a backend reports the result of one attempt on.
// Only the first invocation per attempt has any effect.
type Callback interface {
	OnConnectionSuccess(ids telecom.IDMapper, conn telecom.Connection)
	OnConnectionFailure(cause telecom.DisconnectCause)
	OnConferenceSuccess(ids telecom.IDMapper, conf telecom.Conference)
	OnConferenceFailure(cause telecom.DisconnectCause)
}

// Observer receives processor events. Methods are invoked with the
// call-state lock held and must not block.
type Observer interface {
	AttemptStarted(call *Call, n int, rec AttemptRecord, backend string)
	AttemptSkipped(call *Call, rec AttemptRecord, reason string)
	AttemptFailed(call *Call, n int, rec AttemptRecord, cause telecom.DisconnectCause)
	Completed(call *Call, outcome Outcome, attempts int)
}

type nopObserver struct{}

func (nopObserver) AttemptStarted(*Call, int, AttemptRecord, string)                  {}
func (nopObserver) AttemptSkipped(*Call, AttemptRecord, string)                       {}
func (nopObserver) AttemptFailed(*Call, int, AttemptRecord, telecom.DisconnectCause) {}
func (nopObserver) Completed(*Call, Outcome, int)                                     {}
