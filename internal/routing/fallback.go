package routing

import (
	"github.com/flowpbx/callrouter/internal/telecom"
)

// FallbackPolicy decides whether a failed attempt ends the call or lets the
// processor move on to the next candidate.
type FallbackPolicy struct {
	registrar Registrar
}

// NewFallbackPolicy creates a fallback policy backed by the registrar.
func NewFallbackPolicy(registrar Registrar) FallbackPolicy {
	return FallbackPolicy{registrar: registrar}
}

// ShouldStop reports whether the failure is final. Only a refusal by the
// designated connection manager can be final; every other failure moves on.
func (f FallbackPolicy) ShouldStop(call *Call, rec AttemptRecord, backend Backend, cause telecom.DisconnectCause) bool {
	manager, ok := f.registrar.DelegatingManager(call)
	if !ok || manager != rec.Manager {
		return false
	}

	// The manager was attempted and failed.
	if backend == nil {
		return true
	}
	if cause.Code == telecom.CauseNotSupported {
		return false
	}
	if !backend.IsBindingValid("begin-connection") {
		return false
	}
	return true
}
