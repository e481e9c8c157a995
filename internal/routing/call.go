package routing

import (
	"strings"

	"github.com/flowpbx/callrouter/internal/telecom"
)

// Call is the call being connected. The request fields are set by the call
// owner before processing starts and are read-only afterwards. The routing
// fields are written by the Processor while holding the call-state lock.
type Call struct {
	ID      string
	Address string // dialed address URI, e.g. "tel:+61255501234"

	TargetAccount    telecom.AccountHandle
	PreferredAccount telecom.AccountHandle

	Emergency       bool
	TestEmergency   bool
	SelfManaged     bool
	Incoming        bool
	AdhocConference bool

	connectionManager telecom.AccountHandle
	routedTarget      telecom.AccountHandle
	backend           Backend
}

// Scheme returns the URI scheme of the dialed address, or "" if none.
func (c *Call) Scheme() string {
	scheme, _, ok := strings.Cut(c.Address, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// ConnectionManagerAccount returns the manager handle of the attempt in
// progress. Callers must hold the call-state lock.
func (c *Call) ConnectionManagerAccount() telecom.AccountHandle {
	return c.connectionManager
}

// RoutedTarget returns the target handle presented to the current backend.
// Callers must hold the call-state lock.
func (c *Call) RoutedTarget() telecom.AccountHandle {
	return c.routedTarget
}

// Backend returns the backend the call is bound to, or nil. Callers must
// hold the call-state lock.
func (c *Call) Backend() Backend {
	return c.backend
}

func (c *Call) bind(rec AttemptRecord, b Backend) {
	c.connectionManager = rec.Manager
	c.routedTarget = rec.Target
	c.backend = b
}

func (c *Call) clearBackend() {
	c.backend = nil
}
