package telecom

import (
	"fmt"
	"slices"
	"strings"
)

// ComponentName identifies a connection service implementation.
type ComponentName struct {
	Package string
	Class   string
}

// String returns the "package/class" form used in logs and config.
func (c ComponentName) String() string {
	return c.Package + "/" + c.Class
}

// IsZero reports whether the component name is unset.
func (c ComponentName) IsZero() bool {
	return c.Package == "" && c.Class == ""
}

// AccountHandle identifies an account registered by a connection service.
// Handles are compared structurally; the zero handle means "no account".
type AccountHandle struct {
	Component ComponentName
	ID        string
	User      string
}

// IsZero reports whether the handle is unset.
func (h AccountHandle) IsZero() bool {
	return h == AccountHandle{}
}

// String returns the "package/class/id" form used in logs and config.
func (h AccountHandle) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return h.Component.String() + "/" + h.ID
}

// ParseAccountHandle parses a "package/class/id" string. The user part is
// left empty.
func ParseAccountHandle(s string) (AccountHandle, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return AccountHandle{}, fmt.Errorf("account handle %q must be package/class/id", s)
	}
	return AccountHandle{
		Component: ComponentName{Package: parts[0], Class: parts[1]},
		ID:        parts[2],
	}, nil
}

// Capability is a bit set describing what an account can do.
type Capability uint32

const (
	CapSIMSubscription Capability = 1 << iota
	CapPlaceEmergencyCalls
	CapEmergencyPreferred
	CapConnectionManager
	CapSelfManaged
	CapSupportsTestEmergency
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapSIMSubscription, "sim_subscription"},
	{CapPlaceEmergencyCalls, "place_emergency_calls"},
	{CapEmergencyPreferred, "emergency_preferred"},
	{CapConnectionManager, "connection_manager"},
	{CapSelfManaged, "self_managed"},
	{CapSupportsTestEmergency, "supports_test_emergency"},
}

// Names returns the capability names set in c, in bit order.
func (c Capability) Names() []string {
	var names []string
	for _, cn := range capabilityNames {
		if c&cn.cap != 0 {
			names = append(names, cn.name)
		}
	}
	return names
}

// ParseCapabilities converts capability names into a bit set.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, n := range names {
		found := false
		for _, cn := range capabilityNames {
			if strings.EqualFold(strings.TrimSpace(n), cn.name) {
				c |= cn.cap
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return c, nil
}

// Account is a read-only view of a registered account: an identity plus the
// capability set a call could be placed through.
type Account struct {
	Handle       AccountHandle
	Label        string
	Capabilities Capability
	Schemes      []string
	Enabled      bool
}

// HasCapabilities reports whether every bit in c is set on the account.
func (a Account) HasCapabilities(c Capability) bool {
	return a.Capabilities&c == c
}

// SupportsScheme reports whether the account can place calls to addresses
// with the given URI scheme.
func (a Account) SupportsScheme(scheme string) bool {
	return slices.ContainsFunc(a.Schemes, func(s string) bool {
		return strings.EqualFold(s, scheme)
	})
}
