package routing

import (
	"fmt"

	"github.com/flowpbx/callrouter/internal/telecom"
)

// AttemptRecord pairs the connection service to bind (Manager) with the
// account identity presented to it (Target). Records are compared
// structurally.
type AttemptRecord struct {
	Manager telecom.AccountHandle
	Target  telecom.AccountHandle
}

// Direct returns a record that binds the target's own connection service.
func Direct(target telecom.AccountHandle) AttemptRecord {
	return AttemptRecord{Manager: target, Target: target}
}

// IsManaged reports whether the record routes through a different service
// than the target's own.
func (r AttemptRecord) IsManaged() bool {
	return r.Manager != r.Target
}

func (r AttemptRecord) String() string {
	return fmt.Sprintf("{manager=%s target=%s}", r.Manager, r.Target)
}
