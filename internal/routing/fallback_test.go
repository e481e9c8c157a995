package routing

import (
	"testing"

	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/stretchr/testify/assert"
)

func TestFallbackPolicyShouldStop(t *testing.T) {
	managed := AttemptRecord{Manager: managerHandle, Target: simHandle}
	declined := telecom.NewCause(telecom.CauseDeclined, "user busy")

	tests := []struct {
		name    string
		manager telecom.AccountHandle
		rec     AttemptRecord
		backend Backend
		cause   telecom.DisconnectCause
		want    bool
	}{
		{
			name:    "no designated manager",
			rec:     managed,
			backend: &fakeBackend{name: "mgr"},
			cause:   declined,
			want:    false,
		},
		{
			name:    "record is not the manager",
			manager: managerHandle,
			rec:     Direct(simHandle),
			backend: &fakeBackend{name: "sim"},
			cause:   declined,
			want:    false,
		},
		{
			name:    "manager refused",
			manager: managerHandle,
			rec:     managed,
			backend: &fakeBackend{name: "mgr"},
			cause:   declined,
			want:    true,
		},
		{
			name:    "manager never bound",
			manager: managerHandle,
			rec:     managed,
			cause:   declined,
			want:    true,
		},
		{
			name:    "manager does not support call",
			manager: managerHandle,
			rec:     managed,
			backend: &fakeBackend{name: "mgr"},
			cause:   telecom.NewCause(telecom.CauseNotSupported, ""),
			want:    false,
		},
		{
			name:    "manager binding lost",
			manager: managerHandle,
			rec:     managed,
			backend: &fakeBackend{name: "mgr", invalid: true},
			cause:   declined,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistrar()
			reg.manager = tt.manager
			f := NewFallbackPolicy(reg)
			assert.Equal(t, tt.want, f.ShouldStop(&Call{ID: "c1"}, tt.rec, tt.backend, tt.cause))
		})
	}
}
