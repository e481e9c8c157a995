package routing

import (
	"testing"

	"github.com/flowpbx/callrouter/internal/telecom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	simHandle     = handle("com.carrier", "sim1")
	sim2Handle    = handle("com.carrier", "sim2")
	managerHandle = handle("com.manager", "mgr")
	voipHandle    = handle("com.voip", "voip")
)

func TestBuildDirectTarget(t *testing.T) {
	reg := newFakeRegistrar()
	reg.add(account(voipHandle, "VoIP", 0))

	b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
	got, err := b.Build(&Call{ID: "c1", Address: "sip:bob@example.com", TargetAccount: voipHandle})
	require.NoError(t, err)
	assert.Equal(t, []AttemptRecord{Direct(voipHandle)}, got)
}

func TestBuildNoTarget(t *testing.T) {
	reg := newFakeRegistrar()
	reg.manager = managerHandle

	b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
	got, err := b.Build(&Call{ID: "c1", Address: "tel:123"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBuildConnectionManagerWrapping(t *testing.T) {
	tests := []struct {
		name    string
		target  telecom.Account
		manager telecom.AccountHandle
		self    bool
		want    []AttemptRecord
	}{
		{
			name:    "sim target wrapped",
			target:  account(simHandle, "SIM", telecom.CapSIMSubscription),
			manager: managerHandle,
			want:    []AttemptRecord{{Manager: managerHandle, Target: simHandle}, Direct(simHandle)},
		},
		{
			name:    "non-sim target not wrapped",
			target:  account(voipHandle, "VoIP", 0),
			manager: managerHandle,
			want:    []AttemptRecord{Direct(voipHandle)},
		},
		{
			name:   "no manager",
			target: account(simHandle, "SIM", telecom.CapSIMSubscription),
			want:   []AttemptRecord{Direct(simHandle)},
		},
		{
			name:    "manager is target",
			target:  account(managerHandle, "Manager", telecom.CapSIMSubscription),
			manager: managerHandle,
			want:    []AttemptRecord{Direct(managerHandle)},
		},
		{
			name:    "self-managed never wrapped",
			target:  account(simHandle, "SIM", telecom.CapSIMSubscription),
			manager: managerHandle,
			self:    true,
			want:    []AttemptRecord{Direct(simHandle)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistrar()
			reg.add(tt.target)
			reg.manager = tt.manager

			b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
			got, err := b.Build(&Call{
				ID:            "c1",
				Address:       "tel:5551234",
				TargetAccount: tt.target.Handle,
				SelfManaged:   tt.self,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildUnknownTargetNotWrapped(t *testing.T) {
	reg := newFakeRegistrar()
	reg.manager = managerHandle

	b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
	got, err := b.Build(&Call{ID: "c1", Address: "tel:1", TargetAccount: simHandle})
	require.NoError(t, err)
	assert.Equal(t, []AttemptRecord{Direct(simHandle)}, got)
}

func TestAdjustForConnectionManagerRejectsMultipleRecords(t *testing.T) {
	reg := newFakeRegistrar()
	reg.manager = managerHandle

	b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
	_, err := b.adjustForConnectionManager(&Call{ID: "c1"}, []AttemptRecord{Direct(simHandle), Direct(voipHandle)})
	require.ErrorIs(t, err, ErrAmbiguousDirectAttempts)
}

func TestBuildEmergency(t *testing.T) {
	simEmergency := telecom.CapSIMSubscription | telecom.CapPlaceEmergencyCalls

	t.Run("first sim then manager", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(voipHandle, "VoIP", telecom.CapPlaceEmergencyCalls))
		reg.add(account(sim2Handle, "SIM 2", simEmergency))
		reg.add(account(simHandle, "SIM 1", simEmergency))
		reg.add(account(managerHandle, "Manager", telecom.CapPlaceEmergencyCalls|telecom.CapConnectionManager))
		reg.slots[simHandle] = 0
		reg.slots[sim2Handle] = 1
		reg.manager = managerHandle
		reg.outgoing["tel"] = sim2Handle

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:112", TargetAccount: voipHandle, Emergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{
			Direct(simHandle),
			{Manager: managerHandle, Target: sim2Handle},
		}, got)
	})

	t.Run("target account is replaced", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(simHandle, "SIM", simEmergency))
		reg.add(account(voipHandle, "VoIP", 0))

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", TargetAccount: voipHandle, Emergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{Direct(simHandle)}, got)
	})

	t.Run("manager without emergency capability ignored", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(simHandle, "SIM", simEmergency))
		reg.add(account(managerHandle, "Manager", telecom.CapConnectionManager))
		reg.manager = managerHandle

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{Direct(simHandle)}, got)
	})

	t.Run("manager with no outgoing account has empty target", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(managerHandle, "Manager", telecom.CapPlaceEmergencyCalls))
		reg.manager = managerHandle

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{{Manager: managerHandle}}, got)
	})

	t.Run("manager record not duplicated", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(simHandle, "SIM", simEmergency|telecom.CapConnectionManager))
		reg.manager = simHandle
		reg.outgoing["tel"] = simHandle

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{Direct(simHandle)}, got)
	})

	t.Run("non-sim fallback when nothing else", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(voipHandle, "VoIP", telecom.CapPlaceEmergencyCalls))

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{Direct(voipHandle)}, got)
	})

	t.Run("synthesized account when none registered", func(t *testing.T) {
		fallbackHandle := handle("com.phone", "emergency")
		fallback := account(fallbackHandle, "Emergency", simEmergency)

		b := NewListBuilder(newFakeRegistrar(), true, fallback, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{Direct(fallbackHandle)}, got)
	})

	t.Run("no synthesized account without telephony", func(t *testing.T) {
		fallback := account(handle("com.phone", "emergency"), "Emergency", simEmergency)

		b := NewListBuilder(newFakeRegistrar(), false, fallback, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("no capable account gives empty list", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(voipHandle, "VoIP", 0))
		reg.add(account(simHandle, "SIM", telecom.CapSIMSubscription))

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("test emergency filters accounts", func(t *testing.T) {
		reg := newFakeRegistrar()
		reg.add(account(simHandle, "SIM 1", simEmergency))
		reg.add(account(sim2Handle, "SIM 2", simEmergency|telecom.CapSupportsTestEmergency))

		b := NewListBuilder(reg, true, telecom.Account{}, discardLogger)
		got, err := b.Build(&Call{ID: "e1", Address: "tel:911", Emergency: true, TestEmergency: true})
		require.NoError(t, err)
		assert.Equal(t, []AttemptRecord{Direct(sim2Handle)}, got)
	})
}

func TestCallScheme(t *testing.T) {
	assert.Equal(t, "tel", (&Call{Address: "TEL:911"}).Scheme())
	assert.Equal(t, "sip", (&Call{Address: "sip:bob@example.com"}).Scheme())
	assert.Equal(t, "", (&Call{Address: "911"}).Scheme())
}
