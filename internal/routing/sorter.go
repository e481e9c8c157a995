package routing

import (
	"cmp"
	"slices"

	"github.com/flowpbx/callrouter/internal/telecom"
)

// SortForEmergency orders candidates for emergency dialing. Keys are
// evaluated in order and the first non-zero comparison wins:
//
//  1. SIM subscriptions before everything else
//  2. emergency-preferred accounts first
//  3. accounts with a valid slot before those without
//  4. with both slots valid, the preferred account first
//  5. with both slots valid, the lower slot index first
//  6. package name, then label, then handle ID and user
//
// The input slice is sorted in place. Slots are resolved once per account.
func SortForEmergency(accounts []telecom.Account, preferred telecom.AccountHandle, slots SlotResolver) {
	type slot struct {
		index int
		valid bool
	}
	resolved := make(map[telecom.AccountHandle]slot, len(accounts))
	for _, a := range accounts {
		if _, ok := resolved[a.Handle]; ok {
			continue
		}
		var s slot
		if slots != nil {
			s.index, s.valid = slots.SlotIndex(a.Handle)
		}
		resolved[a.Handle] = s
	}

	slices.SortStableFunc(accounts, func(a, b telecom.Account) int {
		if c := preferTrue(a.HasCapabilities(telecom.CapSIMSubscription), b.HasCapabilities(telecom.CapSIMSubscription)); c != 0 {
			return c
		}
		if c := preferTrue(a.HasCapabilities(telecom.CapEmergencyPreferred), b.HasCapabilities(telecom.CapEmergencyPreferred)); c != 0 {
			return c
		}

		sa, sb := resolved[a.Handle], resolved[b.Handle]
		if c := preferTrue(sa.valid, sb.valid); c != 0 {
			return c
		}
		if sa.valid && sb.valid {
			// The preference key only applies between two valid slots.
			if !preferred.IsZero() {
				if c := preferTrue(a.Handle == preferred, b.Handle == preferred); c != 0 {
					return c
				}
			}
			if c := cmp.Compare(sa.index, sb.index); c != 0 {
				return c
			}
		}

		return cmp.Or(
			cmp.Compare(a.Handle.Component.Package, b.Handle.Component.Package),
			cmp.Compare(a.Label, b.Label),
			cmp.Compare(a.Handle.Component.Class, b.Handle.Component.Class),
			cmp.Compare(a.Handle.ID, b.Handle.ID),
			cmp.Compare(a.Handle.User, b.Handle.User),
		)
	})
}

// preferTrue orders true before false.
func preferTrue(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	default:
		return 1
	}
}
