package routing

import (
	"errors"
	"log/slog"
	"slices"

	"github.com/flowpbx/callrouter/internal/telecom"
)

// ErrAmbiguousDirectAttempts is returned when the connection manager would
// have to wrap more than one direct attempt.
var ErrAmbiguousDirectAttempts = errors.New("connection manager cannot wrap more than one direct attempt")

// ListBuilder produces the ordered attempt records for a call.
type ListBuilder struct {
	registrar Registrar
	logger    *slog.Logger

	// telephony reports whether the device can place calls over a SIM at all.
	telephony bool
	// emergencyFallback is synthesized when an emergency call finds no
	// accounts and telephony is present.
	emergencyFallback telecom.Account
}

// NewListBuilder creates an attempt list builder.
func NewListBuilder(registrar Registrar, telephony bool, emergencyFallback telecom.Account, logger *slog.Logger) *ListBuilder {
	return &ListBuilder{
		registrar:         registrar,
		telephony:         telephony,
		emergencyFallback: emergencyFallback,
		logger:            logger,
	}
}

// Build returns the attempts for the call in the order they must be tried.
// An empty list means no route exists.
func (b *ListBuilder) Build(call *Call) ([]AttemptRecord, error) {
	var records []AttemptRecord
	if !call.TargetAccount.IsZero() {
		records = append(records, Direct(call.TargetAccount))
	}

	if call.SelfManaged {
		return records, nil
	}

	records, err := b.adjustForConnectionManager(call, records)
	if err != nil {
		return nil, err
	}

	if call.Emergency {
		records = b.emergencyAttempts(call)
	}
	return records, nil
}

// adjustForConnectionManager puts the designated connection manager in front
// of a direct SIM attempt. The direct record stays behind it so a manager
// that declines the call can fall back to the SIM service.
func (b *ListBuilder) adjustForConnectionManager(call *Call, records []AttemptRecord) ([]AttemptRecord, error) {
	if len(records) == 0 {
		return records, nil
	}
	if len(records) > 1 {
		return nil, ErrAmbiguousDirectAttempts
	}

	manager, ok := b.registrar.DelegatingManager(call)
	if !ok {
		return records, nil
	}
	target := records[0].Target
	if manager == target {
		return records, nil
	}

	// Connection managers may only wrap SIM subscriptions.
	acct, ok := b.registrar.ResolveAccount(target)
	if !ok {
		b.logger.Debug("target account not found, not wrapping with connection manager",
			"call_id", call.ID,
			"target", target.String(),
		)
		return records, nil
	}
	if !acct.HasCapabilities(telecom.CapSIMSubscription) {
		return records, nil
	}

	b.logger.Debug("wrapping direct attempt with connection manager",
		"call_id", call.ID,
		"manager", manager.String(),
		"target", target.String(),
	)
	return []AttemptRecord{{Manager: manager, Target: target}, records[0]}, nil
}

// emergencyAttempts rebuilds the attempt list from scratch for an emergency
// call.
func (b *ListBuilder) emergencyAttempts(call *Call) []AttemptRecord {
	accounts := b.registrar.AccountsForCurrentUser()
	if len(accounts) == 0 && b.telephony && !b.emergencyFallback.Handle.IsZero() {
		b.logger.Info("no accounts available, using fallback emergency account",
			"call_id", call.ID,
			"account", b.emergencyFallback.Handle.String(),
		)
		accounts = []telecom.Account{b.emergencyFallback}
	}

	if call.TestEmergency {
		accounts = slices.DeleteFunc(slices.Clone(accounts), func(a telecom.Account) bool {
			return !a.HasCapabilities(telecom.CapSupportsTestEmergency)
		})
	} else {
		accounts = slices.Clone(accounts)
	}

	SortForEmergency(accounts, call.PreferredAccount, b.registrar)

	var records []AttemptRecord
	for _, a := range accounts {
		if a.HasCapabilities(telecom.CapSIMSubscription | telecom.CapPlaceEmergencyCalls) {
			records = append(records, Direct(a.Handle))
			break
		}
	}

	if manager, ok := b.registrar.DelegatingManager(call); ok {
		if acct, ok := b.registrar.ResolveAccount(manager); ok && acct.HasCapabilities(telecom.CapPlaceEmergencyCalls) {
			target, _ := b.registrar.OutgoingAccountForScheme(call.Scheme())
			rec := AttemptRecord{Manager: manager, Target: target}
			if !slices.Contains(records, rec) {
				records = append(records, rec)
			}
		}
	}

	if len(records) == 0 {
		for _, a := range accounts {
			if a.HasCapabilities(telecom.CapPlaceEmergencyCalls) {
				records = append(records, Direct(a.Handle))
				break
			}
		}
	}

	b.logger.Debug("built emergency attempts",
		"call_id", call.ID,
		"candidates", len(accounts),
		"attempts", len(records),
	)
	return records
}
