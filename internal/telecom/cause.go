package telecom

import "fmt"

// CauseCode classifies why a connection attempt ended.
type CauseCode int

const (
	CauseUnknown CauseCode = iota
	// CauseError is a generic failure with no more specific classification.
	CauseError
	// CauseNotSupported means the backend does not handle this call shape.
	CauseNotSupported
	// CauseBindingInvalid means the backend is unreachable or unbound.
	CauseBindingInvalid
	// CauseTimedOut means no response arrived within the attempt window.
	CauseTimedOut
	// CauseDeclined means the backend refused the call for a substantive reason.
	CauseDeclined
	// CauseNoRoute means no attempt could be built for the call.
	CauseNoRoute
	// CauseLocal means the call was aborted by its owner.
	CauseLocal
	// CauseBusy means the far end was busy.
	CauseBusy
)

var causeNames = map[CauseCode]string{
	CauseUnknown:        "unknown",
	CauseError:          "error",
	CauseNotSupported:   "not_supported",
	CauseBindingInvalid: "binding_invalid",
	CauseTimedOut:       "timed_out",
	CauseDeclined:       "declined",
	CauseNoRoute:        "no_route",
	CauseLocal:          "local",
	CauseBusy:           "busy",
}

// String returns the snake_case name used in logs, metrics and the API.
func (c CauseCode) String() string {
	if n, ok := causeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// DisconnectCause describes why a call or attempt ended.
type DisconnectCause struct {
	Code        CauseCode
	Reason      string
	Description string
}

// NewCause builds a cause with a reason string.
func NewCause(code CauseCode, reason string) DisconnectCause {
	return DisconnectCause{Code: code, Reason: reason}
}

// Error implements error so causes can travel through error returns.
func (d DisconnectCause) Error() string {
	if d.Reason == "" {
		return d.Code.String()
	}
	return d.Code.String() + ": " + d.Reason
}

// ParseCauseCode returns the code with the given snake_case name.
func ParseCauseCode(name string) (CauseCode, bool) {
	for code, n := range causeNames {
		if n == name {
			return code, true
		}
	}
	return CauseUnknown, false
}
