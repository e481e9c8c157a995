package backend

import (
	"fmt"

	"github.com/flowpbx/callrouter/internal/telecom"
)

// causeForStatus maps a final SIP failure status from a connection service
// to the disconnect cause reported to the processor.
func causeForStatus(statusCode int, reason string) telecom.DisconnectCause {
	desc := fmt.Sprintf("%d %s", statusCode, reason)

	var code telecom.CauseCode
	switch {
	case statusCode == 486 || statusCode == 600:
		code = telecom.CauseBusy
	case statusCode == 487:
		code = telecom.CauseLocal
	case statusCode == 405 || statusCode == 415 || statusCode == 488 ||
		statusCode == 501 || statusCode == 606:
		code = telecom.CauseNotSupported
	case statusCode == 408 || statusCode == 503:
		code = telecom.CauseBindingInvalid
	case statusCode >= 400 && statusCode < 500:
		code = telecom.CauseDeclined
	case statusCode >= 600:
		code = telecom.CauseDeclined
	case statusCode >= 500:
		code = telecom.CauseError
	default:
		code = telecom.CauseUnknown
	}

	return telecom.DisconnectCause{Code: code, Reason: desc, Description: reason}
}

// applyPrefixRules strips strip leading characters from number and then
// prepends add.
func applyPrefixRules(number string, strip int, add string) string {
	if strip > 0 {
		if strip >= len(number) {
			number = ""
		} else {
			number = number[strip:]
		}
	}
	return add + number
}
