package api

import (
	"net"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/flowpbx/callrouter/internal/telecom"
)

const (
	maxNameLen     = 200
	maxIDLen       = 100
	maxHostLen     = 253
	maxPasswordLen = 256
	maxAddressLen  = 512
)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateHandlePart checks one segment of a package/class/id handle.
func validateHandlePart(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxIDLen); msg != "" {
		return msg
	}
	if strings.ContainsAny(value, "/, \t\r\n") {
		return field + " contains invalid characters"
	}
	return ""
}

// validateHost checks that a string looks like a hostname or IP address.
func validateHost(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if len(value) > maxHostLen {
		return field + " exceeds maximum length"
	}
	if net.ParseIP(value) != nil {
		return ""
	}
	if strings.ContainsAny(value, " \t\n\r/:@") {
		return field + " contains invalid characters"
	}
	return ""
}

func validatePort(field string, port int) string {
	if port < 0 || port > 65535 {
		return field + " must be between 1 and 65535"
	}
	return ""
}

var validTransports = map[string]bool{"udp": true, "tcp": true, "tls": true}

func validateTransport(field, value string) string {
	if value == "" || validTransports[strings.ToLower(value)] {
		return ""
	}
	return field + " must be one of udp, tcp, tls"
}

// validateCapabilities checks every entry names a known capability.
func validateCapabilities(field string, names []string) string {
	if _, err := telecom.ParseCapabilities(names); err != nil {
		return field + ": " + err.Error()
	}
	return ""
}

// validateSchemes checks each URI scheme is a bare token such as "tel".
func validateSchemes(field string, schemes []string) string {
	for i, s := range schemes {
		if s == "" || strings.ContainsAny(s, ":,/ \t") {
			return field + "[" + strconv.Itoa(i) + "] is not a valid uri scheme"
		}
	}
	return ""
}

// validateAddress checks a dialed address has the scheme:rest form.
func validateAddress(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxAddressLen); msg != "" {
		return msg
	}
	scheme, rest, ok := strings.Cut(value, ":")
	if !ok || scheme == "" || rest == "" {
		return field + " must be a uri such as tel:+61255501234"
	}
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// containsControlChars checks whether a string has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// firstError returns the first non-empty message.
func firstError(msgs ...string) string {
	for _, m := range msgs {
		if m != "" {
			return m
		}
	}
	return ""
}
