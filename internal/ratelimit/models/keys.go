package models

import "strings"

// SanitizeKeySegment escapes the key delimiter in caller-controlled segments
// so that an identifier such as "10.0.0.1:payroll" cannot address another
// class's window.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// WindowKey is the store key for a client within an endpoint class.
func WindowKey(class EndpointClass, identifier string) string {
	return string(class) + ":" + SanitizeKeySegment(identifier)
}
