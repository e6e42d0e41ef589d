// Package privacy reduces personal data before it reaches logs or audit sinks.
package privacy

import (
	"encoding/hex"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AnonymizeIP truncates an address to its network prefix: /24 for IPv4 and
// /48 for IPv6. Unparseable input is returned as "invalid".
func AnonymizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String() + "/48"
}

// HashSubject returns a stable, non-reversible identifier for a principal so
// audit sinks can correlate events without storing the raw id.
func HashSubject(subject string) string {
	if subject == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:16])
}
