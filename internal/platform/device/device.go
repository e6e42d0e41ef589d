// Package device turns a User-Agent header into a display name and a coarse
// fingerprint for security audit events.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mssola/useragent"
)

// Service computes fingerprints. A disabled service returns empty
// fingerprints so deployments can opt out of device tracking.
type Service struct {
	enabled bool
}

func NewService(enabled bool) *Service {
	return &Service{enabled: enabled}
}

// ParseUserAgent returns "<browser> on <os>", or "Unknown Device" when the
// header is empty.
func ParseUserAgent(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return "Unknown Device"
	}
	ua := useragent.New(userAgent)

	browser, _ := ua.Browser()
	browser = strings.TrimSpace(browser)
	if browser == "" {
		browser = "Unknown Browser"
	}
	os := strings.TrimSpace(ua.OS())
	if os == "" {
		os = strings.TrimSpace(ua.Platform())
	}
	if os == "" {
		os = "Unknown OS"
	}
	return strings.Join(strings.Fields(browser+" on "+os), " ")
}

// ComputeFingerprint hashes browser family, browser major version and OS
// family. Patch-level browser updates keep the same fingerprint.
func (s *Service) ComputeFingerprint(userAgent string) string {
	if !s.enabled || strings.TrimSpace(userAgent) == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	major, _, _ := strings.Cut(version, ".")
	osInfo := ua.OSInfo()

	sum := sha256.Sum256([]byte(strings.Join([]string{
		name, major, osInfo.Name, ua.Platform(), boolString(ua.Mobile()),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// Label is the device string attached to security events: the display name,
// followed by a short fingerprint prefix when fingerprinting is enabled.
func (s *Service) Label(userAgent string) string {
	name := ParseUserAgent(userAgent)
	if fp := s.ComputeFingerprint(userAgent); fp != "" {
		return name + " [" + fp[:12] + "]"
	}
	return name
}

func boolString(b bool) string {
	if b {
		return "mobile"
	}
	return "desktop"
}
