package device

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/suite"
)

const (
	androidChrome120  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.43 Mobile Safari/537.36"
	androidChrome120b = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.230 Mobile Safari/537.36"
	androidChrome121  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.6167.101 Mobile Safari/537.36"
	iphoneSafari      = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	kioskFirefox      = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
)

type DeviceSuite struct {
	suite.Suite
	svc *Service
}

func TestDeviceSuite(t *testing.T) {
	suite.Run(t, new(DeviceSuite))
}

func (s *DeviceSuite) SetupTest() {
	s.svc = NewService(true)
}

// =============================================================================
// Display names
// =============================================================================

func (s *DeviceSuite) TestParseUserAgent() {
	cases := []struct {
		name     string
		ua       string
		contains []string
	}{
		{"android phone", androidChrome120, []string{"Chrome", " on ", "Android"}},
		{"iphone", iphoneSafari, []string{" on ", "iPhone"}},
		{"shared kiosk", kioskFirefox, []string{"Firefox", " on ", "Linux"}},
		{"unrecognised client", "shiftgate-cli/1.0", []string{" on "}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			got := ParseUserAgent(tc.ua)
			for _, want := range tc.contains {
				s.Contains(got, want)
			}
			s.NotContains(got, "  ")
		})
	}

	s.Run("blank header", func() {
		s.Equal("Unknown Device", ParseUserAgent("  "))
	})
}

// =============================================================================
// Fingerprints
// =============================================================================

func (s *DeviceSuite) TestFingerprint() {
	s.Run("stable across patch releases", func() {
		s.Equal(s.svc.ComputeFingerprint(androidChrome120), s.svc.ComputeFingerprint(androidChrome120b))
	})

	s.Run("changes with the major version", func() {
		s.NotEqual(s.svc.ComputeFingerprint(androidChrome120), s.svc.ComputeFingerprint(androidChrome121))
	})

	s.Run("distinguishes phones from kiosks", func() {
		s.NotEqual(s.svc.ComputeFingerprint(androidChrome120), s.svc.ComputeFingerprint(kioskFirefox))
	})

	s.Run("is hex sha-256", func() {
		s.Regexp(regexp.MustCompile(`^[0-9a-f]{64}$`), s.svc.ComputeFingerprint(iphoneSafari))
	})

	s.Run("opted out", func() {
		s.Empty(NewService(false).ComputeFingerprint(iphoneSafari))
		s.Empty(s.svc.ComputeFingerprint(""))
	})
}

func (s *DeviceSuite) TestLabel() {
	s.Run("name followed by fingerprint prefix", func() {
		want := ParseUserAgent(kioskFirefox) + " [" + s.svc.ComputeFingerprint(kioskFirefox)[:12] + "]"
		s.Equal(want, s.svc.Label(kioskFirefox))
	})

	s.Run("name only when opted out", func() {
		s.Equal(ParseUserAgent(kioskFirefox), NewService(false).Label(kioskFirefox))
	})

	s.Run("blank header", func() {
		s.Equal("Unknown Device", s.svc.Label(""))
	})
}
