package metadata

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"shiftgate/pkg/requestcontext"
)

// Resolver decides which address a request comes from. X-Forwarded-For and
// X-Real-IP are honoured only when the direct peer is a trusted proxy;
// otherwise any client could pick its own rate-limit key.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses trusted proxy CIDRs. A bare address is taken as a
// single-host prefix.
func NewResolver(trustedProxies []string) (*Resolver, error) {
	r := &Resolver{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			r.trusted = append(r.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		r.trusted = append(r.trusted, prefix.Masked())
	}
	return r, nil
}

// Middleware adds client IP and User-Agent to the context. Apply it before
// rate limiting, which keys on the client IP.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), res.ClientIP(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientMetadata is the middleware for deployments without a proxy in front:
// the peer address is the client.
func ClientMetadata(next http.Handler) http.Handler {
	return (&Resolver{}).Middleware(next)
}

// GetClientIP retrieves the client IP address from the context.
func GetClientIP(ctx context.Context) string {
	return requestcontext.ClientIP(ctx)
}

// GetUserAgent retrieves the User-Agent from the context.
func GetUserAgent(ctx context.Context) string {
	return requestcontext.UserAgent(ctx)
}

// ClientIP walks X-Forwarded-For from the right, skipping trusted proxies,
// and returns the first hop that is not one. Entries left of that hop were
// written by the client and are ignored.
func (res *Resolver) ClientIP(r *http.Request) string {
	peer := peerAddr(r.RemoteAddr)
	if !res.isTrusted(peer) {
		if peer == "" {
			return "unknown"
		}
		return peer
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			addr, err := netip.ParseAddr(hop)
			if err != nil {
				// an unparsable hop cannot be attributed; stop at the last good one
				break
			}
			if !res.isTrusted(hop) {
				return addr.Unmap().String()
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return addr.Unmap().String()
		}
	}
	return peer
}

func (res *Resolver) isTrusted(ip string) bool {
	if len(res.trusted) == 0 || ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range res.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func peerAddr(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
