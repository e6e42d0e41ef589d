// Package evidence checks that a submitted evidence reference was minted for
// the principal submitting it.
//
// References are opaque URLs from object storage. The only binding between a
// reference and its owner is the path layout, so each operation has a path
// template such as
//
//	attendance-photos/check-in/{principal}/*
//
// and a reference is approved only when the trailing segments of its path
// match the template with {principal} equal to the acting principal. "*"
// matches exactly one non-empty segment.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/platform/privacy"
)

// Operation selects the namespace a reference must live in.
type Operation string

const (
	OperationCheckIn  Operation = "check_in"
	OperationCheckOut Operation = "check_out"
)

const (
	placeholderPrincipal = "{principal}"
	placeholderAny       = "*"
)

// Denial reasons. They end up in audit events, never in responses.
const (
	ReasonMissing          = "evidence reference missing"
	ReasonMalformed        = "evidence reference malformed"
	ReasonNamespace        = "evidence reference outside operation namespace"
	ReasonPrincipal        = "evidence reference minted for another principal"
	ReasonUnknownOperation = "no evidence pattern for operation"
)

// Verdict is the guard's answer. A denial is a normal return value.
type Verdict struct {
	Approved bool
	// Missing is set when no reference was submitted.
	Missing bool
	Reason  string
}

// Emitter receives security events. The security publisher satisfies it.
type Emitter interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Config maps each operation to its template.
type Config struct {
	CheckInPattern  string
	CheckOutPattern string
	// AllowMissing admits requests without a reference. Each such admission
	// is still audited at warning severity.
	AllowMissing bool
}

type Guard struct {
	patterns     map[Operation][]string
	allowMissing bool
	emitter      Emitter
	logger       *slog.Logger
}

type Option func(*Guard)

func WithEmitter(e Emitter) Option {
	return func(g *Guard) {
		g.emitter = e
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func New(cfg Config, opts ...Option) (*Guard, error) {
	checkIn, err := parsePattern(cfg.CheckInPattern)
	if err != nil {
		return nil, fmt.Errorf("check-in pattern: %w", err)
	}
	checkOut, err := parsePattern(cfg.CheckOutPattern)
	if err != nil {
		return nil, fmt.Errorf("check-out pattern: %w", err)
	}
	g := &Guard{
		patterns: map[Operation][]string{
			OperationCheckIn:  checkIn,
			OperationCheckOut: checkOut,
		},
		allowMissing: cfg.AllowMissing,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// parsePattern splits a template into segments. It must name {principal}
// exactly once.
func parsePattern(raw string) ([]string, error) {
	raw = strings.Trim(strings.TrimSpace(raw), "/")
	if raw == "" {
		return nil, fmt.Errorf("pattern is empty")
	}
	segments := strings.Split(raw, "/")
	principals := 0
	for _, seg := range segments {
		switch {
		case seg == "":
			return nil, fmt.Errorf("pattern %q has an empty segment", raw)
		case seg == placeholderPrincipal:
			principals++
		case strings.ContainsAny(seg, "{}"):
			return nil, fmt.Errorf("pattern %q has unknown placeholder %q", raw, seg)
		}
	}
	if principals != 1 {
		return nil, fmt.Errorf("pattern %q must contain %s exactly once", raw, placeholderPrincipal)
	}
	return segments, nil
}

// Check approves ref for principalID under op. Denials and allowed-missing
// references are emitted as security events.
func (g *Guard) Check(ctx context.Context, op Operation, principalID, ref string) Verdict {
	if strings.TrimSpace(ref) == "" {
		if g.allowMissing {
			g.emit(ctx, audit.ActionEvidenceMissingAllowed, op, principalID, ReasonMissing)
			return Verdict{Approved: true, Missing: true}
		}
		// an omission is a policy miss, not tampering
		g.emit(ctx, audit.ActionEvidenceMissingDenied, op, principalID, ReasonMissing)
		return Verdict{Missing: true, Reason: ReasonMissing}
	}

	pattern, ok := g.patterns[op]
	if !ok {
		return g.deny(ctx, op, principalID, Verdict{Reason: ReasonUnknownOperation})
	}
	segments, ok := pathSegments(ref)
	if !ok || principalID == "" {
		return g.deny(ctx, op, principalID, Verdict{Reason: ReasonMalformed})
	}
	if reason := match(pattern, segments, principalID); reason != "" {
		return g.deny(ctx, op, principalID, Verdict{Reason: reason})
	}
	return Verdict{Approved: true}
}

func (g *Guard) deny(ctx context.Context, op Operation, principalID string, v Verdict) Verdict {
	g.emit(ctx, audit.ActionEvidenceOwnershipViolation, op, principalID, v.Reason)
	return v
}

func (g *Guard) emit(ctx context.Context, action audit.Action, op Operation, principalID, reason string) {
	g.logger.WarnContext(ctx, "evidence check",
		"event", string(action),
		"operation", string(op),
		"subject", privacy.HashSubject(principalID),
		"reason", reason,
	)
	if g.emitter == nil {
		return
	}
	g.emitter.Emit(ctx, audit.SecurityEvent{
		Action:  action,
		Subject: privacy.HashSubject(principalID),
		Reason:  reason,
		Detail:  map[string]string{"operation": string(op)},
	})
}

// pathSegments extracts decoded path segments from an absolute URL or a bare
// object key. Encoded slashes and dot segments are refused outright.
func pathSegments(ref string) ([]string, bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, false
	}
	escaped := u.EscapedPath()
	lower := strings.ToLower(escaped)
	if strings.Contains(lower, "%2f") || strings.Contains(lower, "%5c") {
		return nil, false
	}
	escaped = strings.Trim(escaped, "/")
	if escaped == "" {
		return nil, false
	}
	raw := strings.Split(escaped, "/")
	segments := make([]string, 0, len(raw))
	for _, seg := range raw {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return nil, false
		}
		if decoded == "." || decoded == ".." {
			return nil, false
		}
		segments = append(segments, decoded)
	}
	return segments, true
}

// match compares the trailing segments of path against pattern and returns a
// denial reason, or "" on success.
func match(pattern, path []string, principalID string) string {
	if len(path) < len(pattern) {
		return ReasonNamespace
	}
	tail := path[len(path)-len(pattern):]
	principalOK := true
	for i, want := range pattern {
		got := tail[i]
		switch want {
		case placeholderAny:
			if got == "" {
				return ReasonMalformed
			}
		case placeholderPrincipal:
			if got != principalID {
				principalOK = false
			}
		default:
			if got != want {
				return ReasonNamespace
			}
		}
	}
	if !principalOK {
		return ReasonPrincipal
	}
	return ""
}
