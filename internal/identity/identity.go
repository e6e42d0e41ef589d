// Package identity adapts external identity providers into a single
// Verifier: a credential goes in, a verified principal id and role come out.
package identity

import (
	"context"
	"errors"
	"net"
	"strings"

	dErrors "shiftgate/pkg/domain-errors"
)

// Principal is the verified actor behind a request.
type Principal struct {
	ID   string `json:"principal_id"`
	Role string `json:"role"`
	// DisplayName is informational only; admission never reads it.
	DisplayName string `json:"display_name,omitempty"`
}

// Verifier checks a bearer credential with the identity collaborator.
//
// Errors carry a dErrors code: CodeUnauthorized when the credential is
// rejected, CodeTimeout or CodeUnavailable when the provider could not answer.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// IsRejected reports whether err means the credential itself was refused,
// as opposed to the provider failing.
func IsRejected(err error) bool {
	return dErrors.CodeOf(err) == dErrors.CodeUnauthorized
}

func classifyProviderError(ctx context.Context, err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "identity provider timed out")
	}
	if errors.Is(err, context.Canceled) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "identity check cancelled")
	}
	if isProviderUnreachable(err) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "identity provider unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeUnauthorized, msg)
}

// go-oidc formats key set failures with %v, so the chain below "failed to
// verify signature" is only visible in the message.
var keySetFailures = []string{"fetching keys", "get keys failed", "failed to decode keys"}

func isProviderUnreachable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range keySetFailures {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
