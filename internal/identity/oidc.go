package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	dErrors "shiftgate/pkg/domain-errors"
	"shiftgate/pkg/email"
)

// OIDCVerifier verifies ID tokens issued by an OpenID Connect provider. The
// principal id is the token subject; the role comes from a configurable claim.
type OIDCVerifier struct {
	verifier  *oidc.IDTokenVerifier
	roleClaim string
}

// NewOIDCVerifier discovers the provider's keys from issuerURL.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID, roleClaim string) (*OIDCVerifier, error) {
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(initCtx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}
	return NewOIDCVerifierFrom(provider.Verifier(&oidc.Config{ClientID: clientID}), roleClaim), nil
}

// NewOIDCVerifierFrom wraps an existing token verifier, for static key sets.
func NewOIDCVerifierFrom(v *oidc.IDTokenVerifier, roleClaim string) *OIDCVerifier {
	if roleClaim == "" {
		roleClaim = "role"
	}
	return &OIDCVerifier{verifier: v, roleClaim: roleClaim}
}

func (o *OIDCVerifier) Verify(ctx context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "missing credential")
	}
	token, err := o.verifier.Verify(ctx, credential)
	if err != nil {
		return Principal{}, classifyProviderError(ctx, err, "invalid id token")
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return Principal{}, dErrors.Wrap(err, dErrors.CodeUnauthorized, "unreadable id token claims")
	}
	role, _ := claims[o.roleClaim].(string)
	if role == "" {
		role = firstRole(claims["roles"])
	}
	return Principal{ID: token.Subject, Role: role, DisplayName: displayName(claims)}, nil
}

// displayName prefers the provider's name claim and falls back to one
// derived from the email address.
func displayName(claims map[string]any) string {
	if name, _ := claims["name"].(string); name != "" {
		return name
	}
	addr, _ := claims["email"].(string)
	if addr == "" {
		return ""
	}
	return email.DisplayName(addr)
}

// firstRole handles providers that emit a "roles" array instead of a scalar.
func firstRole(v any) string {
	roles, ok := v.([]any)
	if !ok || len(roles) == 0 {
		return ""
	}
	s, _ := roles[0].(string)
	return s
}
