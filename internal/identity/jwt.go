package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "shiftgate/pkg/domain-errors"
)

// Claims represents the JWT claims carried by HS256 access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared key. It is the
// identity collaborator for development and tests; production uses OIDC.
type JWTVerifier struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

func NewJWTVerifier(signingKey, issuer string) *JWTVerifier {
	return &JWTVerifier{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		now:        time.Now,
	}
}

// IssueToken mints a token for principal. Used by tests and local tooling.
func (s *JWTVerifier) IssueToken(p Principal, expiresIn time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: p.ID,
		Role:   p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

func (s *JWTVerifier) Verify(ctx context.Context, credential string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, classifyProviderError(ctx, err, "identity check aborted")
	}
	if credential == "" {
		return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "missing credential")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Principal{}, dErrors.New(dErrors.CodeUnauthorized, "token has no subject")
	}
	return Principal{ID: id, Role: claims.Role}, nil
}
