// Package auth lifts the bearer credential off the request. Verification is
// the identity collaborator's job and happens inside the admission pipeline,
// so an absent or malformed header is not rejected here.
package auth

import (
	"net/http"
	"strings"

	"shiftgate/pkg/requestcontext"
)

const bearerPrefix = "Bearer "

// ExtractBearer stores the bearer token (if any) in the request context.
func ExtractBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := BearerToken(r); ok {
			r = r.WithContext(requestcontext.WithCredential(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken returns the token from an "Authorization: Bearer <token>" header.
// The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
