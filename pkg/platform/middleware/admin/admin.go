package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "shiftgate/pkg/domain-errors"
	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/platform/httputil"
	request "shiftgate/pkg/platform/middleware/request"
)

const HeaderAdminToken = "X-Admin-Token"

// Emitter receives a security event when an admin token does not match.
type Emitter interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// RequireAdminToken guards a route group with a shared admin token. An empty
// expected token rejects every request so admin routes are never open by accident.
func RequireAdminToken(expectedToken string, logger *slog.Logger, emitter Emitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderAdminToken)
			// Use constant-time comparison to prevent timing attacks
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", request.GetRequestID(ctx),
					"path", r.URL.Path,
				)
				if emitter != nil {
					emitter.Emit(ctx, audit.SecurityEvent{
						Action: audit.ActionAdminTokenMismatch,
						Reason: "admin token required",
						Detail: map[string]string{"path": r.URL.Path},
					})
				}
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
