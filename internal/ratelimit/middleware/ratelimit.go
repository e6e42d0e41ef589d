package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"shiftgate/internal/ratelimit/models"
	"shiftgate/pkg/platform/httputil"
	metadata "shiftgate/pkg/platform/middleware/metadata"
	"shiftgate/pkg/platform/privacy"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderStatus     = "X-RateLimit-Status"
	HeaderRetryAfter = "Retry-After"
)

type RateLimiter interface {
	Check(ctx context.Context, class models.EndpointClass, identifier string) (*models.Result, error)
}

type Middleware struct {
	limiter  RateLimiter
	logger   *slog.Logger
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for local development).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func New(limiter RateLimiter, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		limiter: limiter,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Warn("rate limiting disabled")
	}
	return m
}

// RateLimit governs a route group by client IP within class. It must run
// after metadata.ClientMetadata.
func (m *Middleware) RateLimit(class models.EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			ip := metadata.GetClientIP(ctx)

			result, err := m.limiter.Check(ctx, class, ip)
			if err != nil {
				m.logger.ErrorContext(ctx, "rate limit check failed",
					"error", err,
					"class", string(class),
					"ip_prefix", privacy.AnonymizeIP(ip),
					"fail_closed", class.FailsClosed(),
				)
				if class.FailsClosed() {
					writeUnavailable(w)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)

			if !result.Allowed {
				writeRateLimited(w, result)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	if result == nil {
		return
	}
	w.Header().Set(HeaderLimit, strconv.Itoa(result.Limit))
	w.Header().Set(HeaderRemaining, strconv.Itoa(result.Remaining))
	w.Header().Set(HeaderReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
	if result.Degraded {
		w.Header().Set(HeaderStatus, "degraded")
	}
}

func writeRateLimited(w http.ResponseWriter, result *models.Result) {
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitedResponse{
		Error:      "RateLimited",
		Message:    "Too many requests. Please try again later.",
		RetryAfter: result.RetryAfter,
	})
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set(HeaderRetryAfter, "1")
	httputil.WriteJSON(w, http.StatusServiceUnavailable, &models.UnavailableResponse{
		Error:   "unavailable",
		Message: "Rate limiting is temporarily unavailable. Please try again shortly.",
	})
}
