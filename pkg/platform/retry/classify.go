package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	dErrors "shiftgate/pkg/domain-errors"
)

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors that carry a server backoff hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// IsRetryable reports whether err signals rate limiting, a transient network
// condition, a timeout or a 5xx failure. Client-side problems such as bad
// input, unauthorized, not found, or domain conflicts are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.StatusCode()
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}

	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Code.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// RetryAfterHint extracts a server-provided backoff from err.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}
