package testutil

import (
	"net/http"
	"time"

	"shiftgate/pkg/requestcontext"
)

// WithBearer sets the Authorization header the way a real client would.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// WithClient sets client IP and user agent as the metadata middleware would.
func WithClient(req *http.Request, ip, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), ip, userAgent))
}

// WithTime pins the request time.
func WithTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
