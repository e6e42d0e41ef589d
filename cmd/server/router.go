package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	attendancehandler "shiftgate/internal/attendance/handler"
	"shiftgate/internal/platform/metrics"
	ratelimithandler "shiftgate/internal/ratelimit/handler"
	ratelimitmw "shiftgate/internal/ratelimit/middleware"
	"shiftgate/internal/ratelimit/models"
	"shiftgate/pkg/platform/middleware/admin"
	auth "shiftgate/pkg/platform/middleware/auth"
	metadata "shiftgate/pkg/platform/middleware/metadata"
	request "shiftgate/pkg/platform/middleware/request"
	"shiftgate/pkg/platform/middleware/requesttime"
)

// routerDeps is everything the HTTP surface is built from.
type routerDeps struct {
	logger         *slog.Logger
	attendance     *attendancehandler.Handler
	rateLimitAdmin *ratelimithandler.Handler
	limiter        *ratelimitmw.Middleware
	httpMetrics    *metrics.Metrics
	gatherer       prometheus.Gatherer
	adminToken     string
	adminAudit     admin.Emitter
	requestTimeout time.Duration
	health         []healthCheck
	// clientIP decides which forwarding headers to believe; nil trusts none.
	clientIP *metadata.Resolver
	// clock overrides the per-request time source; nil means time.Now.
	clock func() time.Time
}

// newRouter mounts every route group behind its endpoint class. Client
// metadata must be in the context before any rate limiter runs.
func newRouter(d routerDeps) http.Handler {
	clock := d.clock
	if clock == nil {
		clock = time.Now
	}
	clientIP := d.clientIP
	if clientIP == nil {
		clientIP = &metadata.Resolver{}
	}

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(d.logger))
	r.Use(request.Logger(d.logger))
	r.Use(requesttime.MiddlewareWithClock(clock))
	r.Use(clientIP.Middleware)
	r.Use(auth.ExtractBearer)
	r.Use(d.httpMetrics.Latency)
	if d.requestTimeout > 0 {
		r.Use(request.Timeout(d.requestTimeout))
	}
	r.Use(request.ContentTypeJSON)

	r.Group(func(r chi.Router) {
		r.Use(d.limiter.RateLimit(models.ClassPayroll))
		d.attendance.RegisterPayroll(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(d.limiter.RateLimit(models.ClassGeneral))
		d.attendance.RegisterGeneral(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(d.limiter.RateLimit(models.ClassPublic))
		d.attendance.RegisterPublic(r)
		r.Get("/healthz", healthHandler(d.health))
		if d.gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(d.limiter.RateLimit(models.ClassAuth))
		d.attendance.RegisterAuth(r)
	})
	r.Group(func(r chi.Router) {
		// governed before the token check so guessing is rate limited too
		r.Use(d.limiter.RateLimit(models.ClassAdmin))
		r.Use(admin.RequireAdminToken(d.adminToken, d.logger, d.adminAudit))
		d.rateLimitAdmin.RegisterAdmin(r)
	})
	return r
}
