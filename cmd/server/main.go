package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"shiftgate/internal/attendance/admission"
	attendancehandler "shiftgate/internal/attendance/handler"
	"shiftgate/internal/attendance/ledger"
	attendancemetrics "shiftgate/internal/attendance/metrics"
	"shiftgate/internal/attendance/models"
	"shiftgate/internal/attendance/store/location"
	"shiftgate/internal/attendance/store/session"
	"shiftgate/internal/evidence"
	"shiftgate/internal/geofence"
	"shiftgate/internal/identity"
	"shiftgate/internal/platform/config"
	"shiftgate/internal/platform/device"
	"shiftgate/internal/platform/httpserver"
	"shiftgate/internal/platform/logger"
	"shiftgate/internal/platform/metrics"
	"shiftgate/internal/platform/postgres"
	platformredis "shiftgate/internal/platform/redis"
	"shiftgate/internal/platform/sqlite"
	ratelimithandler "shiftgate/internal/ratelimit/handler"
	ratelimitmetrics "shiftgate/internal/ratelimit/metrics"
	ratelimitmw "shiftgate/internal/ratelimit/middleware"
	ratelimitmodels "shiftgate/internal/ratelimit/models"
	"shiftgate/internal/ratelimit/ports"
	ratelimitservice "shiftgate/internal/ratelimit/service"
	"shiftgate/internal/ratelimit/store/window"
	"shiftgate/pkg/platform/audit/publishers/security"
	"shiftgate/pkg/platform/audit/sink"
	"shiftgate/pkg/platform/audit/worker"
	"shiftgate/pkg/platform/circuit"
	metadata "shiftgate/pkg/platform/middleware/metadata"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("shiftgate exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shiftgate stopped")
}

// attendanceStores groups the storage the admission pipeline runs on.
type attendanceStores struct {
	sessions  ledger.Store
	locations interface {
		admission.LocationStore
		attendancehandler.LocationReader
		Upsert(ctx context.Context, l models.Location) error
	}
	db *sql.DB
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	publisher := security.New(
		security.WithLogger(log),
		security.WithCapacity(cfg.Audit.BufferCapacity),
		security.WithDeviceLabel(device.NewService(cfg.Audit.DeviceFingerprint).Label),
	)
	auditWorker, closeSink, err := buildAuditWorker(cfg, log, publisher)
	if err != nil {
		return err
	}
	defer closeSink()

	stores, err := openStores(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if stores.db != nil {
		defer stores.db.Close()
	}
	for _, l := range cfg.Attendance.Locations {
		loc := models.Location{ID: l.ID, Name: l.Name, Latitude: l.Latitude, Longitude: l.Longitude}
		if err := stores.locations.Upsert(ctx, loc); err != nil {
			return fmt.Errorf("seed location %s: %w", l.ID, err)
		}
	}

	verifier, err := buildVerifier(ctx, cfg.Identity)
	if err != nil {
		return err
	}

	l, err := ledger.New(stores.sessions, ledger.WithLogger(log))
	if err != nil {
		return err
	}
	guard, err := evidence.New(evidence.Config{
		CheckInPattern:  cfg.Attendance.Evidence.CheckInPattern,
		CheckOutPattern: cfg.Attendance.Evidence.CheckOutPattern,
		AllowMissing:    cfg.Attendance.Evidence.AllowMissing,
	}, evidence.WithEmitter(publisher), evidence.WithLogger(log))
	if err != nil {
		return err
	}
	fence, err := geofence.NewValidator(cfg.Attendance.GeofenceRadiusMeters)
	if err != nil {
		return err
	}
	controller, err := admission.New(verifier, stores.locations, l, guard, fence, cfg.Attendance.EligibleRole,
		admission.WithLogger(log),
		admission.WithMetrics(attendancemetrics.New(reg)),
		admission.WithAuditEmitter(publisher),
		admission.WithCollaboratorTimeout(cfg.Attendance.CollaboratorTimeout),
	)
	if err != nil {
		return err
	}

	rlMetrics := ratelimitmetrics.New(reg)
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	var windows ports.WindowStore = window.NewInMemoryStore()
	if redisClient != nil {
		defer redisClient.Close()
		windows = window.NewFailoverStore(window.NewRedisStore(redisClient.Client), windows,
			window.WithBreaker(circuit.New("ratelimit-store")),
			window.WithFailoverLogger(log),
			window.WithFailoverMetrics(rlMetrics),
			window.WithFailoverAudit(publisher),
		)
		log.Info("rate limit windows shared through redis")
	} else {
		log.Warn("REDIS_URL not set, rate limits are per instance")
	}
	limits, err := classLimits(cfg.RateLimit)
	if err != nil {
		return err
	}
	governor, err := ratelimitservice.New(windows, limits,
		ratelimitservice.WithLogger(log),
		ratelimitservice.WithMetrics(rlMetrics),
		ratelimitservice.WithAuditPublisher(publisher),
	)
	if err != nil {
		return err
	}

	clientIP, err := metadata.NewResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	if len(cfg.Server.TrustedProxies) == 0 {
		log.Info("TRUSTED_PROXIES not set, forwarding headers are ignored")
	}

	router := newRouter(routerDeps{
		logger:         log,
		attendance:     attendancehandler.New(controller, stores.locations, log),
		rateLimitAdmin: ratelimithandler.New(governor, log),
		limiter:        ratelimitmw.New(governor, log, ratelimitmw.WithDisabled(cfg.RateLimit.Disabled)),
		httpMetrics:    metrics.New(reg),
		gatherer:       reg,
		adminToken:     cfg.AdminAPIToken,
		adminAudit:     publisher,
		requestTimeout: cfg.Server.RequestTimeout,
		health:         healthChecks(stores.db, redisClient),
		clientIP:       clientIP,
	})
	if cfg.AdminAPIToken == "" {
		log.Warn("ADMIN_API_TOKEN not set, admin routes reject every request")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(cfg.Server.Addr, router), cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		return governor.RunSweeper(gctx, cfg.RateLimit.SweepInterval)
	})
	g.Go(func() error {
		return auditWorker.Run(gctx)
	})
	return g.Wait()
}

func openStores(ctx context.Context, cfg config.Database) (attendanceStores, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.URL)
		if err != nil {
			return attendanceStores{}, err
		}
		return attendanceStores{sessions: session.NewPostgres(db), locations: location.NewPostgres(db), db: db}, nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return attendanceStores{}, err
		}
		return attendanceStores{sessions: session.NewSQLite(db), locations: location.NewSQLite(db), db: db}, nil
	default:
		return attendanceStores{sessions: session.NewInMemoryStore(), locations: location.NewInMemoryStore()}, nil
	}
}

func buildVerifier(ctx context.Context, cfg config.Identity) (admission.IdentityVerifier, error) {
	if cfg.Mode == "oidc" {
		return identity.NewOIDCVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.OIDCRoleClaim)
	}
	return identity.NewJWTVerifier(cfg.JWTSigningKey, cfg.JWTIssuer), nil
}

// buildAuditWorker drains the publisher into Kafka when brokers are set, with
// the log sink as fallback; otherwise into the log sink alone.
func buildAuditWorker(cfg config.Config, log *slog.Logger, publisher *security.Publisher) (*worker.Worker, func(), error) {
	opts := []worker.Option{
		worker.WithLogger(log),
		worker.WithInterval(cfg.Audit.FlushInterval),
		worker.WithBatchSize(cfg.Audit.BatchSize),
	}
	logSink := sink.NewLog(log)
	if len(cfg.Kafka.Brokers) == 0 {
		return worker.New(publisher.Buffer(), logSink, opts...), func() {}, nil
	}

	client, err := sink.NewKafkaClient(cfg.Kafka.Brokers, "shiftgate")
	if err != nil {
		return nil, nil, fmt.Errorf("audit kafka client: %w", err)
	}
	opts = append(opts, worker.WithFallback(logSink))
	log.Info("security audit events published to kafka", "topic", cfg.Kafka.AuditTopic)
	return worker.New(publisher.Buffer(), sink.NewKafka(client, cfg.Kafka.AuditTopic), opts...), client.Close, nil
}

func classLimits(cfg config.RateLimit) (map[ratelimitmodels.EndpointClass]ratelimitmodels.Limit, error) {
	limits := make(map[ratelimitmodels.EndpointClass]ratelimitmodels.Limit, len(cfg.Classes))
	for name, c := range cfg.Classes {
		class, err := ratelimitmodels.ParseEndpointClass(name)
		if err != nil {
			return nil, err
		}
		limits[class] = ratelimitmodels.Limit{
			Window:      c.Window(),
			MaxRequests: c.MaxRequestsPerWindow,
			Lockout:     c.Lockout(),
		}
	}
	return limits, nil
}

func healthChecks(db *sql.DB, redisClient *platformredis.Client) []healthCheck {
	var checks []healthCheck
	if db != nil {
		checks = append(checks, healthCheck{name: "database", critical: true, ping: db.PingContext})
	}
	if redisClient != nil {
		// the window store fails over to memory, so redis loss only degrades
		checks = append(checks, healthCheck{name: "redis", ping: redisClient.Health})
	}
	if len(checks) == 0 {
		checks = append(checks, healthCheck{name: "process", critical: true, ping: func(ctx context.Context) error {
			return ctx.Err()
		}})
	}
	return checks
}
