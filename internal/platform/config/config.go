package config

import (
	"fmt"
	"time"
)

// Endpoint class names. They match ratelimit/models.EndpointClass values.
const (
	ClassAuth    = "auth"
	ClassPayroll = "payroll"
	ClassAdmin   = "admin"
	ClassPublic  = "public"
	ClassGeneral = "general"
)

// Config is read once at process start and passed down explicitly.
type Config struct {
	Server     Server      `yaml:"server"`
	Log        Log         `yaml:"log"`
	Database   Database    `yaml:"database"`
	Redis      RedisConfig `yaml:"redis"`
	Kafka      Kafka       `yaml:"kafka"`
	Audit      Audit       `yaml:"audit"`
	Identity   Identity    `yaml:"identity"`
	Attendance Attendance  `yaml:"attendance"`
	RateLimit  RateLimit   `yaml:"rateLimit"`
	// AdminAPIToken guards /admin routes. Empty disables them.
	AdminAPIToken string `yaml:"adminApiToken"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	// Empty means the peer address is always the client.
	TrustedProxies []string `yaml:"trustedProxies"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Database selects the ledger and location store. memory is single-process only.
type Database struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// RedisConfig configures the shared rate-limit window store. An empty URL
// keeps rate limiting in process, which makes limits per-instance.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"poolSize"`
	MinIdleConns int           `yaml:"minIdleConns"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// Kafka configures the security audit sink. No brokers means log sink only.
type Kafka struct {
	Brokers    []string `yaml:"brokers"`
	AuditTopic string   `yaml:"auditTopic"`
}

// Audit tunes the in-process security event buffer and its flusher.
type Audit struct {
	BufferCapacity    int           `yaml:"bufferCapacity"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
	BatchSize         int           `yaml:"batchSize"`
	DeviceFingerprint bool          `yaml:"deviceFingerprint"`
}

type Identity struct {
	Mode          string `yaml:"mode"`
	JWTSigningKey string `yaml:"jwtSigningKey"`
	JWTIssuer     string `yaml:"jwtIssuer"`
	OIDCIssuerURL string `yaml:"oidcIssuerUrl"`
	OIDCClientID  string `yaml:"oidcClientId"`
	OIDCRoleClaim string `yaml:"oidcRoleClaim"`
}

type Attendance struct {
	EligibleRole         string   `yaml:"eligibleRole"`
	GeofenceRadiusMeters float64  `yaml:"geofenceRadiusMeters"`
	Evidence             Evidence `yaml:"evidence"`
	// CollaboratorTimeout bounds each identity, location and ledger call.
	CollaboratorTimeout time.Duration `yaml:"collaboratorTimeout"`
	// Locations are upserted into the location store at startup.
	Locations []LocationSeed `yaml:"locations"`
}

type LocationSeed struct {
	ID        string  `yaml:"id"`
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Evidence holds the path template each operation's evidence must match.
type Evidence struct {
	CheckInPattern  string `yaml:"checkInPattern"`
	CheckOutPattern string `yaml:"checkOutPattern"`
	AllowMissing    bool   `yaml:"allowMissing"`
}

type RateLimit struct {
	Disabled      bool                  `yaml:"disabled"`
	SweepInterval time.Duration         `yaml:"sweepInterval"`
	Classes       map[string]ClassLimit `yaml:"classes"`
}

// ClassLimit is one endpoint class's window configuration.
type ClassLimit struct {
	WindowDurationMs     int64 `yaml:"windowDurationMs"`
	MaxRequestsPerWindow int   `yaml:"maxRequestsPerWindow"`
	LockoutDurationMs    int64 `yaml:"lockoutDurationMs"`
}

func (c ClassLimit) Window() time.Duration {
	return time.Duration(c.WindowDurationMs) * time.Millisecond
}

func (c ClassLimit) Lockout() time.Duration {
	return time.Duration(c.LockoutDurationMs) * time.Millisecond
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Log:      Log{Level: "info", Format: "json"},
		Database: Database{Driver: "memory"},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Kafka: Kafka{AuditTopic: "shiftgate.security-audit"},
		Audit: Audit{
			BufferCapacity:    10_000,
			FlushInterval:     time.Second,
			BatchSize:         256,
			DeviceFingerprint: true,
		},
		Identity: Identity{
			Mode: "jwt",
			// Development default; production must override.
			JWTSigningKey: "dev-secret-key-change-in-production",
			JWTIssuer:     "shiftgate",
			OIDCRoleClaim: "role",
		},
		Attendance: Attendance{
			EligibleRole:         "employee",
			GeofenceRadiusMeters: 100,
			Evidence: Evidence{
				CheckInPattern:  "attendance-photos/check-in/{principal}/*",
				CheckOutPattern: "attendance-photos/check-out/{principal}/*",
			},
			CollaboratorTimeout: 3 * time.Second,
		},
		RateLimit: RateLimit{
			SweepInterval: time.Minute,
			Classes: map[string]ClassLimit{
				ClassAuth:    {WindowDurationMs: 60_000, MaxRequestsPerWindow: 10, LockoutDurationMs: 900_000},
				ClassPayroll: {WindowDurationMs: 60_000, MaxRequestsPerWindow: 5, LockoutDurationMs: 300_000},
				ClassAdmin:   {WindowDurationMs: 60_000, MaxRequestsPerWindow: 30, LockoutDurationMs: 300_000},
				ClassPublic:  {WindowDurationMs: 60_000, MaxRequestsPerWindow: 100, LockoutDurationMs: 60_000},
				ClassGeneral: {WindowDurationMs: 60_000, MaxRequestsPerWindow: 60, LockoutDurationMs: 120_000},
			},
		},
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.Database.Driver)
	}

	switch c.Identity.Mode {
	case "jwt":
		if c.Identity.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required in jwt identity mode")
		}
	case "oidc":
		if c.Identity.OIDCIssuerURL == "" || c.Identity.OIDCClientID == "" {
			return fmt.Errorf("OIDC_ISSUER_URL and OIDC_CLIENT_ID are required in oidc identity mode")
		}
	default:
		return fmt.Errorf("unknown IDENTITY_MODE %q", c.Identity.Mode)
	}

	if c.Attendance.EligibleRole == "" {
		return fmt.Errorf("eligible role must not be empty")
	}
	if c.Attendance.GeofenceRadiusMeters <= 0 {
		return fmt.Errorf("geofence radius must be positive, got %v", c.Attendance.GeofenceRadiusMeters)
	}
	if c.Attendance.Evidence.CheckInPattern == "" || c.Attendance.Evidence.CheckOutPattern == "" {
		return fmt.Errorf("evidence patterns must be set for both check-in and check-out")
	}
	if c.Attendance.CollaboratorTimeout <= 0 {
		return fmt.Errorf("collaborator timeout must be positive")
	}

	for _, l := range c.Attendance.Locations {
		if l.ID == "" || l.Name == "" {
			return fmt.Errorf("seeded locations need an id and a name")
		}
	}

	for _, class := range []string{ClassAuth, ClassPayroll, ClassAdmin, ClassPublic, ClassGeneral} {
		l, ok := c.RateLimit.Classes[class]
		if !ok {
			return fmt.Errorf("rate limit class %q is not configured", class)
		}
		if l.WindowDurationMs <= 0 || l.MaxRequestsPerWindow <= 0 || l.LockoutDurationMs < 0 {
			return fmt.Errorf("rate limit class %q needs positive windowDurationMs and maxRequestsPerWindow", class)
		}
	}
	return nil
}
