package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	pstrings "shiftgate/pkg/platform/strings"
)

// FromEnv builds the configuration: defaults, then the YAML file named by
// SHIFTGATE_CONFIG (if any), then individual environment variables.
func FromEnv() (Config, error) {
	cfg := Default()

	if path := os.Getenv("SHIFTGATE_CONFIG"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays YAML from path onto cfg. A missing file is not an error.
// Rate-limit class entries replace the default entry as a whole.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("SHIFTGATE_ADDR", &cfg.Server.Addr)
	if v, ok := lookup("TRUSTED_PROXIES"); ok {
		cfg.Server.TrustedProxies = pstrings.SplitList(v)
	}
	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)
	e.str("DATABASE_DRIVER", &cfg.Database.Driver)
	e.str("DATABASE_URL", &cfg.Database.URL)
	e.str("REDIS_URL", &cfg.Redis.URL)
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = pstrings.SplitList(v)
	}
	e.str("KAFKA_AUDIT_TOPIC", &cfg.Kafka.AuditTopic)
	e.duration("AUDIT_FLUSH_INTERVAL", &cfg.Audit.FlushInterval)
	e.boolean("AUDIT_DEVICE_FINGERPRINT", &cfg.Audit.DeviceFingerprint)

	e.str("IDENTITY_MODE", &cfg.Identity.Mode)
	e.str("JWT_SIGNING_KEY", &cfg.Identity.JWTSigningKey)
	e.str("JWT_ISSUER", &cfg.Identity.JWTIssuer)
	e.str("OIDC_ISSUER_URL", &cfg.Identity.OIDCIssuerURL)
	e.str("OIDC_CLIENT_ID", &cfg.Identity.OIDCClientID)
	e.str("OIDC_ROLE_CLAIM", &cfg.Identity.OIDCRoleClaim)

	e.str("ATTENDANCE_ELIGIBLE_ROLE", &cfg.Attendance.EligibleRole)
	e.float("GEOFENCE_RADIUS_METERS", &cfg.Attendance.GeofenceRadiusMeters)
	e.str("EVIDENCE_CHECKIN_PATTERN", &cfg.Attendance.Evidence.CheckInPattern)
	e.str("EVIDENCE_CHECKOUT_PATTERN", &cfg.Attendance.Evidence.CheckOutPattern)
	e.boolean("EVIDENCE_ALLOW_MISSING", &cfg.Attendance.Evidence.AllowMissing)
	e.duration("COLLABORATOR_TIMEOUT", &cfg.Attendance.CollaboratorTimeout)

	e.str("ADMIN_API_TOKEN", &cfg.AdminAPIToken)
	e.duration("RATE_LIMIT_SWEEP_INTERVAL", &cfg.RateLimit.SweepInterval)
	e.boolean("RATE_LIMIT_DISABLED", &cfg.RateLimit.Disabled)

	return e.err
}

// envReader records the first parse failure and skips the rest.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" || e.err != nil {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok || v == "" || e.err != nil {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || v == "" || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}
