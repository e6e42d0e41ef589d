package audit

import (
	"context"
	"time"
)

// Severity levels for security events, used by SIEM routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Action names a security-relevant occurrence.
type Action string

const (
	// Attendance
	ActionEvidenceOwnershipViolation Action = "evidence_ownership_violation"
	ActionEvidenceMissingAllowed     Action = "evidence_missing_allowed"
	ActionEvidenceMissingDenied      Action = "evidence_missing_denied"
	ActionInvariantViolation         Action = "attendance_invariant_violation"
	ActionGeofenceRejected           Action = "geofence_rejected"

	// Rate limiting
	ActionRateLimitExceeded Action = "rate_limit_exceeded"
	ActionRateLimitLockout  Action = "rate_limit_lockout"
	ActionRateLimitReset    Action = "rate_limit_reset"
	ActionRateLimitDegraded Action = "rate_limit_degraded"
	ActionRateLimitRestored Action = "rate_limit_restored"

	// Admin surface
	ActionAdminTokenMismatch Action = "admin_token_mismatch"
)

var defaultSeverity = map[Action]Severity{
	ActionEvidenceOwnershipViolation: SeverityCritical,
	ActionInvariantViolation:         SeverityCritical,
	ActionEvidenceMissingAllowed:     SeverityWarning,
	ActionEvidenceMissingDenied:      SeverityWarning,
	ActionRateLimitLockout:           SeverityWarning,
	ActionRateLimitDegraded:          SeverityWarning,
	ActionAdminTokenMismatch:         SeverityWarning,
}

// DefaultSeverity returns the routing severity for an action. Unlisted
// actions are informational.
func (a Action) DefaultSeverity() Severity {
	if s, ok := defaultSeverity[a]; ok {
		return s
	}
	return SeverityInfo
}

// SecurityEvent captures security-relevant actions for SIEM and alerting.
// Subject is a hashed principal id, never the raw value; IP is anonymized.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Device    string    `json:"device,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	// Detail carries action-specific context such as endpoint class or
	// the operation namespace an evidence reference was checked against.
	Detail map[string]string `json:"detail,omitempty"`
}

// Sink persists or forwards a batch of events.
type Sink interface {
	Write(ctx context.Context, events []SecurityEvent) error
}
