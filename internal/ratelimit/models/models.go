package models

import (
	"time"

	dErrors "shiftgate/pkg/domain-errors"
)

// EndpointClass groups endpoints that share one rate-limit configuration.
type EndpointClass string

const (
	// ClassAuth covers credential-bearing identity endpoints such as /me.
	ClassAuth EndpointClass = "auth"
	// ClassPayroll covers check-in and check-out, which feed payroll.
	ClassPayroll EndpointClass = "payroll"
	// ClassAdmin covers the operator surface under /admin.
	ClassAdmin EndpointClass = "admin"
	// ClassPublic covers location lookup.
	ClassPublic EndpointClass = "public"
	// ClassGeneral covers the remaining read endpoints.
	ClassGeneral EndpointClass = "general"
)

// AllClasses lists every endpoint class in a stable order.
var AllClasses = []EndpointClass{ClassAuth, ClassPayroll, ClassAdmin, ClassPublic, ClassGeneral}

func (c EndpointClass) IsValid() bool {
	switch c {
	case ClassAuth, ClassPayroll, ClassAdmin, ClassPublic, ClassGeneral:
		return true
	}
	return false
}

// FailsClosed reports whether requests in this class are refused when the
// governor cannot reach a decision.
func (c EndpointClass) FailsClosed() bool {
	return c == ClassAuth || c == ClassPayroll
}

func ParseEndpointClass(s string) (EndpointClass, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "endpoint class cannot be empty")
	}
	c := EndpointClass(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown endpoint class: "+s)
	}
	return c, nil
}

// Limit is one class's window configuration.
type Limit struct {
	Window      time.Duration
	MaxRequests int
	// Lockout is the blanket denial imposed once a window's budget is spent.
	// Zero means the denial lasts until the window ends.
	Lockout time.Duration
}

func (l Limit) Validate() error {
	if l.Window <= 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "window must be positive")
	}
	if l.MaxRequests <= 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "max requests must be positive")
	}
	if l.Lockout < 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "lockout cannot be negative")
	}
	return nil
}

// WindowRecord is the stored state for one (class, client) key. Version is
// owned by the store and advances on every successful swap; zero means the
// record has never been stored.
type WindowRecord struct {
	Count         int       `json:"count"`
	WindowStart   time.Time `json:"window_start"`
	LockedOut     bool      `json:"locked_out"`
	LockoutExpiry time.Time `json:"lockout_expiry,omitzero"`
	Version       int64     `json:"version"`
}

// ResetAt is when the record stops restricting the client.
func (r WindowRecord) ResetAt(window time.Duration) time.Time {
	if r.LockedOut {
		return r.LockoutExpiry
	}
	return r.WindowStart.Add(window)
}

// Result is the outcome of a single rate-limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is whole seconds until the client may try again, at least 1.
	// Zero when Allowed.
	RetryAfter int
	LockedOut  bool
	// Degraded is set while the shared store is bypassed and limits are
	// enforced per process.
	Degraded bool
}

// Status is a read-only view of a key, computed at a point in time without
// mutating the record.
type Status struct {
	Identifier    string        `json:"identifier"`
	Class         EndpointClass `json:"class"`
	Count         int           `json:"count"`
	Limit         int           `json:"limit"`
	Remaining     int           `json:"remaining"`
	WindowStart   *time.Time    `json:"window_start,omitempty"`
	ResetAt       *time.Time    `json:"reset_at,omitempty"`
	LockedOut     bool          `json:"locked_out"`
	LockoutExpiry *time.Time    `json:"lockout_expiry,omitempty"`
}
