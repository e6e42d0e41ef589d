package models

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Reason names an expected negative admission outcome. The string values are
// part of the HTTP contract.
type Reason string

const (
	ReasonUnauthenticated            Reason = "Unauthenticated"
	ReasonRoleNotPermitted           Reason = "RoleNotPermitted"
	ReasonMissingFields              Reason = "MissingFields"
	ReasonInvalidCoordinates         Reason = "InvalidCoordinates"
	ReasonLocationNotFound           Reason = "LocationNotFound"
	ReasonOutOfRange                 Reason = "OutOfRange"
	ReasonEvidenceOwnershipViolation Reason = "EvidenceOwnershipViolation"
	ReasonAlreadyOnDuty              Reason = "AlreadyOnDuty"
	ReasonNotOnDuty                  Reason = "NotOnDuty"
	ReasonRateLimited                Reason = "RateLimited"
)

// HTTPStatus maps a reason to its response status.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonUnauthenticated:
		return http.StatusUnauthorized
	case ReasonRoleNotPermitted, ReasonEvidenceOwnershipViolation:
		return http.StatusForbidden
	case ReasonLocationNotFound:
		return http.StatusNotFound
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// Denial is an admission refusal. It is a value, not an error: callers get
// enough detail to act on it.
type Denial struct {
	Reason  Reason `json:"error"`
	Message string `json:"message"`

	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	RadiusMeters   *float64 `json:"radius_meters,omitempty"`

	ExistingSessionID *uuid.UUID `json:"existing_session_id,omitempty"`
	ExistingStartTime *time.Time `json:"existing_start_time,omitempty"`

	Fields []string `json:"fields,omitempty"`
}

func Deny(reason Reason, message string) *Denial {
	return &Denial{Reason: reason, Message: message}
}

// OutOfRange carries the measured distance and the configured radius.
func OutOfRange(distance, radius float64) *Denial {
	return &Denial{
		Reason:         ReasonOutOfRange,
		Message:        "position is outside the location's admission radius",
		DistanceMeters: &distance,
		RadiusMeters:   &radius,
	}
}

// AlreadyOnDuty carries the open session that blocked the check-in.
func AlreadyOnDuty(existing *Session) *Denial {
	d := &Denial{Reason: ReasonAlreadyOnDuty, Message: "an attendance session is already open"}
	if existing != nil {
		id, start := existing.ID, existing.StartedAt
		d.ExistingSessionID = &id
		d.ExistingStartTime = &start
	}
	return d
}

func MissingFields(fields ...string) *Denial {
	return &Denial{
		Reason:  ReasonMissingFields,
		Message: "required fields are missing",
		Fields:  fields,
	}
}
