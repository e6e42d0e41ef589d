// Package models holds the attendance domain types shared by the ledger,
// the admission controller and the stores.
package models

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"shiftgate/internal/geofence"
	dErrors "shiftgate/pkg/domain-errors"
)

// Session is one attendance time entry. EndedAt == nil means the principal is
// on duty. At most one open session exists per principal; the stores enforce
// this with a partial unique index, not an application-level check.
type Session struct {
	ID            uuid.UUID
	PrincipalID   string
	LocationID    string
	StartedAt     time.Time
	EndedAt       *time.Time
	StartEvidence string
	EndEvidence   *string
	BreakSeconds  int64
	TotalSeconds  *int64
	Note          string
	CreatedAt     time.Time
}

// IsOpen reports whether the session has not been closed yet.
func (s *Session) IsOpen() bool {
	return s.EndedAt == nil
}

// NewOpenSession builds the row a check-in inserts. Timestamps are truncated
// to microseconds, the finest precision every store keeps.
func NewOpenSession(principalID, locationID, evidence string, now time.Time) (*Session, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "principal id is required")
	}
	if strings.TrimSpace(locationID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "location id is required")
	}
	now = Truncate(now)
	return &Session{
		ID:            uuid.New(),
		PrincipalID:   principalID,
		LocationID:    locationID,
		StartedAt:     now,
		StartEvidence: evidence,
		CreatedAt:     now,
	}, nil
}

// Close computes the closing fields without touching any store. It is the
// only mutation a session ever sees.
func (s *Session) Close(now time.Time, evidence string) error {
	if !s.IsOpen() {
		return dErrors.New(dErrors.CodeInvariantViolation, "session already closed")
	}
	end := Truncate(now)
	total := DurationSeconds(s.StartedAt, end, s.BreakSeconds)
	s.EndedAt = &end
	s.EndEvidence = &evidence
	s.TotalSeconds = &total
	return nil
}

// Truncate drops sub-microsecond precision and normalises to UTC.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// DurationSeconds is end-start in whole seconds, minus breaks, floored at 0.
func DurationSeconds(start, end time.Time, breakSeconds int64) int64 {
	secs := int64(end.Sub(start) / time.Second)
	secs -= breakSeconds
	if secs < 0 {
		return 0
	}
	return secs
}

// HoursFromSeconds rounds to two decimal hours. Rounding happens only here,
// at the presentation boundary, so repeated reads agree.
func HoursFromSeconds(secs int64) float64 {
	return math.Round(float64(secs)/3600*100) / 100
}

// Location is a branch an employee can check in at.
type Location struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l *Location) Point() geofence.Point {
	return geofence.Point{Latitude: l.Latitude, Longitude: l.Longitude}
}

// Summary is what a successful check-in or check-out returns.
type Summary struct {
	SessionID          uuid.UUID  `json:"session_id"`
	PrincipalID        string     `json:"-"`
	LocationID         string     `json:"location_id,omitempty"`
	LocationName       string     `json:"location_name,omitempty"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	TotalDurationHours *float64   `json:"total_duration_hours,omitempty"`
}

// SummaryOf builds a summary from a session and its resolved location.
// loc may be nil when the location row is gone.
func SummaryOf(s *Session, loc *Location) Summary {
	out := Summary{
		SessionID:   s.ID,
		PrincipalID: s.PrincipalID,
		LocationID:  s.LocationID,
		StartTime:   s.StartedAt,
		EndTime:     s.EndedAt,
	}
	if loc != nil {
		out.LocationName = loc.Name
	}
	if s.TotalSeconds != nil {
		h := HoursFromSeconds(*s.TotalSeconds)
		out.TotalDurationHours = &h
	}
	return out
}
