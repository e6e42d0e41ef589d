package attendance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cucumber/godog"
)

type TestContext interface {
	POST(path string, body any) error
	GetResponseField(field string) (any, error)
	PrincipalID() string
}

// RegisterSteps registers check-in and check-out step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &attendanceSteps{tc: tc}

	ctx.Step(`^I check in at "([^"]*)" from (-?[\d.]+), (-?[\d.]+)$`, steps.checkIn)
	ctx.Step(`^I check in at "([^"]*)" from (-?[\d.]+), (-?[\d.]+) with my own photo$`, steps.checkInWithOwnPhoto)
	ctx.Step(`^I check in at "([^"]*)" from (-?[\d.]+), (-?[\d.]+) with a photo of "([^"]*)"$`, steps.checkInWithPhotoOf)
	ctx.Step(`^I check in at "([^"]*)" without coordinates$`, steps.checkInWithoutCoordinates)
	ctx.Step(`^I check out$`, steps.checkOut)
	ctx.Step(`^I remember the session id$`, steps.rememberSession)
	ctx.Step(`^the existing session id should be the remembered one$`, steps.existingSessionShouldMatch)
}

type attendanceSteps struct {
	tc        TestContext
	sessionID string
}

func photo(principal string) string {
	return "https://cdn.example.com/attendance-photos/check-in/" + principal + "/e2e.jpg"
}

func coords(lat, lon string) (float64, float64, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return 0, 0, err
	}
	lo, err := strconv.ParseFloat(lon, 64)
	return la, lo, err
}

func (s *attendanceSteps) post(location, lat, lon, evidence string) error {
	la, lo, err := coords(lat, lon)
	if err != nil {
		return err
	}
	body := map[string]any{"location_id": location, "latitude": la, "longitude": lo}
	if evidence != "" {
		body["evidence_ref"] = evidence
	}
	return s.tc.POST("/attendance/check-in", body)
}

func (s *attendanceSteps) checkIn(ctx context.Context, location, lat, lon string) error {
	return s.post(location, lat, lon, "")
}

func (s *attendanceSteps) checkInWithOwnPhoto(ctx context.Context, location, lat, lon string) error {
	return s.post(location, lat, lon, photo(s.tc.PrincipalID()))
}

func (s *attendanceSteps) checkInWithPhotoOf(ctx context.Context, location, lat, lon, owner string) error {
	return s.post(location, lat, lon, photo(owner))
}

func (s *attendanceSteps) checkInWithoutCoordinates(ctx context.Context, location string) error {
	return s.tc.POST("/attendance/check-in", map[string]any{"location_id": location})
}

func (s *attendanceSteps) checkOut(ctx context.Context) error {
	return s.tc.POST("/attendance/check-out", map[string]any{})
}

func (s *attendanceSteps) rememberSession(ctx context.Context) error {
	v, err := s.tc.GetResponseField("session_id")
	if err != nil {
		return err
	}
	s.sessionID = fmt.Sprint(v)
	return nil
}

func (s *attendanceSteps) existingSessionShouldMatch(ctx context.Context) error {
	v, err := s.tc.GetResponseField("existing_session_id")
	if err != nil {
		return err
	}
	if got := fmt.Sprint(v); got != s.sessionID {
		return fmt.Errorf("expected existing session %s, got %s", s.sessionID, got)
	}
	return nil
}
