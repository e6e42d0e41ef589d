package admission

//go:generate mockgen -source=admission.go -destination=mocks/mocks.go -package=mocks IdentityVerifier,LocationStore,Ledger,EvidenceGuard,AuditEmitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"shiftgate/internal/attendance/admission/mocks"
	"shiftgate/internal/attendance/ledger"
	"shiftgate/internal/attendance/metrics"
	"shiftgate/internal/attendance/models"
	"shiftgate/internal/attendance/store/location"
	"shiftgate/internal/attendance/store/session"
	"shiftgate/internal/evidence"
	"shiftgate/internal/geofence"
	"shiftgate/internal/identity"
	dErrors "shiftgate/pkg/domain-errors"
	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/requestcontext"
)

const (
	workerID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	otherID  = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
)

var hq = models.Location{ID: "hq", Name: "Head Office", Latitude: -6.2088, Longitude: 106.8456}

func ptr(f float64) *float64 { return &f }

type recordingEmitter struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (e *recordingEmitter) Emit(_ context.Context, event audit.SecurityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) actions() []audit.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audit.Action, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Action)
	}
	return out
}

type AdmissionSuite struct {
	suite.Suite
	sessions   *session.InMemoryStore
	verifier   *identity.JWTVerifier
	emitter    *recordingEmitter
	metrics    *metrics.Metrics
	controller *Controller
	token      string
	start      time.Time
}

func TestAdmissionSuite(t *testing.T) {
	suite.Run(t, new(AdmissionSuite))
}

func (s *AdmissionSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.sessions = session.NewInMemoryStore()
	s.verifier = identity.NewJWTVerifier("test-key", "shiftgate")
	s.emitter = &recordingEmitter{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.start = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	l, err := ledger.New(s.sessions, ledger.WithLogger(logger))
	s.Require().NoError(err)
	guard, err := evidence.New(evidence.Config{
		CheckInPattern:  "attendance-photos/check-in/{principal}/*",
		CheckOutPattern: "attendance-photos/check-out/{principal}/*",
	}, evidence.WithEmitter(s.emitter), evidence.WithLogger(logger))
	s.Require().NoError(err)
	fence, err := geofence.NewValidator(100)
	s.Require().NoError(err)

	s.controller, err = New(s.verifier, location.NewInMemoryStore(hq), l, guard, fence, "employee",
		WithLogger(logger),
		WithMetrics(s.metrics),
		WithAuditEmitter(s.emitter),
		WithCollaboratorTimeout(time.Second),
	)
	s.Require().NoError(err)
	s.token = s.issue(workerID, "employee")
}

func (s *AdmissionSuite) issue(id, role string) string {
	token, err := s.verifier.IssueToken(identity.Principal{ID: id, Role: role}, time.Hour)
	s.Require().NoError(err)
	return token
}

func (s *AdmissionSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func checkInRef(id string) string {
	return "https://cdn.example.com/attendance-photos/check-in/" + id + "/1.jpg"
}

func checkOutRef(id string) string {
	return "https://cdn.example.com/attendance-photos/check-out/" + id + "/2.jpg"
}

func (s *AdmissionSuite) checkInRequest() CheckInRequest {
	return CheckInRequest{
		Credential:  s.token,
		LocationID:  hq.ID,
		Latitude:    ptr(hq.Latitude),
		Longitude:   ptr(hq.Longitude + 0.0002),
		EvidenceRef: checkInRef(workerID),
	}
}

func (s *AdmissionSuite) assertOff(principal string) {
	cur, err := s.sessions.FindOpen(context.Background(), principal)
	s.Nil(cur)
	s.Error(err)
}

// =============================================================================
// Check-in
// =============================================================================

func (s *AdmissionSuite) TestCheckInAdmits() {
	res, err := s.controller.CheckIn(s.at(s.start), s.checkInRequest())
	s.Require().NoError(err)
	s.Require().Nil(res.Denial)
	s.Require().NotNil(res.Summary)
	s.Equal("Head Office", res.Summary.LocationName)
	s.Equal(hq.ID, res.Summary.LocationID)
	s.True(s.start.Equal(res.Summary.StartTime))
	s.Nil(res.Summary.EndTime)

	open, err := s.sessions.FindOpen(context.Background(), workerID)
	s.Require().NoError(err)
	s.Equal(res.Summary.SessionID, open.ID)
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.AdmissionsTotal.WithLabelValues(OperationCheckIn, "admitted")))
}

func (s *AdmissionSuite) TestCheckInDenials() {
	tests := []struct {
		name   string
		mutate func(*CheckInRequest)
		reason models.Reason
	}{
		{"missing credential", func(r *CheckInRequest) { r.Credential = "" }, models.ReasonUnauthenticated},
		{"garbage credential", func(r *CheckInRequest) { r.Credential = "not-a-jwt" }, models.ReasonUnauthenticated},
		{"manager role", func(r *CheckInRequest) { r.Credential = s.issue(workerID, "manager") }, models.ReasonRoleNotPermitted},
		{"missing location", func(r *CheckInRequest) { r.LocationID = "" }, models.ReasonMissingFields},
		{"missing latitude", func(r *CheckInRequest) { r.Latitude = nil }, models.ReasonMissingFields},
		{"latitude out of range", func(r *CheckInRequest) { r.Latitude = ptr(91) }, models.ReasonInvalidCoordinates},
		{"unknown location", func(r *CheckInRequest) { r.LocationID = "nowhere" }, models.ReasonLocationNotFound},
		{"far away", func(r *CheckInRequest) { r.Latitude = ptr(hq.Latitude + 0.01) }, models.ReasonOutOfRange},
		{"someone else's photo", func(r *CheckInRequest) { r.EvidenceRef = checkInRef(otherID) }, models.ReasonEvidenceOwnershipViolation},
		{"check-out photo on check-in", func(r *CheckInRequest) { r.EvidenceRef = checkOutRef(workerID) }, models.ReasonEvidenceOwnershipViolation},
		{"no photo", func(r *CheckInRequest) { r.EvidenceRef = "" }, models.ReasonMissingFields},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			req := s.checkInRequest()
			tt.mutate(&req)

			res, err := s.controller.CheckIn(s.at(s.start), req)
			s.Require().NoError(err)
			s.Require().NotNil(res.Denial)
			s.Equal(tt.reason, res.Denial.Reason)
			s.Nil(res.Summary)
			s.assertOff(workerID)
		})
	}
}

func (s *AdmissionSuite) TestMissingFieldsListsEveryField() {
	req := s.checkInRequest()
	req.LocationID, req.Latitude, req.Longitude = "", nil, nil

	res, err := s.controller.CheckIn(s.at(s.start), req)
	s.Require().NoError(err)
	s.Equal([]string{"location_id", "latitude", "longitude"}, res.Denial.Fields)
}

func (s *AdmissionSuite) TestOutOfRangeCarriesDistanceAndRadius() {
	req := s.checkInRequest()
	req.Latitude = ptr(hq.Latitude + 0.01)

	res, err := s.controller.CheckIn(s.at(s.start), req)
	s.Require().NoError(err)
	s.Require().NotNil(res.Denial.DistanceMeters)
	s.InDelta(1112, *res.Denial.DistanceMeters, 5)
	s.Equal(100.0, *res.Denial.RadiusMeters)
	s.Contains(s.emitter.actions(), audit.ActionGeofenceRejected)
}

func (s *AdmissionSuite) TestEvidenceViolationIsAudited() {
	req := s.checkInRequest()
	req.EvidenceRef = checkInRef(otherID)

	_, err := s.controller.CheckIn(s.at(s.start), req)
	s.Require().NoError(err)
	s.Contains(s.emitter.actions(), audit.ActionEvidenceOwnershipViolation)
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.EvidenceViolationsTotal))
}

func (s *AdmissionSuite) TestMissingEvidenceIsNotTreatedAsTampering() {
	req := s.checkInRequest()
	req.EvidenceRef = ""

	res, err := s.controller.CheckIn(s.at(s.start), req)
	s.Require().NoError(err)
	s.Require().NotNil(res.Denial)
	s.Equal(models.ReasonMissingFields, res.Denial.Reason)
	s.Equal([]string{"evidence_ref"}, res.Denial.Fields)
	s.Contains(s.emitter.actions(), audit.ActionEvidenceMissingDenied)
	s.NotContains(s.emitter.actions(), audit.ActionEvidenceOwnershipViolation)
	s.Equal(0.0, promtestutil.ToFloat64(s.metrics.EvidenceViolationsTotal))
}

func (s *AdmissionSuite) TestSecondCheckInIsAlreadyOnDuty() {
	first, err := s.controller.CheckIn(s.at(s.start), s.checkInRequest())
	s.Require().NoError(err)

	res, err := s.controller.CheckIn(s.at(s.start.Add(time.Minute)), s.checkInRequest())
	s.Require().NoError(err)
	s.Require().NotNil(res.Denial)
	s.Equal(models.ReasonAlreadyOnDuty, res.Denial.Reason)
	s.Equal(first.Summary.SessionID, *res.Denial.ExistingSessionID)
	s.True(s.start.Equal(*res.Denial.ExistingStartTime))
}

func (s *AdmissionSuite) TestConcurrentCheckInsAdmitExactlyOne() {
	const n = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		already  int
	)
	gate := make(chan struct{})
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			res, err := s.controller.CheckIn(s.at(s.start), s.checkInRequest())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
			case res.Summary != nil:
				admitted++
			case res.Denial.Reason == models.ReasonAlreadyOnDuty:
				already++
			}
		}()
	}
	close(gate)
	wg.Wait()

	s.Equal(1, admitted)
	s.Equal(n-1, already)
}

// =============================================================================
// Check-out
// =============================================================================

func (s *AdmissionSuite) TestCheckOutClosesSession() {
	_, err := s.controller.CheckIn(s.at(s.start), s.checkInRequest())
	s.Require().NoError(err)

	end := s.start.Add(9*time.Hour + 30*time.Second)
	res, err := s.controller.CheckOut(s.at(end), CheckOutRequest{
		Credential:  s.token,
		EvidenceRef: checkOutRef(workerID),
	})
	s.Require().NoError(err)
	s.Require().NotNil(res.Summary)
	s.Equal(9.01, *res.Summary.TotalDurationHours)
	s.True(end.Equal(*res.Summary.EndTime))
	s.Equal("Head Office", res.Summary.LocationName)
	s.assertOff(workerID)
}

func (s *AdmissionSuite) TestCheckOutWithoutOpenSession() {
	res, err := s.controller.CheckOut(s.at(s.start), CheckOutRequest{
		Credential:  s.token,
		EvidenceRef: checkOutRef(workerID),
	})
	s.Require().NoError(err)
	s.Equal(models.ReasonNotOnDuty, res.Denial.Reason)
}

func (s *AdmissionSuite) TestCheckOutFencedAgainstSessionLocation() {
	_, err := s.controller.CheckIn(s.at(s.start), s.checkInRequest())
	s.Require().NoError(err)

	s.Run("far away is refused and the session stays open", func() {
		res, err := s.controller.CheckOut(s.at(s.start.Add(time.Hour)), CheckOutRequest{
			Credential:  s.token,
			Latitude:    ptr(hq.Latitude + 0.05),
			Longitude:   ptr(hq.Longitude),
			EvidenceRef: checkOutRef(workerID),
		})
		s.Require().NoError(err)
		s.Equal(models.ReasonOutOfRange, res.Denial.Reason)

		open, err := s.sessions.FindOpen(context.Background(), workerID)
		s.Require().NoError(err)
		s.True(open.IsOpen())
	})

	s.Run("half a coordinate pair is missing fields", func() {
		res, err := s.controller.CheckOut(s.at(s.start.Add(time.Hour)), CheckOutRequest{
			Credential:  s.token,
			Latitude:    ptr(hq.Latitude),
			EvidenceRef: checkOutRef(workerID),
		})
		s.Require().NoError(err)
		s.Equal(models.ReasonMissingFields, res.Denial.Reason)
	})

	s.Run("on site closes", func() {
		res, err := s.controller.CheckOut(s.at(s.start.Add(time.Hour)), CheckOutRequest{
			Credential:  s.token,
			Latitude:    ptr(hq.Latitude),
			Longitude:   ptr(hq.Longitude),
			EvidenceRef: checkOutRef(workerID),
		})
		s.Require().NoError(err)
		s.Require().NotNil(res.Summary)
		s.Equal(1.0, *res.Summary.TotalDurationHours)
	})
}

func (s *AdmissionSuite) TestCurrent() {
	res, err := s.controller.Current(context.Background(), s.token)
	s.Require().NoError(err)
	s.Nil(res.Summary)
	s.Nil(res.Denial)

	_, err = s.controller.CheckIn(s.at(s.start), s.checkInRequest())
	s.Require().NoError(err)

	res, err = s.controller.Current(context.Background(), s.token)
	s.Require().NoError(err)
	s.Require().NotNil(res.Summary)
	s.Equal("Head Office", res.Summary.LocationName)
}

func (s *AdmissionSuite) TestHistory() {
	_, err := s.controller.CheckIn(s.at(s.start), s.checkInRequest())
	s.Require().NoError(err)
	_, err = s.controller.CheckOut(s.at(s.start.Add(8*time.Hour)), CheckOutRequest{
		Credential:  s.token,
		EvidenceRef: checkOutRef(workerID),
	})
	s.Require().NoError(err)
	_, err = s.controller.CheckIn(s.at(s.start.Add(24*time.Hour)), s.checkInRequest())
	s.Require().NoError(err)

	history, denial, err := s.controller.History(context.Background(), s.token)
	s.Require().NoError(err)
	s.Require().Nil(denial)
	s.Require().Len(history, 2)
	s.Equal("Head Office", history[0].LocationName)
	s.Require().NotNil(history[0].TotalDurationHours)
	s.Equal(8.0, *history[0].TotalDurationHours)
	s.Nil(history[1].EndTime)

	_, denial, err = s.controller.History(context.Background(), s.issue(otherID, "manager"))
	s.Require().NoError(err)
	s.Require().NotNil(denial)
	s.Equal(models.ReasonRoleNotPermitted, denial.Reason)
}

func (s *AdmissionSuite) TestWhoamiSkipsRoleGate() {
	p, denial, err := s.controller.Whoami(context.Background(), s.issue(otherID, "manager"))
	s.Require().NoError(err)
	s.Nil(denial)
	s.Equal(identity.Principal{ID: otherID, Role: "manager"}, p)
}

// =============================================================================
// Collaborator failures
// =============================================================================

type collaboratorFixture struct {
	verifier  *mocks.MockIdentityVerifier
	locations *mocks.MockLocationStore
	ledger    *mocks.MockLedger
	guard     *mocks.MockEvidenceGuard
	emitter   *mocks.MockAuditEmitter
	metrics   *metrics.Metrics
	c         *Controller
}

func newCollaboratorFixture(t *testing.T, timeout time.Duration) *collaboratorFixture {
	ctrl := gomock.NewController(t)
	f := &collaboratorFixture{
		verifier:  mocks.NewMockIdentityVerifier(ctrl),
		locations: mocks.NewMockLocationStore(ctrl),
		ledger:    mocks.NewMockLedger(ctrl),
		guard:     mocks.NewMockEvidenceGuard(ctrl),
		emitter:   mocks.NewMockAuditEmitter(ctrl),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	fence, err := geofence.NewValidator(100)
	if err != nil {
		t.Fatal(err)
	}
	f.c, err = New(f.verifier, f.locations, f.ledger, f.guard, fence, "employee",
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(f.metrics),
		WithAuditEmitter(f.emitter),
		WithCollaboratorTimeout(timeout),
	)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func validCheckIn() CheckInRequest {
	return CheckInRequest{
		Credential:  "token",
		LocationID:  hq.ID,
		Latitude:    ptr(hq.Latitude),
		Longitude:   ptr(hq.Longitude),
		EvidenceRef: checkInRef(workerID),
	}
}

func TestCollaboratorFailures(t *testing.T) {
	employee := identity.Principal{ID: workerID, Role: "employee"}

	t.Run("identity timeout is retryable and touches nothing else", func(t *testing.T) {
		f := newCollaboratorFixture(t, 20*time.Millisecond)
		f.verifier.EXPECT().Verify(gomock.Any(), "token").DoAndReturn(
			func(ctx context.Context, _ string) (identity.Principal, error) {
				<-ctx.Done()
				return identity.Principal{}, ctx.Err()
			})

		_, err := f.c.CheckIn(context.Background(), validCheckIn())
		if !dErrors.Is(err, dErrors.CodeTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
		if !dErrors.CodeOf(err).Retryable() {
			t.Fatal("timeout must be retryable")
		}
	})

	t.Run("identity outage is unavailable", func(t *testing.T) {
		f := newCollaboratorFixture(t, time.Second)
		f.verifier.EXPECT().Verify(gomock.Any(), "token").
			Return(identity.Principal{}, dErrors.New(dErrors.CodeUnavailable, "jwks fetch failed"))

		_, err := f.c.CheckIn(context.Background(), validCheckIn())
		if !dErrors.Is(err, dErrors.CodeUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	})

	t.Run("location store failure is unavailable", func(t *testing.T) {
		f := newCollaboratorFixture(t, time.Second)
		f.verifier.EXPECT().Verify(gomock.Any(), "token").Return(employee, nil)
		f.locations.EXPECT().FindByID(gomock.Any(), hq.ID).Return(nil, errors.New("connection refused"))

		_, err := f.c.CheckIn(context.Background(), validCheckIn())
		if !dErrors.Is(err, dErrors.CodeUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
		if got := promtestutil.ToFloat64(f.metrics.CollaboratorFailuresTotal.WithLabelValues("location", "unavailable")); got != 1 {
			t.Fatalf("expected one location failure, got %v", got)
		}
	})

	t.Run("ledger invariant violation alerts", func(t *testing.T) {
		f := newCollaboratorFixture(t, time.Second)
		f.verifier.EXPECT().Verify(gomock.Any(), "token").Return(employee, nil)
		f.guard.EXPECT().Check(gomock.Any(), evidence.OperationCheckOut, workerID, "").Return(evidence.Verdict{Approved: true})
		f.ledger.EXPECT().End(gomock.Any(), workerID, "").
			Return(ledger.Transition{}, dErrors.New(dErrors.CodeInvariantViolation, "two open sessions"))
		f.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).Do(func(_ context.Context, e audit.SecurityEvent) {
			if e.Action != audit.ActionInvariantViolation {
				t.Errorf("unexpected audit action %s", e.Action)
			}
		})

		_, err := f.c.CheckOut(context.Background(), CheckOutRequest{Credential: "token"})
		if !dErrors.Is(err, dErrors.CodeInvariantViolation) {
			t.Fatalf("expected invariant violation, got %v", err)
		}
		if got := promtestutil.ToFloat64(f.metrics.InvariantViolationsTotal); got != 1 {
			t.Fatalf("expected invariant counter 1, got %v", got)
		}
	})

	t.Run("history resolves locations in one batch", func(t *testing.T) {
		f := newCollaboratorFixture(t, time.Second)
		f.verifier.EXPECT().Verify(gomock.Any(), "token").Return(employee, nil)
		f.ledger.EXPECT().History(gomock.Any(), workerID).Return([]*models.Session{
			{PrincipalID: workerID, LocationID: hq.ID},
			{PrincipalID: workerID, LocationID: "depot"},
			{PrincipalID: workerID, LocationID: hq.ID},
		}, nil)
		f.locations.EXPECT().FindByIDs(gomock.Any(), []string{"depot", hq.ID}).
			Return(map[string]*models.Location{hq.ID: &hq}, nil)

		history, _, err := f.c.History(context.Background(), "token")
		if err != nil || len(history) != 3 {
			t.Fatalf("expected three sessions, got %+v, %v", history, err)
		}
		if history[0].LocationName != hq.Name || history[1].LocationName != "" {
			t.Fatalf("unexpected names %q, %q", history[0].LocationName, history[1].LocationName)
		}
	})

	t.Run("history survives a location outage", func(t *testing.T) {
		f := newCollaboratorFixture(t, time.Second)
		f.verifier.EXPECT().Verify(gomock.Any(), "token").Return(employee, nil)
		f.ledger.EXPECT().History(gomock.Any(), workerID).Return([]*models.Session{{PrincipalID: workerID, LocationID: hq.ID}}, nil)
		f.locations.EXPECT().FindByIDs(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

		history, _, err := f.c.History(context.Background(), "token")
		if err != nil || len(history) != 1 || history[0].LocationName != "" {
			t.Fatalf("expected one unnamed session, got %+v, %v", history, err)
		}
	})

	t.Run("rejections never reach the ledger", func(t *testing.T) {
		f := newCollaboratorFixture(t, time.Second)
		f.verifier.EXPECT().Verify(gomock.Any(), "token").Return(employee, nil)
		f.locations.EXPECT().FindByID(gomock.Any(), hq.ID).Return(&hq, nil)
		f.guard.EXPECT().Check(gomock.Any(), evidence.OperationCheckIn, workerID, gomock.Any()).
			Return(evidence.Verdict{Reason: evidence.ReasonPrincipal})
		// no f.ledger expectations: any ledger call fails the test

		res, err := f.c.CheckIn(context.Background(), validCheckIn())
		if err != nil || res.Denial == nil || res.Denial.Reason != models.ReasonEvidenceOwnershipViolation {
			t.Fatalf("expected evidence denial, got %+v, %v", res, err)
		}
	})
}

func TestNewRequiresCollaborators(t *testing.T) {
	fence, _ := geofence.NewValidator(100)
	_, err := New(nil, location.NewInMemoryStore(), nil, nil, fence, "employee")
	if err == nil {
		t.Fatal("expected error for missing collaborators")
	}
}
