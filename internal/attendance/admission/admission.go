// Package admission decides whether a principal may go on or off duty.
//
// Each request passes a fixed sequence of guards: identity, role, input
// shape, location, geofence, evidence. Only then does the ledger write. Every
// guard is read-only, so a refusal at any step leaves no trace in the ledger.
// Expected refusals come back as a models.Denial; errors are reserved for
// collaborator failures (retryable) and invariant violations (fatal).
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"shiftgate/internal/attendance/ledger"
	"shiftgate/internal/attendance/metrics"
	"shiftgate/internal/attendance/models"
	"shiftgate/internal/evidence"
	"shiftgate/internal/geofence"
	"shiftgate/internal/identity"
	dErrors "shiftgate/pkg/domain-errors"
	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/platform/privacy"
	"shiftgate/pkg/platform/sentinel"
	"shiftgate/pkg/requestcontext"
)

const (
	OperationCheckIn  = "check_in"
	OperationCheckOut = "check_out"
)

// IdentityVerifier is the external identity collaborator.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (identity.Principal, error)
}

// LocationStore resolves location ids to coordinates and names.
type LocationStore interface {
	FindByID(ctx context.Context, id string) (*models.Location, error)
	FindByIDs(ctx context.Context, ids []string) (map[string]*models.Location, error)
}

// Ledger performs the committed state transition.
type Ledger interface {
	Begin(ctx context.Context, principalID, locationID, evidence string) (ledger.Transition, error)
	End(ctx context.Context, principalID, evidence string) (ledger.Transition, error)
	Current(ctx context.Context, principalID string) (*models.Session, error)
	History(ctx context.Context, principalID string) ([]*models.Session, error)
}

// EvidenceGuard checks evidence ownership.
type EvidenceGuard interface {
	Check(ctx context.Context, op evidence.Operation, principalID, ref string) evidence.Verdict
}

// AuditEmitter receives security events.
type AuditEmitter interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// CheckInRequest is a check-in attempt. Coordinates are pointers so that a
// missing field can be told apart from 0.
type CheckInRequest struct {
	Credential  string
	LocationID  string
	Latitude    *float64
	Longitude   *float64
	EvidenceRef string
}

// CheckOutRequest is a check-out attempt. Coordinates are optional; when
// given, both must be present and the position is fenced against the open
// session's location.
type CheckOutRequest struct {
	Credential  string
	Latitude    *float64
	Longitude   *float64
	EvidenceRef string
}

// Result holds exactly one of Summary and Denial.
type Result struct {
	Summary *models.Summary
	Denial  *models.Denial
}

func denied(d *models.Denial) Result { return Result{Denial: d} }

// Controller orchestrates check-in and check-out.
type Controller struct {
	identity     IdentityVerifier
	locations    LocationStore
	ledger       Ledger
	guard        EvidenceGuard
	fence        *geofence.Validator
	eligibleRole string
	timeout      time.Duration

	lookups singleflight.Group
	emitter AuditEmitter
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

func WithAuditEmitter(e AuditEmitter) Option {
	return func(c *Controller) {
		c.emitter = e
	}
}

// WithCollaboratorTimeout bounds each identity, location and ledger call.
func WithCollaboratorTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

func New(
	verifier IdentityVerifier,
	locations LocationStore,
	l Ledger,
	guard EvidenceGuard,
	fence *geofence.Validator,
	eligibleRole string,
	opts ...Option,
) (*Controller, error) {
	switch {
	case verifier == nil:
		return nil, errors.New("identity verifier is required")
	case locations == nil:
		return nil, errors.New("location store is required")
	case l == nil:
		return nil, errors.New("ledger is required")
	case guard == nil:
		return nil, errors.New("evidence guard is required")
	case fence == nil:
		return nil, errors.New("geofence validator is required")
	case strings.TrimSpace(eligibleRole) == "":
		return nil, errors.New("eligible role is required")
	}
	c := &Controller{
		identity:     verifier,
		locations:    locations,
		ledger:       l,
		guard:        guard,
		fence:        fence,
		eligibleRole: eligibleRole,
		timeout:      3 * time.Second,
		logger:       slog.Default(),
		tracer:       otel.Tracer("shiftgate/attendance/admission"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckIn runs the check-in pipeline.
func (c *Controller) CheckIn(ctx context.Context, req CheckInRequest) (res Result, err error) {
	ctx, span := c.tracer.Start(ctx, "admission.check_in")
	start := time.Now()
	defer func() { c.finish(ctx, span, OperationCheckIn, start, res, err) }()

	principal, denial, err := c.authenticate(ctx, req.Credential)
	if err != nil || denial != nil {
		return denied(denial), err
	}
	ctx = requestcontext.WithPrincipalID(ctx, principal.ID)

	var missing []string
	if strings.TrimSpace(req.LocationID) == "" {
		missing = append(missing, "location_id")
	}
	if req.Latitude == nil {
		missing = append(missing, "latitude")
	}
	if req.Longitude == nil {
		missing = append(missing, "longitude")
	}
	if len(missing) > 0 {
		return denied(models.MissingFields(missing...)), nil
	}
	position := geofence.Point{Latitude: *req.Latitude, Longitude: *req.Longitude}
	if err := position.Validate(); err != nil {
		return denied(models.Deny(models.ReasonInvalidCoordinates, err.Error())), nil
	}

	loc, err := c.lookupLocation(ctx, req.LocationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return denied(models.Deny(models.ReasonLocationNotFound, "location not found")), nil
		}
		return Result{}, err
	}

	if denial, err := c.fenceCheck(ctx, principal, position, loc); err != nil || denial != nil {
		return denied(denial), err
	}
	if denial := c.evidenceCheck(ctx, evidence.OperationCheckIn, principal, req.EvidenceRef); denial != nil {
		return denied(denial), nil
	}

	tr, err := call(ctx, c, "ledger", func(ctx context.Context) (ledger.Transition, error) {
		return c.ledger.Begin(ctx, principal.ID, loc.ID, req.EvidenceRef)
	})
	if err != nil {
		return Result{}, err
	}
	if tr.Denial != nil {
		return denied(tr.Denial), nil
	}
	summary := models.SummaryOf(tr.Session, loc)
	return Result{Summary: &summary}, nil
}

// CheckOut runs the check-out pipeline.
func (c *Controller) CheckOut(ctx context.Context, req CheckOutRequest) (res Result, err error) {
	ctx, span := c.tracer.Start(ctx, "admission.check_out")
	start := time.Now()
	defer func() { c.finish(ctx, span, OperationCheckOut, start, res, err) }()

	principal, denial, err := c.authenticate(ctx, req.Credential)
	if err != nil || denial != nil {
		return denied(denial), err
	}
	ctx = requestcontext.WithPrincipalID(ctx, principal.ID)

	var position *geofence.Point
	switch {
	case req.Latitude == nil && req.Longitude == nil:
	case req.Latitude == nil:
		return denied(models.MissingFields("latitude")), nil
	case req.Longitude == nil:
		return denied(models.MissingFields("longitude")), nil
	default:
		p := geofence.Point{Latitude: *req.Latitude, Longitude: *req.Longitude}
		if err := p.Validate(); err != nil {
			return denied(models.Deny(models.ReasonInvalidCoordinates, err.Error())), nil
		}
		position = &p
	}

	var loc *models.Location
	if position != nil {
		open, err := call(ctx, c, "ledger", func(ctx context.Context) (*models.Session, error) {
			return c.ledger.Current(ctx, principal.ID)
		})
		if err != nil {
			return Result{}, err
		}
		if open == nil {
			return denied(models.Deny(models.ReasonNotOnDuty, "no attendance session is open")), nil
		}
		loc, err = c.lookupLocation(ctx, open.LocationID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return denied(models.Deny(models.ReasonLocationNotFound, "location not found")), nil
			}
			return Result{}, err
		}
		if denial, err := c.fenceCheck(ctx, principal, *position, loc); err != nil || denial != nil {
			return denied(denial), err
		}
	}

	if denial := c.evidenceCheck(ctx, evidence.OperationCheckOut, principal, req.EvidenceRef); denial != nil {
		return denied(denial), nil
	}

	tr, err := call(ctx, c, "ledger", func(ctx context.Context) (ledger.Transition, error) {
		return c.ledger.End(ctx, principal.ID, req.EvidenceRef)
	})
	if err != nil {
		return Result{}, err
	}
	if tr.Denial != nil {
		return denied(tr.Denial), nil
	}

	if loc == nil || loc.ID != tr.Session.LocationID {
		// committed already; a failed lookup only costs the display name
		if found, err := c.lookupLocation(ctx, tr.Session.LocationID); err == nil {
			loc = found
		} else {
			c.logger.WarnContext(ctx, "location lookup after check-out failed",
				"location_id", tr.Session.LocationID, "error", err)
			loc = nil
		}
	}
	summary := models.SummaryOf(tr.Session, loc)
	return Result{Summary: &summary}, nil
}

// Current reports the principal's open session. A nil Summary with a nil
// Denial means the principal is off duty.
func (c *Controller) Current(ctx context.Context, credential string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "admission.current")
	defer span.End()

	principal, denial, err := c.authenticate(ctx, credential)
	if err != nil || denial != nil {
		return denied(denial), err
	}
	open, err := call(ctx, c, "ledger", func(ctx context.Context) (*models.Session, error) {
		return c.ledger.Current(ctx, principal.ID)
	})
	if err != nil || open == nil {
		return Result{}, err
	}
	loc, err := c.lookupLocation(ctx, open.LocationID)
	if err != nil {
		loc = nil
	}
	summary := models.SummaryOf(open, loc)
	return Result{Summary: &summary}, nil
}

// History lists the principal's sessions, oldest first. Location names are
// resolved in one batch; when that read fails the sessions are still
// returned, without names.
func (c *Controller) History(ctx context.Context, credential string) ([]models.Summary, *models.Denial, error) {
	ctx, span := c.tracer.Start(ctx, "admission.history")
	defer span.End()

	principal, denial, err := c.authenticate(ctx, credential)
	if err != nil || denial != nil {
		return nil, denial, err
	}
	sessions, err := call(ctx, c, "ledger", func(ctx context.Context) ([]*models.Session, error) {
		return c.ledger.History(ctx, principal.ID)
	})
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.Summary, 0, len(sessions))
	if len(sessions) == 0 {
		return out, nil, nil
	}
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.LocationID)
	}
	slices.Sort(ids)
	locs, err := call(ctx, c, "location", func(ctx context.Context) (map[string]*models.Location, error) {
		return c.locations.FindByIDs(ctx, slices.Compact(ids))
	})
	if err != nil {
		locs = nil
	}
	for _, s := range sessions {
		out = append(out, models.SummaryOf(s, locs[s.LocationID]))
	}
	return out, nil, nil
}

// Whoami verifies the credential and returns the principal, without the
// role gate applied to attendance operations.
func (c *Controller) Whoami(ctx context.Context, credential string) (identity.Principal, *models.Denial, error) {
	return c.verify(ctx, credential)
}

// authenticate verifies the credential and applies the role gate.
func (c *Controller) authenticate(ctx context.Context, credential string) (identity.Principal, *models.Denial, error) {
	p, denial, err := c.verify(ctx, credential)
	if err != nil || denial != nil {
		return p, denial, err
	}
	if p.Role != c.eligibleRole {
		c.logger.InfoContext(ctx, "attendance role not permitted",
			"subject", privacy.HashSubject(p.ID),
			"role", p.Role,
		)
		return p, models.Deny(models.ReasonRoleNotPermitted, "role is not permitted to record attendance"), nil
	}
	return p, nil, nil
}

func (c *Controller) verify(ctx context.Context, credential string) (identity.Principal, *models.Denial, error) {
	if credential == "" {
		return identity.Principal{}, models.Deny(models.ReasonUnauthenticated, "credential required"), nil
	}
	p, err := call(ctx, c, "identity", func(ctx context.Context) (identity.Principal, error) {
		return c.identity.Verify(ctx, credential)
	})
	if err != nil {
		if identity.IsRejected(err) {
			return identity.Principal{}, models.Deny(models.ReasonUnauthenticated, "credential could not be verified"), nil
		}
		return identity.Principal{}, nil, err
	}
	if p.ID == "" {
		return identity.Principal{}, models.Deny(models.ReasonUnauthenticated, "credential has no subject"), nil
	}
	return p, nil, nil
}

// lookupLocation coalesces concurrent lookups of the same id. Each caller
// still waits no longer than its own context allows.
func (c *Controller) lookupLocation(ctx context.Context, id string) (*models.Location, error) {
	ctx, span := c.tracer.Start(ctx, "admission.location")
	defer span.End()

	ch := c.lookups.DoChan(id, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.locations.FindByID(lookupCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, c.collaboratorError(ctx, "location", ctx.Err())
	case r := <-ch:
		if r.Shared {
			c.metrics.IncrementCoalescedLookups()
		}
		if r.Err != nil {
			if errors.Is(r.Err, sentinel.ErrNotFound) {
				return nil, r.Err
			}
			return nil, c.collaboratorError(ctx, "location", r.Err)
		}
		loc, _ := r.Val.(*models.Location)
		if loc == nil {
			return nil, sentinel.ErrNotFound
		}
		return loc, nil
	}
}

func (c *Controller) fenceCheck(ctx context.Context, p identity.Principal, position geofence.Point, loc *models.Location) (*models.Denial, error) {
	verdict, err := c.fence.Check(position, loc.Point())
	if err != nil {
		if errors.Is(err, geofence.ErrInvalidCoordinates) {
			// stored coordinates are broken; the request itself was valid
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("location %s has invalid coordinates", loc.ID))
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "geofence check failed")
	}
	c.metrics.ObserveDistance(verdict.DistanceMeters)
	if verdict.Within {
		return nil, nil
	}
	if c.emitter != nil {
		c.emitter.Emit(ctx, audit.SecurityEvent{
			Action:  audit.ActionGeofenceRejected,
			Subject: privacy.HashSubject(p.ID),
			Reason:  "position outside admission radius",
			Detail: map[string]string{
				"location_id":     loc.ID,
				"distance_meters": fmt.Sprintf("%.1f", verdict.DistanceMeters),
				"radius_meters":   fmt.Sprintf("%.1f", verdict.RadiusMeters),
			},
		})
	}
	return models.OutOfRange(verdict.DistanceMeters, verdict.RadiusMeters), nil
}

func (c *Controller) evidenceCheck(ctx context.Context, op evidence.Operation, p identity.Principal, ref string) *models.Denial {
	verdict := c.guard.Check(ctx, op, p.ID, ref)
	if verdict.Approved {
		return nil
	}
	if verdict.Missing {
		return models.MissingFields("evidence_ref")
	}
	c.metrics.IncrementEvidenceViolations()
	// the caller gets a generic denial; the reason goes to the audit trail only
	return models.Deny(models.ReasonEvidenceOwnershipViolation, "evidence reference rejected")
}

// call runs fn under the collaborator timeout and classifies failures.
func call[T any](ctx context.Context, c *Controller, name string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := fn(callCtx)
	if err != nil {
		var zero T
		return zero, c.collaboratorError(callCtx, name, err)
	}
	return v, nil
}

func (c *Controller) collaboratorError(ctx context.Context, name string, err error) error {
	if identity.IsRejected(err) || dErrors.Is(err, dErrors.CodeInvariantViolation) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if !dErrors.Is(err, dErrors.CodeTimeout) {
			err = dErrors.Wrap(err, dErrors.CodeTimeout, name+" timed out")
		}
	} else if !dErrors.CodeOf(err).Retryable() {
		err = dErrors.Wrap(err, dErrors.CodeUnavailable, name+" unavailable")
	}
	c.metrics.IncrementCollaboratorFailure(name, string(dErrors.CodeOf(err)))
	c.logger.ErrorContext(ctx, "admission collaborator failed",
		"collaborator", name,
		"code", string(dErrors.CodeOf(err)),
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	return err
}

func (c *Controller) finish(ctx context.Context, span trace.Span, op string, start time.Time, res Result, err error) {
	defer span.End()
	outcome := "admitted"
	switch {
	case err != nil:
		outcome = string(dErrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if dErrors.Is(err, dErrors.CodeInvariantViolation) {
			c.metrics.IncrementInvariantViolations()
			c.logger.ErrorContext(ctx, "attendance invariant violated",
				"operation", op,
				"error", err,
				"subject", privacy.HashSubject(requestcontext.PrincipalID(ctx)),
				"alert", true,
			)
			if c.emitter != nil {
				c.emitter.Emit(ctx, audit.SecurityEvent{
					Action:  audit.ActionInvariantViolation,
					Subject: privacy.HashSubject(requestcontext.PrincipalID(ctx)),
					Reason:  err.Error(),
					Detail:  map[string]string{"operation": op},
				})
			}
		}
	case res.Denial != nil:
		outcome = string(res.Denial.Reason)
		c.logger.InfoContext(ctx, "admission denied",
			"operation", op,
			"reason", outcome,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	span.SetAttributes(attribute.String("admission.operation", op), attribute.String("admission.outcome", outcome))
	c.metrics.ObserveAdmission(op, outcome, time.Since(start))
}
