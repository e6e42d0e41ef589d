// Package handler is the HTTP boundary for attendance: check-in, check-out,
// duty status, location lookup and whoami.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"shiftgate/internal/attendance/admission"
	"shiftgate/internal/attendance/models"
	"shiftgate/internal/identity"
	dErrors "shiftgate/pkg/domain-errors"
	"shiftgate/pkg/platform/httputil"
	request "shiftgate/pkg/platform/middleware/request"
	"shiftgate/pkg/platform/sentinel"
	pstrings "shiftgate/pkg/platform/strings"
	"shiftgate/pkg/requestcontext"
)

const (
	maxBodyBytes = 64 << 10
	// maxLookupIDs bounds a ?ids= lookup so one public request stays one
	// cheap query.
	maxLookupIDs = 50
)

// Admission is the admission controller as seen by the transport.
type Admission interface {
	CheckIn(ctx context.Context, req admission.CheckInRequest) (admission.Result, error)
	CheckOut(ctx context.Context, req admission.CheckOutRequest) (admission.Result, error)
	Current(ctx context.Context, credential string) (admission.Result, error)
	History(ctx context.Context, credential string) ([]models.Summary, *models.Denial, error)
	Whoami(ctx context.Context, credential string) (identity.Principal, *models.Denial, error)
}

// LocationReader serves the public location lookup.
type LocationReader interface {
	List(ctx context.Context) ([]*models.Location, error)
	FindByID(ctx context.Context, id string) (*models.Location, error)
	FindByIDs(ctx context.Context, ids []string) (map[string]*models.Location, error)
}

type Handler struct {
	admission Admission
	locations LocationReader
	logger    *slog.Logger
}

func New(admission Admission, locations LocationReader, logger *slog.Logger) *Handler {
	return &Handler{
		admission: admission,
		locations: locations,
		logger:    logger,
	}
}

// RegisterPayroll mounts check-in and check-out.
func (h *Handler) RegisterPayroll(r chi.Router) {
	r.Post("/attendance/check-in", h.HandleCheckIn)
	r.Post("/attendance/check-out", h.HandleCheckOut)
}

// RegisterGeneral mounts the duty-status and history queries.
func (h *Handler) RegisterGeneral(r chi.Router) {
	r.Get("/attendance/current", h.HandleCurrent)
	r.Get("/attendance/history", h.HandleHistory)
}

// RegisterPublic mounts location lookup.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Get("/locations", h.HandleListLocations)
	r.Get("/locations/{id}", h.HandleGetLocation)
}

// RegisterAuth mounts whoami.
func (h *Handler) RegisterAuth(r chi.Router) {
	r.Get("/me", h.HandleMe)
}

func (h *Handler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body CheckInRequest
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.admission.CheckIn(ctx, admission.CheckInRequest{
		Credential:  requestcontext.Credential(ctx),
		LocationID:  strings.TrimSpace(body.LocationID),
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
		EvidenceRef: strings.TrimSpace(body.EvidenceRef),
	})
	h.writeResult(ctx, w, "check-in", res, err)
}

func (h *Handler) HandleCheckOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body CheckOutRequest
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.admission.CheckOut(ctx, admission.CheckOutRequest{
		Credential:  requestcontext.Credential(ctx),
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
		EvidenceRef: strings.TrimSpace(body.EvidenceRef),
	})
	h.writeResult(ctx, w, "check-out", res, err)
}

func (h *Handler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.admission.Current(ctx, requestcontext.Credential(ctx))
	switch {
	case err != nil:
		h.writeError(ctx, w, "current session", err)
	case res.Denial != nil:
		httputil.WriteJSON(w, res.Denial.Reason.HTTPStatus(), res.Denial)
	default:
		httputil.WriteJSON(w, http.StatusOK, &CurrentResponse{OnDuty: res.Summary != nil, Summary: res.Summary})
	}
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessions, denial, err := h.admission.History(ctx, requestcontext.Credential(ctx))
	switch {
	case err != nil:
		h.writeError(ctx, w, "attendance history", err)
	case denial != nil:
		httputil.WriteJSON(w, denial.Reason.HTTPStatus(), denial)
	default:
		httputil.WriteJSON(w, http.StatusOK, &HistoryResponse{Sessions: sessions})
	}
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, denial, err := h.admission.Whoami(ctx, requestcontext.Credential(ctx))
	switch {
	case err != nil:
		h.writeError(ctx, w, "whoami", err)
	case denial != nil:
		httputil.WriteJSON(w, denial.Reason.HTTPStatus(), denial)
	default:
		httputil.WriteJSON(w, http.StatusOK, &MeResponse{PrincipalID: p.ID, Role: p.Role, DisplayName: p.DisplayName})
	}
}

// HandleListLocations lists every location, or with ?ids=a,b only those
// ids in the order asked. Unknown ids are skipped.
func (h *Handler) HandleListLocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.URL.Query().Has("ids") {
		h.listLocationsByID(w, r)
		return
	}
	locs, err := h.locations.List(ctx)
	if err != nil {
		h.writeError(ctx, w, "list locations", dErrors.Wrap(err, dErrors.CodeUnavailable, "location store unavailable"))
		return
	}
	if locs == nil {
		locs = []*models.Location{}
	}
	httputil.WriteJSON(w, http.StatusOK, &LocationsResponse{Locations: locs})
}

func (h *Handler) listLocationsByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids := pstrings.SplitList(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "ids must name at least one location"))
		return
	}
	if len(ids) > maxLookupIDs {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("at most %d ids per request", maxLookupIDs)))
		return
	}
	found, err := h.locations.FindByIDs(ctx, ids)
	if err != nil {
		h.writeError(ctx, w, "find locations", dErrors.Wrap(err, dErrors.CodeUnavailable, "location store unavailable"))
		return
	}
	locs := make([]*models.Location, 0, len(found))
	for _, id := range ids {
		if l, ok := found[id]; ok {
			locs = append(locs, l)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, &LocationsResponse{Locations: locs})
}

func (h *Handler) HandleGetLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	loc, err := h.locations.FindByID(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, sentinel.ErrNotFound) {
		d := models.Deny(models.ReasonLocationNotFound, "location not found")
		httputil.WriteJSON(w, d.Reason.HTTPStatus(), d)
		return
	}
	if err != nil {
		h.writeError(ctx, w, "get location", dErrors.Wrap(err, dErrors.CodeUnavailable, "location store unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loc)
}

// decode reads a JSON body. An empty body decodes to the zero value so the
// admission pipeline can report exactly which fields are missing.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	h.logger.WarnContext(r.Context(), "invalid attendance request body",
		"request_id", request.GetRequestID(r.Context()),
		"error", err,
	)
	httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
	return false
}

func (h *Handler) writeResult(ctx context.Context, w http.ResponseWriter, op string, res admission.Result, err error) {
	switch {
	case err != nil:
		h.writeError(ctx, w, op, err)
	case res.Denial != nil:
		httputil.WriteJSON(w, res.Denial.Reason.HTTPStatus(), res.Denial)
	case res.Summary != nil:
		httputil.WriteJSON(w, http.StatusOK, res.Summary)
	default:
		h.writeError(ctx, w, op, dErrors.New(dErrors.CodeInternal, "empty admission result"))
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	h.logger.ErrorContext(ctx, op+" failed",
		"request_id", request.GetRequestID(ctx),
		"code", string(dErrors.CodeOf(err)),
		"error", err,
	)
	if dErrors.CodeOf(err).Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	httputil.WriteError(w, err)
}
