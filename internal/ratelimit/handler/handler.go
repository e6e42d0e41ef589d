// Package handler exposes rate-limit administration over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shiftgate/internal/ratelimit/models"
	dErrors "shiftgate/pkg/domain-errors"
	"shiftgate/pkg/platform/httputil"
	request "shiftgate/pkg/platform/middleware/request"
	"shiftgate/pkg/platform/privacy"
)

// Service is the slice of the rate governor the admin surface needs.
type Service interface {
	Status(ctx context.Context, class models.EndpointClass, identifier string) (*models.Status, error)
	Reset(ctx context.Context, class models.EndpointClass, identifier string) error
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdmin mounts the admin routes on r. The caller is responsible for
// admin authentication and rate limiting.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/rate-limit/status", h.HandleStatus)
	r.Delete("/admin/rate-limit/{class}/{identifier}", h.HandleReset)
}

// HandleStatus reports a window without counting the request against it.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := models.KeyRequest{
		Identifier: r.URL.Query().Get("identifier"),
		Class:      r.URL.Query().Get("class"),
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	st, err := h.service.Status(ctx, models.EndpointClass(req.Class), req.Identifier)
	if err != nil {
		h.fail(ctx, w, "rate limit status failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

// HandleReset clears a window and any lockout on it.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := models.KeyRequest{
		Identifier: chi.URLParam(r, "identifier"),
		Class:      chi.URLParam(r, "class"),
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	class := models.EndpointClass(req.Class)
	if err := h.service.Reset(ctx, class, req.Identifier); err != nil {
		h.fail(ctx, w, "rate limit reset failed", err)
		return
	}
	h.logger.InfoContext(ctx, "rate limit reset",
		"request_id", request.GetRequestID(ctx),
		"class", req.Class,
		"ip_prefix", privacy.AnonymizeIP(req.Identifier),
	)
	httputil.WriteJSON(w, http.StatusOK, &models.ResetResponse{
		Identifier: req.Identifier,
		Class:      class,
		Reset:      true,
	})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", request.GetRequestID(ctx),
		"error", err,
	)
	if dErrors.CodeOf(err).Retryable() || dErrors.Is(err, dErrors.CodeInvalidInput) {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, msg))
}
