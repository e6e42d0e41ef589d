// Package observability provides audit logging helpers for the ratelimit module.
package observability

import (
	"context"
	"log/slog"

	"shiftgate/internal/ratelimit/ports"
	"shiftgate/pkg/attrs"
	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/requestcontext"
)

// LogAudit writes an audit log line and, when a publisher is configured,
// emits the matching security event. Subject, reason and class are read
// back out of attrList.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher ports.AuditPublisher, action audit.Action, attrList ...any) {
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}

	if logger != nil {
		args := append(attrList, "event", string(action), "log_type", "audit")
		logger.InfoContext(ctx, string(action), args...)
	}

	if publisher == nil {
		return
	}
	event := audit.SecurityEvent{
		Action:    action,
		Subject:   attrs.FirstString(attrList, "identifier", "ip_prefix"),
		Reason:    attrs.FirstString(attrList, "reason"),
		RequestID: requestID,
	}
	if class := attrs.ExtractString(attrList, "class"); class != "" {
		event.Detail = map[string]string{"class": class}
	}
	publisher.Emit(ctx, event)
}
