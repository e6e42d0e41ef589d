// Package security publishes security audit events without blocking the
// request path. Events land in a bounded ring buffer drained by
// pkg/platform/audit/worker.
package security

import (
	"context"
	"log/slog"

	audit "shiftgate/pkg/platform/audit"
	"shiftgate/pkg/platform/privacy"
	"shiftgate/pkg/requestcontext"
)

type Publisher struct {
	buffer *RingBuffer
	logger *slog.Logger
	device func(userAgent string) string
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithCapacity(n int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(n)
	}
}

// WithDeviceLabel derives Device from the request's User-Agent when the
// event does not carry one.
func WithDeviceLabel(label func(userAgent string) string) Option {
	return func(p *Publisher) {
		p.device = label
	}
}

func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer == nil {
		p.buffer = NewRingBuffer(0)
	}
	return p
}

// Buffer exposes the queue the worker drains.
func (p *Publisher) Buffer() *RingBuffer { return p.buffer }

// Emit enqueues an event. Missing timestamp, severity, request id and client
// IP are filled from ctx; the IP is anonymized before it is stored.
func (p *Publisher) Emit(ctx context.Context, event audit.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.Severity == "" {
		event.Severity = event.Action.DefaultSeverity()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.IP == "" {
		event.IP = requestcontext.ClientIP(ctx)
	}
	event.IP = privacy.AnonymizeIP(event.IP)
	if event.Device == "" && p.device != nil {
		if ua := requestcontext.UserAgent(ctx); ua != "" {
			event.Device = p.device(ua)
		}
	}

	p.buffer.Enqueue(event)

	if event.Severity == audit.SeverityCritical && p.logger != nil {
		p.logger.WarnContext(ctx, "critical security event",
			"log_type", "audit",
			"event", string(event.Action),
			"reason", event.Reason,
			"request_id", event.RequestID,
		)
	}
}
