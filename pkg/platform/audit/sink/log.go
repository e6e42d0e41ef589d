// Package sink holds audit.Sink implementations.
package sink

import (
	"context"
	"log/slog"

	audit "shiftgate/pkg/platform/audit"
)

// Log writes each event as a structured log line tagged log_type=audit.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (s *Log) Write(ctx context.Context, events []audit.SecurityEvent) error {
	for _, e := range events {
		level := slog.LevelInfo
		switch e.Severity {
		case audit.SeverityCritical:
			level = slog.LevelError
		case audit.SeverityWarning:
			level = slog.LevelWarn
		}
		args := []any{
			"log_type", "audit",
			"event", string(e.Action),
			"severity", string(e.Severity),
			"occurred_at", e.Timestamp,
		}
		if e.Subject != "" {
			args = append(args, "subject", e.Subject)
		}
		if e.Reason != "" {
			args = append(args, "reason", e.Reason)
		}
		if e.IP != "" {
			args = append(args, "ip_prefix", e.IP)
		}
		if e.Device != "" {
			args = append(args, "device", e.Device)
		}
		if e.RequestID != "" {
			args = append(args, "request_id", e.RequestID)
		}
		for k, v := range e.Detail {
			args = append(args, k, v)
		}
		s.logger.Log(ctx, level, "security_event", args...)
	}
	return nil
}
