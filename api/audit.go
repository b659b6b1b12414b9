package api

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditTokenAdmitted    AuditEvent = "token_admitted"
	AuditTokenRejected    AuditEvent = "token_rejected"
	AuditTokenRateLimited AuditEvent = "token_rate_limited"
	AuditAccessGranted    AuditEvent = "access_granted"
	AuditAccessDenied     AuditEvent = "access_denied"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events about a token or key. The id is a
// token id or key id, never key material.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, id string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("id", id),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a refused request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func encodeID(id []byte) string {
	return hex.EncodeToString(id)
}
