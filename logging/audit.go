package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// AuditEventType names a record state transition.
type AuditEventType string

const (
	// Unassigned-trip alerts
	AuditUnassignedCreated   AuditEventType = "unassigned.created"
	AuditUnassignedAlerted   AuditEventType = "unassigned.first_alert"
	AuditUnassignedFollowUp  AuditEventType = "unassigned.follow_up"
	AuditUnassignedEscalated AuditEventType = "unassigned.escalated"
	AuditUnassignedResolved  AuditEventType = "unassigned.resolved"

	// Driver progress
	AuditProgressCreated  AuditEventType = "progress.created"
	AuditProgressLate     AuditEventType = "progress.late"
	AuditProgressStopped  AuditEventType = "progress.stopped"
	AuditProgressGPSStale AuditEventType = "progress.gps_stale"
	AuditProgressClosed   AuditEventType = "progress.closed"

	// Departure monitoring
	AuditDepartureCreated    AuditEventType = "departure.created"
	AuditDepartureSkipped    AuditEventType = "departure.skipped"
	AuditDepartureReminder   AuditEventType = "departure.reminder"
	AuditDepartureAlert      AuditEventType = "departure.alert"
	AuditDepartureLateStart  AuditEventType = "departure.late_start"
	AuditDepartureStarted    AuditEventType = "departure.started"
	AuditDepartureReassigned AuditEventType = "departure.reassigned"
	AuditDepartureClosed     AuditEventType = "departure.closed"
)

// AuditEvent is one transition of a monitoring record.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	TripID    string            `json:"trip_id"`
	RecordID  string            `json:"record_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	Service   string            `json:"service"`
}

// AuditLogger writes transition events to the log and, when configured,
// forwards them to an EventTracker.
type AuditLogger struct {
	logger  *slog.Logger
	tracker EventTracker
	service string
	now     func() time.Time
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	ServiceName string
	Logger      *Logger
	Tracker     EventTracker
	Now         func() time.Time
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config AuditLoggerConfig) *AuditLogger {
	base := slog.Default()
	if config.Logger != nil {
		base = config.Logger.Logger
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &AuditLogger{
		logger:  base.With("audit", true),
		tracker: config.Tracker,
		service: config.ServiceName,
		now:     now,
	}
}

// Log records an audit event. A nil AuditLogger is a no-op.
func (l *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	if l == nil {
		return
	}
	event.Service = l.service
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TraceID == "" {
		event.TraceID = TraceIDFromContext(ctx)
	}

	attrs := []slog.Attr{
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)),
		slog.String("trip_id", event.TripID),
		slog.Time("at", event.Timestamp),
	}
	if event.RecordID != "" {
		attrs = append(attrs, slog.String("record_id", event.RecordID))
	}
	if event.From != "" || event.To != "" {
		attrs = append(attrs, slog.String("from", event.From), slog.String("to", event.To))
	}
	if event.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", event.TraceID))
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.String(k, v))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit_event", attrs...)

	if l.tracker != nil {
		props := map[string]string{
			"trip_id": event.TripID,
			"service": event.Service,
		}
		if event.To != "" {
			props["status"] = event.To
		}
		for k, v := range event.Details {
			props[k] = v
		}
		l.tracker.TrackEvent(string(event.Type), props)
	}
}

// Transition is shorthand for a status change of one record.
func (l *AuditLogger) Transition(ctx context.Context, eventType AuditEventType, tripID, recordID, from, to string, details map[string]string) {
	l.Log(ctx, AuditEvent{
		Type:     eventType,
		TripID:   tripID,
		RecordID: recordID,
		From:     from,
		To:       to,
		Details:  details,
	})
}

// TraceIDFromContext returns the active span's trace ID, if any.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
