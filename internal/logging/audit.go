package logging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	AuthSuccess  AuditEventType = "AUTH_SUCCESS"
	AuthFailure  AuditEventType = "AUTH_FAILURE"
	DBRead       AuditEventType = "DB_READ"
	DBWrite      AuditEventType = "DB_WRITE"
	DBDelete     AuditEventType = "DB_DELETE"
	ConfigChange AuditEventType = "CONFIG_CHANGE"
)

// AuditSeverity represents the severity level of an audit event
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent records one authentication attempt or database operation.
type AuditEvent struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	EventType     AuditEventType         `json:"event_type"`
	Severity      AuditSeverity          `json:"severity"`
	Principal     string                 `json:"principal,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Action        string                 `json:"action"`
	Resource      string                 `json:"resource"`
	Status        AuditStatus            `json:"status"`
	DurationMs    int64                  `json:"duration_ms,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, action string, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  SeverityInfo,
		Action:    action,
		Status:    status,
	}
}

// AuditEventForMethod picks the event type that matches an HTTP method.
func AuditEventForMethod(method string) AuditEventType {
	switch method {
	case "GET":
		return DBRead
	case "DELETE":
		return DBDelete
	default:
		return DBWrite
	}
}

// WithPrincipal sets who performed the action.
func (e *AuditEvent) WithPrincipal(principal string) *AuditEvent {
	e.Principal = principal
	return e
}

// WithCorrelationID links the event to a request.
func (e *AuditEvent) WithCorrelationID(id string) *AuditEvent {
	e.CorrelationID = id
	return e
}

// WithResource sets the database path or endpoint acted on.
func (e *AuditEvent) WithResource(resource string) *AuditEvent {
	e.Resource = resource
	return e
}

// WithSeverity overrides the default severity.
func (e *AuditEvent) WithSeverity(severity AuditSeverity) *AuditEvent {
	e.Severity = severity
	return e
}

// WithDuration records how long the action took.
func (e *AuditEvent) WithDuration(d time.Duration) *AuditEvent {
	e.DurationMs = d.Milliseconds()
	return e
}

// WithDetails merges extra fields into the event.
func (e *AuditEvent) WithDetails(details map[string]interface{}) *AuditEvent {
	e.Details = details
	return e
}

// WithError marks the event as failed. Severity is raised to error unless
// it was already set to something other than info.
func (e *AuditEvent) WithError(errorMessage string) *AuditEvent {
	e.ErrorMessage = errorMessage
	e.Status = StatusFailure
	if e.Severity == "" || e.Severity == SeverityInfo {
		e.Severity = SeverityError
	}
	return e
}

// ToJSON converts the audit event to a JSON string
func (e *AuditEvent) ToJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal audit event: %v"}`, err)
	}
	return string(data)
}

// ParseAuditEvent parses a JSON string into an AuditEvent
func ParseAuditEvent(data string) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}
	return &event, nil
}

// EventTypeFromString converts a string to AuditEventType, defaulting to DB_READ.
func EventTypeFromString(s string) AuditEventType {
	switch AuditEventType(s) {
	case AuthSuccess, AuthFailure, DBRead, DBWrite, DBDelete, ConfigChange:
		return AuditEventType(s)
	default:
		return DBRead
	}
}

// AuditSink receives audit events. Implementations must not block the caller for long.
type AuditSink interface {
	Record(event *AuditEvent)
}

// LogAuditSink writes audit events through a Logger.
type LogAuditSink struct {
	Logger *Logger
}

// Record writes the event as a structured log line.
func (s LogAuditSink) Record(event *AuditEvent) {
	if s.Logger == nil || event == nil {
		return
	}
	fields := []interface{}{
		"correlation_id", event.CorrelationID,
		"event_type", string(event.EventType),
		"action", event.Action,
		"resource", event.Resource,
		"status", string(event.Status),
	}
	if event.ErrorMessage != "" {
		fields = append(fields, "error", event.ErrorMessage)
		s.Logger.Warn("audit", fields...)
		return
	}
	s.Logger.Info("audit", fields...)
}
