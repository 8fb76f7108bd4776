package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeWrite represents an encrypted write and its key wrapping.
	EventTypeWrite EventType = "write"
	// EventTypeRead represents a decrypting read.
	EventTypeRead EventType = "read"
	// EventTypeAccessUpdate represents re-wrapping a file key for a new access list.
	EventTypeAccessUpdate EventType = "access_update"
	// EventTypeKeyPair represents provisioning or checking a user or system key pair.
	EventTypeKeyPair EventType = "key_pair"
)

// AuditEvent represents a single audit log event. It never carries key material.
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	Path       string                 `json:"path,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Cipher     string                 `json:"cipher,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogWrite logs the end of an encrypted write.
	LogWrite(path, userID, cipher string, recipients []string, success bool, err error, duration time.Duration)

	// LogRead logs the end of a decrypting read.
	LogRead(path, userID, cipher string, success bool, err error, duration time.Duration)

	// LogAccessUpdate logs a re-wrap of an existing file key.
	LogAccessUpdate(path, userID string, recipients []string, success bool, err error)

	// LogKeyPair logs a key pair operation such as "init" or "check_password".
	LogKeyPair(userID, operation string, success bool, err error)

	// Events returns a copy of the buffered events.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger buffering at most maxEvents. A nil
// writer keeps events in memory only.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var writeErr error
	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			writeErr = fmt.Errorf("failed to write audit event: %w", err)
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return writeErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LogWrite logs the end of an encrypted write.
func (l *auditLogger) LogWrite(path, userID, cipher string, recipients []string, success bool, err error, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType:  EventTypeWrite,
		Operation:  "write",
		Path:       path,
		UserID:     userID,
		Cipher:     cipher,
		Recipients: recipients,
		Success:    success,
		Error:      errString(err),
		Duration:   duration,
	})
}

// LogRead logs the end of a decrypting read.
func (l *auditLogger) LogRead(path, userID, cipher string, success bool, err error, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: EventTypeRead,
		Operation: "read",
		Path:      path,
		UserID:    userID,
		Cipher:    cipher,
		Success:   success,
		Error:     errString(err),
		Duration:  duration,
	})
}

// LogAccessUpdate logs a re-wrap of an existing file key.
func (l *auditLogger) LogAccessUpdate(path, userID string, recipients []string, success bool, err error) {
	l.Log(&AuditEvent{
		EventType:  EventTypeAccessUpdate,
		Operation:  "access_update",
		Path:       path,
		UserID:     userID,
		Recipients: recipients,
		Success:    success,
		Error:      errString(err),
	})
}

// LogKeyPair logs a key pair operation.
func (l *auditLogger) LogKeyPair(userID, operation string, success bool, err error) {
	l.Log(&AuditEvent{
		EventType: EventTypeKeyPair,
		Operation: operation,
		UserID:    userID,
		Success:   success,
		Error:     errString(err),
	})
}

// Events returns all buffered audit events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// JSONWriter writes one JSON document per event.
type JSONWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewJSONWriter returns a writer emitting newline-delimited JSON to out.
func NewJSONWriter(out io.Writer) *JSONWriter {
	return &JSONWriter{out: out}
}

// WriteEvent implements EventWriter.
func (w *JSONWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

// LogrusWriter forwards events to a logrus logger as structured entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns an EventWriter backed by logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	entry := w.logger.WithFields(logrus.Fields{
		"audit_id":   event.ID,
		"event_type": event.EventType,
		"operation":  event.Operation,
		"success":    event.Success,
	})
	if event.Path != "" {
		entry = entry.WithField("path", event.Path)
	}
	if event.UserID != "" {
		entry = entry.WithField("user", event.UserID)
	}
	if event.Cipher != "" {
		entry = entry.WithField("cipher", event.Cipher)
	}
	if len(event.Recipients) > 0 {
		entry = entry.WithField("recipients", event.Recipients)
	}
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("audit")
		return nil
	}
	entry.Info("audit")
	return nil
}
