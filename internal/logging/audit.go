package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditStartup         AuditEventType = "startup"
	AuditShutdown        AuditEventType = "shutdown"
	AuditMonitoringStart AuditEventType = "monitoring_start"
	AuditMonitoringStop  AuditEventType = "monitoring_stop"
	AuditProfileCreated  AuditEventType = "profile_created"
	AuditProfileImport   AuditEventType = "profile_import"
	AuditProfileExport   AuditEventType = "profile_export"
	AuditProfileReset    AuditEventType = "profile_reset"
	AuditSettingsChange  AuditEventType = "settings_change"
	AuditAlert           AuditEventType = "alert"
	AuditSessionLock     AuditEventType = "session_lock"
)

// AuditEvent is one security-relevant event. Details must not carry raw
// input samples.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditLogger appends audit events as JSON lines. A nil *AuditLogger
// discards everything.
type AuditLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	userID string
	now    func() time.Time
}

// NewAuditLogger writes audit events to a rotated file at path.
func NewAuditLogger(path, userID string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    10,
		MaxBackups: 10,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditWriter(rotator, userID)
	a.closer = rotator
	return a, nil
}

// NewAuditWriter writes audit events to w.
func NewAuditWriter(w io.Writer, userID string) *AuditLogger {
	return &AuditLogger{w: w, userID: userID, now: time.Now}
}

// Log writes an audit event, filling in the timestamp, user and result.
func (a *AuditLogger) Log(event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.UserID == "" {
		event.UserID = a.userID
	}
	if event.Result == "" {
		event.Result = "success"
		if event.Error != "" {
			event.Result = "failure"
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Record logs an event of type t with optional details and error.
func (a *AuditLogger) Record(t AuditEventType, err error, details map[string]any) {
	ev := AuditEvent{EventType: t, Details: details}
	if err != nil {
		ev.Error = err.Error()
	}
	if logErr := a.Log(ev); logErr != nil {
		Default().WithComponent("audit").Warn("audit write failed", "error", logErr)
	}
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closer.Close()
}
