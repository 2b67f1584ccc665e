// Package events is the structured event log facade. Every significant
// runtime occurrence goes through an Emitter so it lands in the database
// and in the process log with the same shape.
package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/store"
)

// Categories partition the event log by subsystem.
const (
	CategoryScheduler = "scheduler"
	CategoryDevice    = "device"
	CategoryAccount   = "account"
	CategoryAuth      = "auth"
)

// Severities order events for operator triage.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Scheduler event types.
const (
	TypeSchedulerStarted  = "started"
	TypeSchedulerStopping = "stopping"
	TypeSchedulerStopped  = "stopped"
	TypeNoDevices         = "no_devices"
	TypeWarmingStarted    = "warming_started"
	TypeWarmingComplete   = "warming_complete"
	TypeWarmingFailed     = "warming_failed"
	TypeInstallFailed     = "install_failed"
	TypeLoginFailed       = "login_failed"
	TypeCreationStarted   = "creation_started"
	TypeCreationSkipped   = "creation_skipped"
	TypeDeviceLoopError   = "device_loop_error"
)

// Device event types.
const (
	TypeDeviceDisconnected = "disconnected"
	TypeAppDeleted         = "app_deleted"
	TypeAppDeleteFailed    = "app_delete_failed"
	TypeAppInstalled       = "app_installed"
)

// Account event types.
const (
	TypeLoginSuccess           = "login_success"
	TypeAccountCreationStarted = "account_creation_started"
	TypeAccountCreated         = "account_created"
	TypeAccountCreationFailed  = "account_creation_failed"
	TypeCredentialFailure      = "credential_failure"
)

// Auth event types.
const (
	TypeCaptchaFailed = "captcha_failed"
)

// Sink is where emitted events are persisted.
type Sink interface {
	InsertEvent(ctx context.Context, ev store.NewEvent) (int64, error)
}

// Emitter writes events to a Sink. A failed insert is logged and swallowed:
// the event log must never take down the operation it is describing.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	return &Emitter{sink: sink, logger: logger}
}

// Event is one emission. DeviceID and AccountID are optional.
type Event struct {
	Category  string
	Severity  string
	EventType string
	DeviceID  uuid.UUID
	AccountID uuid.UUID
	Message   string
	Context   map[string]any
}

// Emit persists the event and mirrors it to the process log at the severity
// level the event carries.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	ne := store.NewEvent{
		Category:  ev.Category,
		Severity:  ev.Severity,
		EventType: ev.EventType,
		Message:   ev.Message,
		Context:   store.JSONMap(ev.Context),
	}
	if ev.DeviceID != uuid.Nil {
		id := ev.DeviceID
		ne.DeviceID = &id
	}
	if ev.AccountID != uuid.Nil {
		id := ev.AccountID
		ne.AccountID = &id
	}

	attrs := []any{
		"category", ev.Category,
		"event_type", ev.EventType,
	}
	if ev.DeviceID != uuid.Nil {
		attrs = append(attrs, "device_id", ev.DeviceID)
	}
	if ev.AccountID != uuid.Nil {
		attrs = append(attrs, "account_id", ev.AccountID)
	}

	switch ev.Severity {
	case SeverityWarning:
		e.logger.Warn("events: "+ev.Message, attrs...)
	case SeverityError, SeverityCritical:
		e.logger.Error("events: "+ev.Message, attrs...)
	default:
		e.logger.Info("events: "+ev.Message, attrs...)
	}

	if _, err := e.sink.InsertEvent(ctx, ne); err != nil {
		e.logger.Error("events: failed to persist event",
			"event_type", ev.EventType, "error", err)
	}
}

// Info emits a scheduler-style info event with no ids attached.
func (e *Emitter) Info(ctx context.Context, category, eventType, message string) {
	e.Emit(ctx, Event{Category: category, Severity: SeverityInfo, EventType: eventType, Message: message})
}
