package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/gomsync/hooks"
)

// SessionAuditListener writes an audit line for every session lifecycle event.
type SessionAuditListener struct {
	logger *slog.Logger
}

// NewSessionAuditListener creates a new listener for session lifecycle events.
func NewSessionAuditListener(logger *slog.Logger) *SessionAuditListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SessionAuditListener{
		logger: logger.With("component", "SessionAuditListener"),
	}
}

// Events lists the event types this listener should be registered for.
func (l *SessionAuditListener) Events() []hooks.EventType {
	return []hooks.EventType{
		hooks.EventPostSessionAdmit,
		hooks.EventPostSessionSynchronized,
		hooks.EventPostSessionRemove,
	}
}

// OnEvent handles session lifecycle events.
func (l *SessionAuditListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	var action string
	switch event.Type() {
	case hooks.EventPostSessionAdmit:
		action = "admitted"
	case hooks.EventPostSessionSynchronized:
		action = "synchronized"
	case hooks.EventPostSessionRemove:
		action = "removed"
	default:
		return nil
	}

	payload, ok := event.Payload().(hooks.SessionPayload)
	if !ok {
		l.logger.Error("Received session event with incorrect payload type", "event", event.Type(), "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.logger.Info("Session "+action,
		"session_key", payload.Key,
		"remote_addr", payload.RemoteAddr,
		"sessions", payload.Sessions,
	)
	return nil
}

// Priority defines the execution order.
func (l *SessionAuditListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *SessionAuditListener) IsAsync() bool { return true }
