package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/gomsync/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Session Lifecycle Events
	EventPostSessionAdmit        EventType = "PostSessionAdmit"
	EventPostSessionSynchronized EventType = "PostSessionSynchronized"
	EventPostSessionRemove       EventType = "PostSessionRemove"

	// Replication Events
	EventPreTransactionSend  EventType = "PreTransactionSend"
	EventPostTransactionSend EventType = "PostTransactionSend"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// SessionPayload describes a session that joined, finished its handshake
// or left the registry.
type SessionPayload struct {
	Key        core.SessionKey
	RemoteAddr string
	// Sessions is the registry size right after the change.
	Sessions int
}

// NewPostSessionAdmitEvent creates a new event for after a session is admitted.
func NewPostSessionAdmitEvent(payload SessionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSessionAdmit, payload: payload}
}

// NewPostSessionSynchronizedEvent creates a new event for after a session
// starts receiving replication transactions.
func NewPostSessionSynchronizedEvent(payload SessionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSessionSynchronized, payload: payload}
}

// NewPostSessionRemoveEvent creates a new event for after a session is removed.
func NewPostSessionRemoveEvent(payload SessionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSessionRemove, payload: payload}
}

// PreTransactionSendPayload contains the data for a PreTransactionSend event.
// A listener returning an error from this event suppresses the send.
type PreTransactionSendPayload struct {
	Level     core.DirtyLevel
	Types     int
	Updates   int
	Deletions int
	Bytes     int
}

// NewPreTransactionSendEvent creates a new event for before a transaction is broadcast.
func NewPreTransactionSendEvent(payload PreTransactionSendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreTransactionSend, payload: payload}
}

// PostTransactionSendPayload contains the data for a PostTransactionSend event.
type PostTransactionSendPayload struct {
	Level    core.DirtyLevel
	Bytes    int
	Sessions int // sessions the transaction was written to
	Failures int
	Duration time.Duration
}

// NewPostTransactionSendEvent creates a new event for after a transaction is broadcast.
func NewPostTransactionSendEvent(payload PostTransactionSendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostTransactionSend, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called when a subscribed event is triggered.
	// For Pre-hooks, returning an error will cancel the operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	// First index whose priority is strictly greater keeps ties stable.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	// Trigger iterates the slice it read without the lock; never mutate it.
	m.listeners[eventType] = slices.Insert(slices.Clone(l), idx, item)
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
