package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexuslocal/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Write path events. The Pre event fires inside the commit path and a
	// listener error cancels the transaction.
	EventPreCommit  EventType = "PreCommit"
	EventPostCommit EventType = "PostCommit"

	// Coordination events.
	EventLeaseChanged EventType = "LeaseChanged"

	// Subscription lifecycle events.
	EventSubscriptionTerminated EventType = "SubscriptionTerminated"

	// Shape sync events.
	EventShapeStatusChanged EventType = "ShapeStatusChanged"
)

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

// PreCommitPayload carries the statements about to be committed. Statements
// is a pointer so a listener can rewrite the transaction before it runs.
type PreCommitPayload struct {
	Statements *[]core.Statement
}

// NewPreCommitEvent creates a new event for before a transaction commits.
func NewPreCommitEvent(payload PreCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCommit, payload: payload}
}

// PostCommitPayload carries the commit notice for a committed transaction.
type PostCommitPayload struct {
	Notice core.CommitNotice
}

// NewPostCommitEvent creates a new event for after a transaction commits.
func NewPostCommitEvent(payload PostCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCommit, payload: payload}
}

// LeaseChangedPayload carries the new observable lease state of an instance.
type LeaseChangedPayload struct {
	InstanceID string
	HolderID   string
	Phase      string
	Epoch      int64
}

// NewLeaseChangedEvent creates a new event for a leadership transition.
func NewLeaseChangedEvent(payload LeaseChangedPayload) HookEvent {
	return &BaseEvent{eventType: EventLeaseChanged, payload: payload}
}

// SubscriptionTerminatedPayload identifies a subscription that ended with a
// fatal error during recomputation.
type SubscriptionTerminatedPayload struct {
	SubscriptionID string
	Err            error
}

// NewSubscriptionTerminatedEvent creates a new event for a fatally terminated subscription.
func NewSubscriptionTerminatedEvent(payload SubscriptionTerminatedPayload) HookEvent {
	return &BaseEvent{eventType: EventSubscriptionTerminated, payload: payload}
}

// ShapeStatusChangedPayload carries a shape's new sync status.
type ShapeStatusChangedPayload struct {
	ShapeKey string
	Status   string
}

// NewShapeStatusChangedEvent creates a new event for a shape status transition.
func NewShapeStatusChangedEvent(payload ShapeStatusChangedPayload) HookEvent {
	return &BaseEvent{eventType: EventShapeStatusChanged, payload: payload}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreCommit) can cancel the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// ListenerFunc adapts a plain function into a synchronous HookListener with
// the given priority.
type ListenerFunc struct {
	Fn       func(ctx context.Context, event HookEvent) error
	Prio     int
	RunAsync bool
}

func (l *ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error {
	return l.Fn(ctx, event)
}

func (l *ListenerFunc) Priority() int { return l.Prio }
func (l *ListenerFunc) IsAsync() bool { return l.RunAsync }

// listenerWithPriority wraps a listener with its priority.
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
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// sort.Search finds the first index i where l[i].priority >= item.priority.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					// For Pre-hooks, the error is critical and cancels the operation.
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
