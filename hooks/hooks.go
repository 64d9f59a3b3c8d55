// Package hooks provides a small event bus the engine uses to announce
// lifecycle events. The replication layer subscribes to PostCommit to ship
// committed entries to secondaries without the engine knowing about it.
package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexuskv/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// EventPostCommit fires after a mutation is durable and applied. It is
	// triggered while the engine's write lock is still held, so listeners
	// observe commit order.
	EventPostCommit EventType = "PostCommit"
	// EventPostCheckpoint fires after a checkpoint has been persisted and the
	// WAL truncated.
	EventPostCheckpoint EventType = "PostCheckpoint"
	// EventPostRecovery fires once after startup recovery completes.
	EventPostRecovery EventType = "PostRecovery"
)

// HookEvent is the interface that all event objects implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PostCommitPayload carries the committed WAL entry.
type PostCommitPayload struct {
	Entry core.WALEntry
}

// NewPostCommitEvent creates the event fired after a committed mutation.
func NewPostCommitEvent(payload PostCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCommit, payload: payload}
}

// PostCheckpointPayload carries the sequence number the checkpoint reflects.
type PostCheckpointPayload struct {
	SeqNum uint64
}

// NewPostCheckpointEvent creates the event fired after a checkpoint.
func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// PostRecoveryPayload summarizes startup recovery.
type PostRecoveryPayload struct {
	CheckpointSeqNum uint64
	EntriesReplayed  int
}

// NewPostRecoveryEvent creates the event fired after recovery.
func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// HookListener receives events it registered for.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent)
}

// ListenerFunc adapts a function to the HookListener interface.
type ListenerFunc func(ctx context.Context, event HookEvent)

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) { f(ctx, event) }

// HookManager manages and triggers hooks.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	Trigger(ctx context.Context, event HookEvent)
}

type hookManager struct {
	mu        sync.RWMutex
	listeners map[EventType][]HookListener
	logger    *slog.Logger
}

// NewHookManager creates an empty hook manager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &hookManager{
		listeners: make(map[EventType][]HookListener),
		logger:    logger.With("component", "HookManager"),
	}
}

func (m *hookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[eventType] = append(m.listeners[eventType], listener)
}

// Trigger fires all registered listeners for the event synchronously, in
// registration order. Listeners must not call back into the engine's
// mutating operations: commit-path events run under the engine write lock.
func (m *hookManager) Trigger(ctx context.Context, event HookEvent) {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	for _, l := range listeners {
		l.OnEvent(ctx, event)
	}
}
