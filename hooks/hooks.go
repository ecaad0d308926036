// Package hooks delivers engine notifications to registered listeners. The
// committer publishes one EventCommitted per inserted index entry, in commit
// order; the other event types exist for observability.
package hooks

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/calderadb/caldera/core"
)

// EventType identifies the kind of a notification.
type EventType string

const (
	// EventCommitted fires once per index entry inserted by the committer.
	EventCommitted EventType = "Committed"
	// EventCacheEviction fires when the idempotency cache drops an entry.
	EventCacheEviction EventType = "CacheEviction"
	// EventHashCollision fires when a hashed index lookup had to fall back to
	// an identity scan.
	EventHashCollision EventType = "HashCollision"
	// EventIndexFlushed fires when the table index persists its memtable.
	EventIndexFlushed EventType = "IndexFlushed"
)

// Event is a notification with its payload.
type Event interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent is the standard Event implementation.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// CommittedPayload describes one committed index entry.
type CommittedPayload struct {
	StreamID    core.StreamID
	EventNumber int64
	Position    int64
	// IsEndOfLog reports whether this was the logically-last record at the
	// current log tail, telling downstream consumers they are caught up.
	IsEndOfLog bool
}

// NewCommittedEvent creates an EventCommitted notification.
func NewCommittedEvent(payload CommittedPayload) Event {
	return &BaseEvent{eventType: EventCommitted, payload: payload}
}

// HashCollisionPayload describes one collision fallback.
type HashCollisionPayload struct {
	Hash     core.StreamHash
	StreamID core.StreamID
}

// NewHashCollisionEvent creates an EventHashCollision notification.
func NewHashCollisionEvent(payload HashCollisionPayload) Event {
	return &BaseEvent{eventType: EventHashCollision, payload: payload}
}

// IndexFlushedPayload describes one table-index memtable flush.
type IndexFlushedPayload struct {
	Entries    int
	Checkpoint int64
}

// NewIndexFlushedEvent creates an EventIndexFlushed notification.
func NewIndexFlushedEvent(payload IndexFlushedPayload) Event {
	return &BaseEvent{eventType: EventIndexFlushed, payload: payload}
}

// Listener receives events it registered for.
type Listener interface {
	OnEvent(ctx context.Context, event Event) error
	// Priority orders listeners for one event type; lower runs first.
	Priority() int
	// IsAsync lets a listener opt into delivery on its own goroutine.
	// Async listeners give up the in-commit-order guarantee.
	IsAsync() bool
}

// Manager registers listeners and fanouts events to them.
type Manager interface {
	Register(eventType EventType, listener Listener)
	Trigger(ctx context.Context, event Event)
	// Stop waits for in-flight asynchronous listeners to finish.
	Stop()
}

type listenerWithPriority struct {
	listener Listener
	priority int
}

// DefaultManager is the standard Manager implementation.
type DefaultManager struct {
	mu        sync.RWMutex
	listeners map[EventType][]*listenerWithPriority
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewManager creates a Manager logging through the given logger.
func NewManager(logger *slog.Logger) *DefaultManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for eventType, keeping priority order.
func (m *DefaultManager) Register(eventType EventType, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool { return l[i].priority >= item.priority })
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger delivers event to all listeners registered for its type. Listener
// errors are logged, never propagated: notifications are post-fact and must
// not fail the operation that produced them.
func (m *DefaultManager) Trigger(ctx context.Context, event Event) {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	for _, item := range listeners {
		if item.listener.IsAsync() {
			m.wg.Add(1)
			go func(current *listenerWithPriority) {
				defer m.wg.Done()
				if err := current.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous listener", "event", event.Type(), "priority", current.priority, "error", err)
				}
			}(item)
			continue
		}
		if err := item.listener.OnEvent(ctx, event); err != nil {
			m.logger.Error("Error from listener", "event", event.Type(), "priority", item.priority, "error", err)
		}
	}
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultManager) Stop() {
	m.wg.Wait()
}

// NopManager drops every event. Useful where notifications are not needed.
type NopManager struct{}

func (NopManager) Register(EventType, Listener)   {}
func (NopManager) Trigger(context.Context, Event) {}
func (NopManager) Stop()                          {}

// FuncListener adapts a function to the Listener interface, synchronous at
// priority 0.
type FuncListener func(ctx context.Context, event Event) error

func (f FuncListener) OnEvent(ctx context.Context, event Event) error { return f(ctx, event) }
func (FuncListener) Priority() int                                    { return 0 }
func (FuncListener) IsAsync() bool                                    { return false }
