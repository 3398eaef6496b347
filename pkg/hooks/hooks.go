// Package hooks lets observers subscribe to extraction lifecycle events
// without coupling the retry engine to logging or telemetry concerns.
package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/instructor-ai/instructor-sub002/pkg/logging"
)

// EventKind identifies a lifecycle stage of an extraction invocation.
type EventKind string

const (
	RequestIssued    EventKind = "request_issued"
	ResponseReceived EventKind = "response_received"
	AttemptFailed    EventKind = "attempt_failed"
	RetriesExhausted EventKind = "retries_exhausted"
	ParseFailed      EventKind = "parse_failed"
)

// Event is the payload delivered to every subscribed handler.
type Event struct {
	Kind         EventKind
	InvocationID string
	Attempt      int // 0-based attempt index
	Time         time.Time

	// Payload carries stage-specific data: the outbound request for
	// RequestIssued, the raw response for ResponseReceived, the error for
	// failure kinds.
	Payload interface{}
	Err     error
}

// Handler observes one event. Returned errors are logged as warnings and
// never abort the invocation that published the event.
type Handler func(ctx context.Context, event Event) error

// Bus dispatches events to subscribed handlers in registration order,
// synchronously, on the publisher's goroutine. Subscriptions are process-wide
// and must be safe against concurrent publishes from in-flight invocations.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]Handler
	logger   *logging.Logger
}

// NewBus creates an empty bus. A nil logger falls back to the global one.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Bus{
		handlers: make(map[EventKind][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind EventKind, handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], handler)
	b.mu.Unlock()
}

// Publish delivers the event to every handler registered for its kind.
// Handler errors and panics are contained per handler; one misbehaving
// observer never stops the others or the retry loop.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Kind]))
	copy(handlers, b.handlers[event.Kind])
	b.mu.RUnlock()

	for i, handler := range handlers {
		b.dispatch(ctx, event, i, handler)
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event, index int, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn(ctx, "hook handler %d for %s panicked: %v", index, event.Kind, r)
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.logger.Warn(ctx, "hook handler %d for %s failed: %v", index, event.Kind, err)
	}
}
