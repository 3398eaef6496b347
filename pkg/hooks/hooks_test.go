package hooks

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string

	bus.Subscribe(RequestIssued, func(ctx context.Context, e Event) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe(RequestIssued, func(ctx context.Context, e Event) error {
		order = append(order, "second")
		return nil
	})

	bus.Publish(context.Background(), Event{Kind: RequestIssued})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishScopesByKind(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.Subscribe(AttemptFailed, func(ctx context.Context, e Event) error {
		calls++
		return nil
	})

	bus.Publish(context.Background(), Event{Kind: RequestIssued})
	assert.Zero(t, calls)

	bus.Publish(context.Background(), Event{Kind: AttemptFailed})
	assert.Equal(t, 1, calls)
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil)
	var reached bool

	bus.Subscribe(ResponseReceived, func(ctx context.Context, e Event) error {
		return stderrors.New("handler blew up")
	})
	bus.Subscribe(ResponseReceived, func(ctx context.Context, e Event) error {
		reached = true
		return nil
	})

	bus.Publish(context.Background(), Event{Kind: ResponseReceived})
	assert.True(t, reached)
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := NewBus(nil)
	var reached bool

	bus.Subscribe(RetriesExhausted, func(ctx context.Context, e Event) error {
		panic("observer bug")
	})
	bus.Subscribe(RetriesExhausted, func(ctx context.Context, e Event) error {
		reached = true
		return nil
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Kind: RetriesExhausted})
	})
	assert.True(t, reached)
}

func TestPublishSetsTime(t *testing.T) {
	bus := NewBus(nil)
	var got Event
	bus.Subscribe(ParseFailed, func(ctx context.Context, e Event) error {
		got = e
		return nil
	})

	bus.Publish(context.Background(), Event{Kind: ParseFailed})
	assert.False(t, got.Time.IsZero())
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	count := 0
	bus.Subscribe(RequestIssued, func(ctx context.Context, e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), Event{Kind: RequestIssued})
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, count)
}
