package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

const memoryLogPrefix = "events:memory"

// MemoryBus is an in-process Bus. Publish delivers synchronously: it returns
// after every subscriber has seen every event. Handler errors are logged and
// do not stop delivery to other subscribers.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int
	byType map[string]map[int]Handler
	all    map[int]Handler
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		byType: make(map[string]map[int]Handler),
		all:    make(map[int]Handler),
	}
}

type memorySubscription struct {
	once   sync.Once
	cancel func()
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

// Publish delivers evts to type subscribers and then to catch-all subscribers.
func (b *MemoryBus) Publish(ctx context.Context, evts ...Event) error {
	for _, evt := range evts {
		for _, h := range b.handlersFor(evt.Type) {
			if err := h(ctx, evt); err != nil {
				slog.Error(fmt.Sprintf("%s - handler failed for %s (%s): %v", memoryLogPrefix, evt.Type, evt.ID, err))
			}
		}
	}
	return nil
}

func (b *MemoryBus) handlersFor(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler, 0, len(b.byType[eventType])+len(b.all))
	out = appendOrdered(out, b.byType[eventType])
	out = appendOrdered(out, b.all)
	return out
}

func appendOrdered(out []Handler, hs map[int]Handler) []Handler {
	ids := make([]int, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, hs[id])
	}
	return out
}

// Subscribe registers h for events of eventType.
func (b *MemoryBus) Subscribe(eventType string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[int]Handler)
	}
	b.byType[eventType][id] = h

	return &memorySubscription{cancel: func() {
		b.mu.Lock()
		delete(b.byType[eventType], id)
		b.mu.Unlock()
	}}, nil
}

// SubscribeAll registers h for every event.
func (b *MemoryBus) SubscribeAll(h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = h

	return &memorySubscription{cancel: func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}}, nil
}

// MemoryStore is an in-process Store that keeps events in append order.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds evts to the log.
func (s *MemoryStore) Append(_ context.Context, evts ...Event) error {
	s.mu.Lock()
	s.events = append(s.events, evts...)
	s.mu.Unlock()
	return nil
}

// ListByTypes returns matching events in append order.
func (s *MemoryStore) ListByTypes(_ context.Context, types ...string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, evt := range s.events {
		if slices.Contains(types, evt.Type) {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
