package events

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryBus_DeliversByTypeAndAll(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var typed, all []string
	if _, err := bus.Subscribe("PostCreated", func(_ context.Context, evt Event) error {
		typed = append(typed, evt.ID)
		return nil
	}); err != nil {
		t.Fatalf("events:memory_test - Subscribe failed: %v", err)
	}
	if _, err := bus.SubscribeAll(func(_ context.Context, evt Event) error {
		all = append(all, evt.ID)
		return nil
	}); err != nil {
		t.Fatalf("events:memory_test - SubscribeAll failed: %v", err)
	}

	err := bus.Publish(ctx,
		Event{ID: "e1", Type: "PostCreated"},
		Event{ID: "e2", Type: "PostDeleted"},
	)
	if err != nil {
		t.Fatalf("events:memory_test - Publish failed: %v", err)
	}

	if len(typed) != 1 || typed[0] != "e1" {
		t.Errorf("events:memory_test - typed = %v, want [e1]", typed)
	}
	if len(all) != 2 || all[0] != "e1" || all[1] != "e2" {
		t.Errorf("events:memory_test - all = %v, want [e1 e2]", all)
	}
}

func TestMemoryBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewMemoryBus()

	called := 0
	_, _ = bus.Subscribe("X", func(context.Context, Event) error { return errors.New("boom") })
	_, _ = bus.Subscribe("X", func(context.Context, Event) error { called++; return nil })

	if err := bus.Publish(context.Background(), Event{ID: "e1", Type: "X"}); err != nil {
		t.Fatalf("events:memory_test - Publish returned %v", err)
	}
	if called != 1 {
		t.Errorf("events:memory_test - second handler called %d times, want 1", called)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()

	called := 0
	sub, _ := bus.Subscribe("X", func(context.Context, Event) error { called++; return nil })
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("events:memory_test - Unsubscribe failed: %v", err)
	}
	_ = sub.Unsubscribe()

	_ = bus.Publish(context.Background(), Event{ID: "e1", Type: "X"})
	if called != 0 {
		t.Errorf("events:memory_test - handler called %d times after unsubscribe", called)
	}
}

func TestMemoryStore_ListByTypesKeepsOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Append(ctx, Event{ID: "1", Type: "A"}, Event{ID: "2", Type: "B"})
	_ = store.Append(ctx, Event{ID: "3", Type: "A"}, Event{ID: "4", Type: "C"})

	got, err := store.ListByTypes(ctx, "A", "C")
	if err != nil {
		t.Fatalf("events:memory_test - ListByTypes failed: %v", err)
	}
	want := []string{"1", "3", "4"}
	if len(got) != len(want) {
		t.Fatalf("events:memory_test - got %d events, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("events:memory_test - got[%d].ID = %s, want %s", i, got[i].ID, id)
		}
	}
	if store.Len() != 4 {
		t.Errorf("events:memory_test - Len = %d, want 4", store.Len())
	}
}

func TestEvent_Lookup(t *testing.T) {
	evt := Event{
		Data:     map[string]any{"orderId": "o-1"},
		Metadata: map[string]string{MetaCorrelationID: "c-1", "orderId": "ignored"},
	}

	if v, ok := evt.Lookup("orderId"); !ok || v != "o-1" {
		t.Errorf("events:memory_test - Lookup(orderId) = %v, %v; payload should win", v, ok)
	}
	if v, ok := evt.Lookup(MetaCorrelationID); !ok || v != "c-1" {
		t.Errorf("events:memory_test - Lookup(correlationId) = %v, %v", v, ok)
	}
	if _, ok := evt.Lookup("missing"); ok {
		t.Error("events:memory_test - Lookup(missing) should be false")
	}
}
