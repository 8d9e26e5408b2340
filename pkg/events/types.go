// Package events defines domain events and the bus/store ports the dispatcher
// and the saga orchestrator depend on.
package events

import (
	"context"
	"time"
)

// Well-known metadata keys propagated from commands to the events they produce.
const (
	MetaCorrelationID = "correlationId"
	MetaCausationID   = "causationId"
	MetaUserID        = "userId"
	MetaCommandType   = "commandType"
)

// Event is a domain event produced by a command handler.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	AggregateID string            `json:"aggregateId"`
	Data        map[string]any    `json:"data,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Handler reacts to a delivered event.
type Handler func(ctx context.Context, evt Event) error

// Subscription is returned by Subscribe; Unsubscribe stops delivery.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes events and delivers them to subscribers.
type Bus interface {
	Publish(ctx context.Context, evts ...Event) error
	Subscribe(eventType string, h Handler) (Subscription, error)
	SubscribeAll(h Handler) (Subscription, error)
}

// Store is the append-only event log used to rebuild read models.
type Store interface {
	Append(ctx context.Context, evts ...Event) error
	// ListByTypes returns every stored event whose type is in types, in append order.
	ListByTypes(ctx context.Context, types ...string) ([]Event, error)
}

// Lookup reads key from the event payload first and then from its metadata.
func (e Event) Lookup(key string) (any, bool) {
	if v, ok := e.Data[key]; ok {
		return v, true
	}
	if v, ok := e.Metadata[key]; ok {
		return v, true
	}
	return nil, false
}
