package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/orchestration-core/pkg/events"
)

const readModelLogPrefix = "dispatcher:readmodel"

// RegisterReadModel initializes rm when it implements Initializer and routes
// every event type it handles to it. Registering a name again replaces the
// previous model.
func (d *Dispatcher) RegisterReadModel(ctx context.Context, rm ReadModel) error {
	name := rm.Name()
	if init, ok := rm.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			return fmt.Errorf("%s - failed to initialize %s: %w", readModelLogPrefix, name, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.readModels[name]; ok {
		slog.Warn(fmt.Sprintf("%s - Replacing read model %s", readModelLogPrefix, name))
		for _, byModel := range d.projections {
			delete(byModel, name)
		}
	}
	d.readModels[name] = rm

	for eventType, h := range rm.EventHandlers() {
		if d.projections[eventType] == nil {
			d.projections[eventType] = make(map[string]events.Handler)
		}
		d.projections[eventType][name] = h

		if _, subscribed := d.subscriptions[eventType]; subscribed {
			continue
		}
		sub, err := d.bus.Subscribe(eventType, d.project)
		if err != nil {
			return fmt.Errorf("%s - failed to subscribe %s to %s: %w", readModelLogPrefix, name, eventType, err)
		}
		d.subscriptions[eventType] = sub
	}

	slog.Info(fmt.Sprintf("%s - Registered read model %s", readModelLogPrefix, name))
	return nil
}

// project delivers evt to every read model handling its type in parallel and
// waits for all of them. Failures are logged and counted, never returned.
func (d *Dispatcher) project(ctx context.Context, evt events.Event) error {
	d.mu.RLock()
	targets := make(map[string]events.Handler, len(d.projections[evt.Type]))
	for name, h := range d.projections[evt.Type] {
		targets[name] = h
	}
	d.mu.RUnlock()

	var g errgroup.Group
	for name, h := range targets {
		g.Go(func() error {
			d.applyProjection(ctx, name, h, evt)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (d *Dispatcher) applyProjection(ctx context.Context, name string, h events.Handler, evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.stats.projectionFailed()
			slog.Error(fmt.Sprintf("%s - %s panicked on %s (%s): %v", readModelLogPrefix, name, evt.Type, evt.ID, r))
		}
	}()
	if err := h(ctx, evt); err != nil {
		d.stats.projectionFailed()
		slog.Error(fmt.Sprintf("%s - %s failed on %s (%s): %v", readModelLogPrefix, name, evt.Type, evt.ID, err))
	}
}

// ResetReadModel resets the named model and replays its event history through
// its handlers in append order.
func (d *Dispatcher) ResetReadModel(ctx context.Context, name string) error {
	d.mu.RLock()
	rm, ok := d.readModels[name]
	d.mu.RUnlock()
	if !ok {
		return newError(CodeReadModelNotFound, "read model %s is not registered", name)
	}
	resetter, ok := rm.(Resetter)
	if !ok {
		return newError(CodeResetUnsupported, "read model %s does not implement Reset", name)
	}
	if d.eventStore == nil {
		return fmt.Errorf("%s - no event store configured, cannot replay %s", readModelLogPrefix, name)
	}

	handlers := rm.EventHandlers()
	types := sortedKeys(handlers)

	if err := resetter.Reset(ctx); err != nil {
		return fmt.Errorf("%s - failed to reset %s: %w", readModelLogPrefix, name, err)
	}

	history, err := d.eventStore.ListByTypes(ctx, types...)
	if err != nil {
		return fmt.Errorf("%s - failed to load history for %s: %w", readModelLogPrefix, name, err)
	}
	for _, evt := range history {
		if h, ok := handlers[evt.Type]; ok {
			d.applyProjection(ctx, name, h, evt)
		}
	}

	slog.Info(fmt.Sprintf("%s - Reset %s and replayed %d events", readModelLogPrefix, name, len(history)))
	return nil
}
