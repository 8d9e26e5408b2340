package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/orchestration-core/pkg/commsutil"
)

const natsLogPrefix = "events:nats_bus"

// NatsBusOpts configures NatsBus. Nil or zero values use defaults.
type NatsBusOpts struct {
	// SubjectPrefix overrides the event subject prefix (e.g. from EVENT_SUBJECT_PREFIX).
	SubjectPrefix string
}

// NatsBus publishes events to COMMS subjects "<prefix>.<eventType>".
// Subscriber handlers run on the COMMS delivery goroutine of their subscription.
type NatsBus struct {
	nc     *comms.Conn
	prefix string
}

// NewNatsBus creates a new NatsBus. Pass nil for opts to use defaults.
func NewNatsBus(nc *comms.Conn, opts *NatsBusOpts) *NatsBus {
	prefix := commsutil.DefaultEventPrefix
	if opts != nil && opts.SubjectPrefix != "" {
		prefix = opts.SubjectPrefix
	}
	return &NatsBus{nc: nc, prefix: prefix}
}

// Publish encodes and publishes each event, then flushes so the events reach the server before returning.
func (b *NatsBus) Publish(ctx context.Context, evts ...Event) error {
	for _, evt := range evts {
		data, err := commsutil.EncodePayload(evt)
		if err != nil {
			return fmt.Errorf("%s - failed to encode event %s: %w", natsLogPrefix, evt.ID, err)
		}
		subject := commsutil.BuildEventSubject(b.prefix, evt.Type)
		if err := b.nc.Publish(subject, data); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", natsLogPrefix, subject, err))
			return fmt.Errorf("%s - failed to publish %s: %w", natsLogPrefix, evt.ID, err)
		}
		slog.Debug(fmt.Sprintf("%s - Published %s (%s) to %s", natsLogPrefix, evt.Type, evt.ID, subject))
	}
	if len(evts) == 0 {
		return nil
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%s - failed to flush: %w", natsLogPrefix, err)
	}
	return nil
}

// Subscribe delivers events of eventType to h.
func (b *NatsBus) Subscribe(eventType string, h Handler) (Subscription, error) {
	return b.subscribe(commsutil.BuildEventSubject(b.prefix, eventType), h)
}

// SubscribeAll delivers every event under the prefix to h.
func (b *NatsBus) SubscribeAll(h Handler) (Subscription, error) {
	return b.subscribe(commsutil.BuildAllEventsSubject(b.prefix), h)
}

func (b *NatsBus) subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *comms.Msg) {
		var evt Event
		if err := commsutil.DecodePayload(msg.Data, &evt); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode event on %s: %v", natsLogPrefix, msg.Subject, err))
			return
		}
		if err := h(context.Background(), evt); err != nil {
			slog.Error(fmt.Sprintf("%s - handler failed for %s (%s): %v", natsLogPrefix, evt.Type, evt.ID, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, subject, err)
	}
	slog.Debug(fmt.Sprintf("%s - Subscribed to %s", natsLogPrefix, subject))
	return sub, nil
}
