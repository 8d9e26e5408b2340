package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/morezero/orchestration-core/pkg/events"
)

const correlationLogPrefix = "saga:correlation"

// correlate records evt on every running instance whose correlation id matches
// the event's correlation property. It never advances an instance.
func (o *Orchestrator) correlate(ctx context.Context, evt events.Event) error {
	for _, t := range o.trackedInstances() {
		inst := t.snapshot()
		if inst.Status.Terminal() {
			continue
		}
		def := o.definition(inst.SagaID)
		if def == nil || def.CorrelationProperty == "" {
			continue
		}
		v, ok := evt.Lookup(def.CorrelationProperty)
		if !ok || correlationKey(v) != inst.CorrelationID {
			continue
		}

		_, err := o.mutate(ctx, t, func(in *Instance) error {
			if in.Status.Terminal() {
				return errSkip
			}
			in.Data["event_"+evt.Type] = evt.Data
			return nil
		})
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to record %s on %s: %v", correlationLogPrefix, evt.Type, inst.ID, err))
			continue
		}
		slog.Debug(fmt.Sprintf("%s - Recorded %s (%s) on %s", correlationLogPrefix, evt.Type, evt.ID, inst.ID))
	}
	return nil
}

// correlationKey renders a correlation value the way it would be written as a
// correlation id. JSON-decoded numbers arrive as float64 and must not switch
// to exponent notation.
func correlationKey(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case json.Number:
		return n.String()
	default:
		return fmt.Sprint(v)
	}
}
