package saga

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const recoveryLogPrefix = "saga:recovery"

// Recover loads every unfinished instance from the store, re-arms its timeout
// from TimeoutAt and resumes it where it stopped. Instances already held in
// memory and instances whose definition is not registered are skipped.
// It returns the number of resumed instances.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	keys, err := o.store.Keys(ctx, instanceKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("%s - failed to list instances: %w", recoveryLogPrefix, err)
	}

	resumed := 0
	now := time.Now().UTC()
	for _, key := range keys {
		id := strings.TrimPrefix(key, instanceKeyPrefix)
		if o.lookup(id) != nil {
			continue
		}

		inst, raw, err := o.load(ctx, id)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Skipping %s: %v", recoveryLogPrefix, id, err))
			continue
		}
		if inst.Status.Terminal() {
			continue
		}
		if o.definition(inst.SagaID) == nil {
			slog.Warn(fmt.Sprintf("%s - Skipping %s: saga %s is not registered", recoveryLogPrefix, id, inst.SagaID))
			continue
		}

		t := newTracked(inst, raw)
		o.mu.Lock()
		if _, exists := o.instances[id]; exists {
			o.mu.Unlock()
			continue
		}
		o.instances[id] = t
		o.mu.Unlock()

		if inst.TimeoutAt != nil && !inst.Status.rollingBack() {
			if remaining := inst.TimeoutAt.Sub(now); remaining > 0 {
				o.armTimeout(id, remaining)
			} else if o.expire(o.ctx, id) {
				resumed++
				continue
			}
		}

		slog.Info(fmt.Sprintf("%s - Resuming %s instance %s (%s, step %d)", recoveryLogPrefix, inst.SagaID, id, inst.Status, inst.CurrentStep))
		o.spawnDrive(t)
		resumed++
	}

	slog.Info(fmt.Sprintf("%s - Recovered %d instances", recoveryLogPrefix, resumed))
	return resumed, nil
}
