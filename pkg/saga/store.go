package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/orchestration-core/pkg/kv"
)

const storeLogPrefix = "saga:store"

const (
	instanceKeyPrefix    = "saga:instance:"
	correlationKeyPrefix = "saga:correlation:"
)

func instanceKey(id string) string { return instanceKeyPrefix + id }

func correlationIndexKey(correlationID, sagaID string) string {
	return correlationKeyPrefix + correlationID + ":" + sagaID
}

// errSkip is returned by a mutation that finds nothing to change.
var errSkip = errors.New("saga: no change")

// create persists a new instance and its correlation index entry.
func (o *Orchestrator) create(ctx context.Context, inst *Instance) (*tracked, error) {
	inst.Revision = 1
	raw, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode instance %s: %w", storeLogPrefix, inst.ID, err)
	}

	ok, err := o.store.CompareAndSwap(ctx, instanceKey(inst.ID), nil, raw, o.cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to persist instance %s: %w", storeLogPrefix, inst.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: instance %s already exists", ErrVersionConflict, inst.ID)
	}

	if err := o.store.Set(ctx, correlationIndexKey(inst.CorrelationID, inst.SagaID), []byte(inst.ID), o.cfg.Retention); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to index %s by correlation %s: %v", storeLogPrefix, inst.ID, inst.CorrelationID, err))
	}
	return newTracked(inst, raw), nil
}

// load reads an instance record from the store.
func (o *Orchestrator) load(ctx context.Context, id string) (*Instance, []byte, error) {
	raw, err := o.store.Get(ctx, instanceKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s - failed to load instance %s: %w", storeLogPrefix, id, err)
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, nil, fmt.Errorf("%s - failed to decode instance %s: %w", storeLogPrefix, id, err)
	}
	if inst.Data == nil {
		inst.Data = make(map[string]any)
	}
	return &inst, raw, nil
}

// mutate applies fn to a copy of the instance and writes it back with a
// compare-and-swap against the last record this process saw. On a conflict
// the record is re-read and fn is applied again, so fn must derive its
// changes from the instance it is given. fn returning errSkip ends the
// mutation without a write; mutate then reports applied=false.
func (o *Orchestrator) mutate(ctx context.Context, t *tracked, fn func(*Instance) error) (applied bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.inst.ID
	for attempt := 0; attempt < o.cfg.MaxCASRetries; attempt++ {
		next := t.inst.clone()
		if err := fn(next); err != nil {
			if errors.Is(err, errSkip) {
				return false, nil
			}
			return false, err
		}
		next.Revision++
		next.LastUpdatedAt = time.Now().UTC()

		raw, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("%s - failed to encode instance %s: %w", storeLogPrefix, id, err)
		}
		ok, err := o.store.CompareAndSwap(ctx, instanceKey(id), t.raw, raw, o.cfg.Retention)
		if err != nil {
			return false, fmt.Errorf("%s - failed to persist instance %s: %w", storeLogPrefix, id, err)
		}
		if ok {
			t.inst = next
			t.raw = raw
			return true, nil
		}

		slog.Warn(fmt.Sprintf("%s - Revision conflict on %s (attempt %d), reloading", storeLogPrefix, id, attempt+1))
		cur, curRaw, err := o.load(ctx, id)
		switch {
		case errors.Is(err, ErrInstanceNotFound):
			// The record expired; the next write recreates it.
			t.raw = nil
		case err != nil:
			return false, err
		default:
			t.inst = cur
			t.raw = curRaw
		}
	}
	return false, fmt.Errorf("%w: %s after %d attempts", ErrVersionConflict, id, o.cfg.MaxCASRetries)
}
