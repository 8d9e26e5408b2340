package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const timeoutLogPrefix = "saga:timeout"

// TimeoutReason is recorded as the error of an instance that ran past its deadline.
const TimeoutReason = "saga timed out"

func timeoutKey(instanceID string) string { return "timeout:" + instanceID }

func (o *Orchestrator) armTimeout(instanceID string, after time.Duration) {
	o.sched.Schedule(timeoutKey(instanceID), after, func() {
		o.expire(o.ctx, instanceID)
	})
}

// expire fails a running instance that reached its deadline and compensates
// it. An instance that already finished or is already rolling back is left alone.
func (o *Orchestrator) expire(ctx context.Context, instanceID string) bool {
	t := o.lookup(instanceID)
	if t == nil {
		return false
	}

	applied, err := o.mutate(ctx, t, func(in *Instance) error {
		if in.Status.Terminal() || in.Status.rollingBack() {
			return errSkip
		}
		in.Status = StatusFailed
		in.Error = TimeoutReason
		return nil
	})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to time out %s: %v", timeoutLogPrefix, instanceID, err))
		return false
	}
	if !applied {
		return false
	}

	o.sched.Cancel(retryKey(instanceID))
	o.stats.timedOut()
	slog.Warn(fmt.Sprintf("%s - Instance %s timed out", timeoutLogPrefix, instanceID))
	o.spawnDrive(t)
	return true
}

// Run sweeps instances every SweepInterval until ctx is done. A sweep times
// out running instances whose deadline passed, covering timers lost across a
// restart, and evicts terminal instances older than Retention from memory.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	slog.Info(fmt.Sprintf("%s - Sweeping every %s", timeoutLogPrefix, o.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.ctx.Done():
			return nil
		case now := <-ticker.C:
			o.Sweep(now)
		}
	}
}

// Sweep runs one timeout and retention pass as of now.
func (o *Orchestrator) Sweep(now time.Time) {
	var expired, evicted int
	for _, t := range o.trackedInstances() {
		inst := t.snapshot()
		switch {
		case inst.Status.Terminal():
			if inst.CompletedAt != nil && now.Sub(*inst.CompletedAt) > o.cfg.Retention {
				o.mu.Lock()
				delete(o.instances, inst.ID)
				o.mu.Unlock()
				evicted++
			}
		case inst.TimeoutAt != nil && !now.Before(*inst.TimeoutAt):
			if o.expire(o.ctx, inst.ID) {
				expired++
			}
		}
	}
	if expired > 0 || evicted > 0 {
		slog.Info(fmt.Sprintf("%s - Sweep expired %d and evicted %d instances", timeoutLogPrefix, expired, evicted))
	}
}
