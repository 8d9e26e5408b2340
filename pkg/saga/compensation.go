package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
)

const compensationLogPrefix = "saga:compensation"

func compensationID(instanceID, stepID string) string {
	return instanceID + ":compensate:" + stepID
}

// compensate undoes completed steps most-recent-first and ends the instance in
// compensated. A failing compensation command is logged and the walk goes on.
// Steps already in CompensatedSteps are skipped, so an interrupted walk can be
// resumed; compensation command ids are fixed per step, so a command that ran
// before the interruption is reported as a duplicate and counted as done.
func (o *Orchestrator) compensate(ctx context.Context, t *tracked, def *Definition) error {
	if def.CompensationStrategy != CompensateBackward {
		slog.Warn(fmt.Sprintf("%s - Strategy %s not supported for %s, compensating backward", compensationLogPrefix, def.CompensationStrategy, def.ID))
	}

	if _, err := o.mutate(ctx, t, func(in *Instance) error {
		if in.Status != StatusFailed {
			return errSkip
		}
		in.Status = StatusCompensating
		return nil
	}); err != nil {
		return err
	}

	inst := t.snapshot()
	if inst.Status != StatusCompensating {
		return nil
	}
	slog.Info(fmt.Sprintf("%s - Compensating %s (%d completed steps)", compensationLogPrefix, inst.ID, len(inst.CompletedSteps)))

	for i := len(inst.CompletedSteps) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return nil
		}
		stepID := inst.CompletedSteps[i]
		if slices.Contains(inst.CompensatedSteps, stepID) {
			continue
		}
		step := def.step(stepID)
		if step == nil || step.Compensation == nil {
			continue
		}

		cmd := buildCommand(*step.Compensation, inst, stepID, compensationID(inst.ID, stepID), true)
		res := o.submit(ctx, inst, *step, cmd, 1)
		if ctx.Err() != nil {
			return nil
		}
		if !res.Success && !errors.Is(res.Err(), dispatcher.ErrDuplicateCommand) {
			o.stats.compensationFailed()
			slog.Error(fmt.Sprintf("%s - Compensation of %s step %s failed: %v", compensationLogPrefix, inst.ID, stepID, res.Err()))
			continue
		}

		o.stats.compensationSucceeded()
		if _, err := o.mutate(ctx, t, func(in *Instance) error {
			in.CompensatedSteps = appendOnce(in.CompensatedSteps, stepID)
			return nil
		}); err != nil {
			return err
		}
	}

	applied, err := o.mutate(ctx, t, func(in *Instance) error {
		if in.Status != StatusCompensating {
			return errSkip
		}
		now := time.Now().UTC()
		in.Status = StatusCompensated
		in.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		done := t.snapshot()
		o.stats.compensated(done.CompletedAt.Sub(done.StartedAt))
		slog.Info(fmt.Sprintf("%s - Instance %s compensated (%v)", compensationLogPrefix, done.ID, done.CompensatedSteps))
	}
	return nil
}
