package saga

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
)

const stepLogPrefix = "saga:step"

func retryKey(instanceID string) string { return "retry:" + instanceID }

// drive advances an instance until it is terminal, waits for a scheduled
// retry, or hits an error. Only one driver runs per instance at a time; timer
// callbacks, cancel and recovery all call drive again to resume.
func (o *Orchestrator) drive(ctx context.Context, t *tracked) {
	t.exec.Lock()
	defer t.exec.Unlock()

	for ctx.Err() == nil {
		inst := t.snapshot()
		if inst.Status.Terminal() {
			o.finish(t, inst)
			return
		}

		def := o.definition(inst.SagaID)
		if def == nil {
			slog.Error(fmt.Sprintf("%s - Definition %s missing for instance %s", stepLogPrefix, inst.SagaID, inst.ID))
			return
		}

		var (
			more bool
			err  error
		)
		switch {
		case inst.Status.rollingBack():
			err = o.compensate(ctx, t, def)
			more = err == nil
		case o.sched.Pending(retryKey(inst.ID)):
			return
		case inst.CurrentStep >= len(def.Steps):
			err = o.complete(ctx, t)
			more = err == nil
		default:
			more, err = o.executeStep(ctx, t, def, inst)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("%s - Instance %s stalled: %v", stepLogPrefix, inst.ID, err))
			return
		}
		if !more {
			return
		}
	}
}

// executeStep issues the current step once. It reports whether the driver
// should continue immediately; false means a retry has been scheduled.
func (o *Orchestrator) executeStep(ctx context.Context, t *tracked, def *Definition, inst *Instance) (bool, error) {
	idx := inst.CurrentStep
	step := def.Steps[idx]

	if inst.Status == StatusPending {
		if _, err := o.mutate(ctx, t, func(in *Instance) error {
			if in.Status != StatusPending {
				return errSkip
			}
			in.Status = StatusRunning
			return nil
		}); err != nil {
			return false, err
		}
	}

	cmd := buildCommand(step.Command, inst, step.ID, uuid.NewString(), false)
	res := o.submit(ctx, inst, step, cmd, inst.RetryCount+1)
	if !res.Success && ctx.Err() != nil {
		// Shutting down: the attempt did not finish and Recover re-issues it.
		return false, nil
	}

	if res.Success {
		o.stats.stepSucceeded()
		// A step that ran is recorded even during shutdown, or Recover would run it again.
		_, err := o.mutate(context.WithoutCancel(ctx), t, func(in *Instance) error {
			in.CompletedSteps = appendOnce(in.CompletedSteps, step.ID)
			in.Data["step_"+step.ID+"_result"] = res.Events
			if in.Status.rollingBack() || in.CurrentStep != idx {
				return nil
			}
			in.Status = StatusRunning
			in.CurrentStep = idx + 1
			in.RetryCount = 0
			return nil
		})
		if err == nil {
			slog.Debug(fmt.Sprintf("%s - %s step %s completed", stepLogPrefix, inst.ID, step.ID))
		}
		return ctx.Err() == nil, err
	}

	o.stats.stepFailed()
	reason := "unknown error"
	if len(res.Errors) > 0 {
		reason = res.Errors[0].Message
	}

	var (
		retrying bool
		delay    time.Duration
	)
	_, err := o.mutate(ctx, t, func(in *Instance) error {
		retrying = false
		if in.Status.rollingBack() || in.CurrentStep != idx {
			return errSkip
		}
		if r := step.Retry; r != nil && in.RetryCount+1 < r.MaxAttempts {
			retrying = true
			delay = backoff(r, in.RetryCount)
			in.RetryCount++
			return nil
		}
		in.FailedSteps = appendOnce(in.FailedSteps, step.ID)
		in.Status = StatusFailed
		in.Error = fmt.Sprintf("step %s failed: %s", step.ID, reason)
		return nil
	})
	if err != nil {
		return false, err
	}

	if retrying {
		o.stats.retried()
		slog.Info(fmt.Sprintf("%s - %s step %s failed (%s), retrying in %s", stepLogPrefix, inst.ID, step.ID, reason, delay))
		o.sched.Schedule(retryKey(inst.ID), delay, func() { o.spawnDrive(t) })
		return false, nil
	}
	slog.Warn(fmt.Sprintf("%s - %s step %s failed: %s", stepLogPrefix, inst.ID, step.ID, reason))
	return true, nil
}

// backoff returns Delay * BackoffMultiplier^retryCount.
func backoff(r *RetryPolicy, retryCount int) time.Duration {
	mult := r.BackoffMultiplier
	if mult == 0 {
		mult = 1
	}
	return time.Duration(float64(r.Delay) * math.Pow(mult, float64(retryCount)))
}

// submit executes cmd through the dispatcher inside a span, bounded by the step timeout.
func (o *Orchestrator) submit(ctx context.Context, inst *Instance, step Step, cmd dispatcher.Command, attempt int) *dispatcher.CommandResult {
	ctx, span := tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", inst.SagaID),
		attribute.String("saga.instance_id", inst.ID),
		attribute.String("saga.step_id", step.ID),
		attribute.Bool("saga.compensation", cmd.Metadata.IsCompensation),
		attribute.Int("saga.attempt", attempt),
	))
	defer span.End()

	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	res := o.disp.ExecuteCommand(ctx, cmd)
	if !res.Success {
		span.SetStatus(codes.Error, fmt.Sprint(res.Errors))
	}
	return res
}

// buildCommand turns a step template into a concrete command for inst.
func buildCommand(tpl dispatcher.Command, inst *Instance, stepID, id string, compensation bool) dispatcher.Command {
	cmd := tpl
	cmd.ID = id
	if cmd.AggregateID == "" {
		cmd.AggregateID = inst.CorrelationID
	}
	if tpl.Data != nil {
		cmd.Data = make(map[string]any, len(tpl.Data))
		for k, v := range tpl.Data {
			cmd.Data[k] = v
		}
	}

	md := tpl.Metadata
	md.CorrelationID = inst.CorrelationID
	md.CausationID = inst.ID
	md.SagaInstanceID = inst.ID
	md.SagaStepID = stepID
	md.IsCompensation = compensation
	md.Timestamp = time.Now().UTC()
	if md.Source == "" {
		md.Source = "saga:" + inst.SagaID
	}
	cmd.Metadata = md
	return cmd
}

// complete marks an instance whose steps all succeeded as completed.
func (o *Orchestrator) complete(ctx context.Context, t *tracked) error {
	applied, err := o.mutate(ctx, t, func(in *Instance) error {
		if in.Status != StatusRunning && in.Status != StatusPending {
			return errSkip
		}
		now := time.Now().UTC()
		in.Status = StatusCompleted
		in.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		inst := t.snapshot()
		o.stats.completed(inst.CompletedAt.Sub(inst.StartedAt))
		slog.Info(fmt.Sprintf("%s - Instance %s completed", stepLogPrefix, inst.ID))
	}
	return nil
}

// finish releases the timers of a terminal instance and wakes Await callers.
func (o *Orchestrator) finish(t *tracked, inst *Instance) {
	o.sched.Cancel(timeoutKey(inst.ID))
	o.sched.Cancel(retryKey(inst.ID))
	t.markDone()
}
