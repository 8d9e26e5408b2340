// Package saga runs multi-step workflows on top of the dispatcher. Each step
// is a command; a step that exhausts its retries, a timeout or a cancel rolls
// the workflow back by issuing the compensation commands of the completed
// steps in reverse order.
package saga

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
)

// Status is the lifecycle state of an Instance.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// rollingBack reports whether the instance is on its way to compensated.
func (s Status) rollingBack() bool {
	return s == StatusFailed || s == StatusCompensating
}

// CompensationStrategy selects how completed steps are undone. Only backward
// is implemented; the others run as backward and log a warning.
type CompensationStrategy string

const (
	CompensateBackward CompensationStrategy = "backward"
	CompensateForward  CompensationStrategy = "forward"
	CompensateCustom   CompensationStrategy = "custom"
)

// RetryPolicy controls re-attempts of a failing step. MaxAttempts counts every
// attempt including the first. The wait before retry n (n starting at 0) is
// Delay * BackoffMultiplier^n; a zero multiplier means 1.
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts"`
	Delay             time.Duration `json:"delay"`
	BackoffMultiplier float64       `json:"backoffMultiplier,omitempty"`
}

// Step is one unit of work. Command and Compensation are templates: the
// orchestrator assigns ids and fills the saga metadata when issuing them. An
// empty AggregateID defaults to the instance correlation id.
type Step struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Command      dispatcher.Command  `json:"command"`
	Compensation *dispatcher.Command `json:"compensationCommand,omitempty"`
	// Timeout bounds a single attempt of the step.
	Timeout time.Duration `json:"timeout,omitempty"`
	Retry   *RetryPolicy  `json:"retryPolicy,omitempty"`
}

// Definition describes a saga. Version, when set, must be a semantic version.
type Definition struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Version              string               `json:"version,omitempty"`
	CorrelationProperty  string               `json:"correlationProperty"`
	Steps                []Step               `json:"steps"`
	Timeout              time.Duration        `json:"timeout,omitempty"`
	CompensationStrategy CompensationStrategy `json:"compensationStrategy"`
}

func (d *Definition) step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Instance is the persisted runtime record of one saga execution. Revision is
// incremented on every write.
type Instance struct {
	ID               string         `json:"id"`
	SagaID           string         `json:"sagaId"`
	CorrelationID    string         `json:"correlationId"`
	Status           Status         `json:"status"`
	CurrentStep      int            `json:"currentStep"`
	CompletedSteps   []string       `json:"completedSteps"`
	FailedSteps      []string       `json:"failedSteps"`
	CompensatedSteps []string       `json:"compensatedSteps"`
	Data             map[string]any `json:"data"`
	StartedAt        time.Time      `json:"startedAt"`
	LastUpdatedAt    time.Time      `json:"lastUpdatedAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	Error            string         `json:"error,omitempty"`
	RetryCount       int            `json:"retryCount"`
	TimeoutAt        *time.Time     `json:"timeoutAt,omitempty"`
	Revision         int64          `json:"revision"`
}

func (in *Instance) clone() *Instance {
	out := *in
	out.CompletedSteps = slices.Clone(in.CompletedSteps)
	out.FailedSteps = slices.Clone(in.FailedSteps)
	out.CompensatedSteps = slices.Clone(in.CompensatedSteps)
	out.Data = maps.Clone(in.Data)
	if out.Data == nil {
		out.Data = make(map[string]any)
	}
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		out.CompletedAt = &t
	}
	if in.TimeoutAt != nil {
		t := *in.TimeoutAt
		out.TimeoutAt = &t
	}
	return &out
}

func appendOnce(list []string, id string) []string {
	if slices.Contains(list, id) {
		return list
	}
	return append(list, id)
}

var (
	ErrSagaNotFound      = errors.New("saga definition not found")
	ErrInstanceNotFound  = errors.New("saga instance not found")
	ErrInvalidTransition = errors.New("saga instance is already terminal")
	ErrInvalidDefinition = errors.New("invalid saga definition")
	ErrVersionConflict   = errors.New("saga instance changed concurrently")
)
