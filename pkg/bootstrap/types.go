// Package bootstrap loads declarative saga definitions from a JSON file so
// sagas can be registered without code changes.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/morezero/orchestration-core/pkg/dispatcher"
	"github.com/morezero/orchestration-core/pkg/saga"
)

// Duration accepts either a Go duration string ("30s") or integer milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	parsed, err := parseDuration(b, time.Millisecond)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Seconds accepts either a Go duration string ("2m") or integer seconds.
// Saga-level timeouts use it.
type Seconds time.Duration

func (d *Seconds) UnmarshalJSON(b []byte) error {
	parsed, err := parseDuration(b, time.Second)
	if err != nil {
		return err
	}
	*d = Seconds(parsed)
	return nil
}

func (d Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// parseDuration reads a duration string or an integer count of unit.
func parseDuration(b []byte, unit time.Duration) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%s - invalid duration %q: %w", logPrefix, s, err)
		}
		return parsed, nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return 0, fmt.Errorf("%s - duration must be a string or an integer number of %s: %s", logPrefix, unit, b)
	}
	return time.Duration(n) * unit, nil
}

// CommandEntry is a command template in a step.
type CommandEntry struct {
	Type        string         `json:"type"`
	AggregateID string         `json:"aggregateId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// RetryEntry mirrors saga.RetryPolicy.
type RetryEntry struct {
	MaxAttempts       int      `json:"maxAttempts"`
	Delay             Duration `json:"delay"`
	BackoffMultiplier float64  `json:"backoffMultiplier,omitempty"`
}

// StepEntry is one step of a SagaEntry.
type StepEntry struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Command      CommandEntry  `json:"command"`
	Compensation *CommandEntry `json:"compensationCommand,omitempty"`
	Timeout      Duration      `json:"timeout,omitempty"`
	Retry        *RetryEntry   `json:"retryPolicy,omitempty"`
}

// SagaEntry is a saga definition as written in the file.
type SagaEntry struct {
	ID                   string      `json:"id"`
	Name                 string      `json:"name"`
	Version              string      `json:"version,omitempty"`
	CorrelationProperty  string      `json:"correlationProperty,omitempty"`
	Steps                []StepEntry `json:"steps"`
	Timeout              Seconds     `json:"timeout,omitempty"`
	CompensationStrategy string      `json:"compensationStrategy,omitempty"`
}

// File is the root of a saga definitions file.
type File struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Description string      `json:"description,omitempty"`
	Sagas       []SagaEntry `json:"sagas"`
}

func (c CommandEntry) command() dispatcher.Command {
	return dispatcher.Command{Type: c.Type, AggregateID: c.AggregateID, Data: c.Data}
}

// Definition converts the entry into a saga.Definition. Validation happens on registration.
func (s SagaEntry) Definition() saga.Definition {
	def := saga.Definition{
		ID:                   s.ID,
		Name:                 s.Name,
		Version:              s.Version,
		CorrelationProperty:  s.CorrelationProperty,
		Timeout:              time.Duration(s.Timeout),
		CompensationStrategy: saga.CompensationStrategy(s.CompensationStrategy),
		Steps:                make([]saga.Step, 0, len(s.Steps)),
	}
	for _, e := range s.Steps {
		step := saga.Step{
			ID:      e.ID,
			Name:    e.Name,
			Command: e.Command.command(),
			Timeout: time.Duration(e.Timeout),
		}
		if e.Compensation != nil {
			c := e.Compensation.command()
			step.Compensation = &c
		}
		if e.Retry != nil {
			step.Retry = &saga.RetryPolicy{
				MaxAttempts:       e.Retry.MaxAttempts,
				Delay:             time.Duration(e.Retry.Delay),
				BackoffMultiplier: e.Retry.BackoffMultiplier,
			}
		}
		def.Steps = append(def.Steps, step)
	}
	return def
}
