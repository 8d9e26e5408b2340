package saga

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/Masterminds/semver/v3"
)

const definitionLogPrefix = "saga:definition"

// Validate checks def and fills the default compensation strategy.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.ID)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: %s has a negative timeout", ErrInvalidDefinition, d.ID)
	}
	if d.Version != "" {
		if _, err := semver.NewVersion(d.Version); err != nil {
			return fmt.Errorf("%w: %s version %q: %v", ErrInvalidDefinition, d.ID, d.Version, err)
		}
	}

	switch d.CompensationStrategy {
	case "":
		d.CompensationStrategy = CompensateBackward
	case CompensateBackward, CompensateForward, CompensateCustom:
	default:
		return fmt.Errorf("%w: %s has unknown compensation strategy %q", ErrInvalidDefinition, d.ID, d.CompensationStrategy)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: %s step %d has no id", ErrInvalidDefinition, d.ID, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: %s has duplicate step id %s", ErrInvalidDefinition, d.ID, step.ID)
		}
		seen[step.ID] = true

		if step.Command.Type == "" {
			return fmt.Errorf("%w: %s step %s has no command type", ErrInvalidDefinition, d.ID, step.ID)
		}
		if step.Compensation != nil && step.Compensation.Type == "" {
			return fmt.Errorf("%w: %s step %s has a compensation without a type", ErrInvalidDefinition, d.ID, step.ID)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("%w: %s step %s has a negative timeout", ErrInvalidDefinition, d.ID, step.ID)
		}
		if r := step.Retry; r != nil {
			if r.MaxAttempts < 1 || r.Delay < 0 || r.BackoffMultiplier < 0 {
				return fmt.Errorf("%w: %s step %s has an invalid retry policy", ErrInvalidDefinition, d.ID, step.ID)
			}
		}
	}
	return nil
}

// RegisterSaga validates def and stores it, replacing any definition with the same id.
func (o *Orchestrator) RegisterSaga(def Definition) error {
	def.Steps = append([]Step(nil), def.Steps...)
	if err := def.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.defs[def.ID]; ok {
		if olderThan(def.Version, prev.Version) {
			slog.Warn(fmt.Sprintf("%s - Replacing %s %s with older version %s", definitionLogPrefix, def.ID, prev.Version, def.Version))
		} else {
			slog.Info(fmt.Sprintf("%s - Replacing saga definition %s", definitionLogPrefix, def.ID))
		}
	}
	o.defs[def.ID] = &def
	slog.Info(fmt.Sprintf("%s - Registered saga %s (%d steps)", definitionLogPrefix, def.ID, len(def.Steps)))
	return nil
}

// olderThan reports whether next is a lower semantic version than prev. Unset
// or unparsable versions never compare as older.
func olderThan(next, prev string) bool {
	if next == "" || prev == "" {
		return false
	}
	nv, err := semver.NewVersion(next)
	if err != nil {
		return false
	}
	pv, err := semver.NewVersion(prev)
	if err != nil {
		return false
	}
	return nv.LessThan(pv)
}

// ListSagaDefinitions returns the registered definitions ordered by id.
func (o *Orchestrator) ListSagaDefinitions() []Definition {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Definition, 0, len(o.defs))
	for _, def := range o.defs {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o *Orchestrator) definition(id string) *Definition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defs[id]
}
