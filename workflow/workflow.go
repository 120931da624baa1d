package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyDefinition is returned when validating a nil definition.
	ErrEmptyDefinition = errors.New("empty workflow definition")

	// ErrMissingID is returned for a definition without an ID.
	ErrMissingID = errors.New("missing workflow id")

	// ErrNoSteps is returned for a definition without any steps.
	ErrNoSteps = errors.New("workflow has no steps")

	// ErrDuplicateStepID indicates two steps in a definition share an ID.
	ErrDuplicateStepID = errors.New("duplicate step id")

	// ErrUnknownDependency indicates a DependsOn reference to a step
	// ID that does not exist in the definition.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrSelfDependency indicates a step that depends on itself.
	ErrSelfDependency = errors.New("step depends on itself")
)

// Definition is an authored workflow: a set of steps ordered only by
// their declared dependencies, plus variables shared by the steps'
// conditions.
type Definition struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Steps     []Step            `json:"steps"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Validate checks the structural invariants of a definition: step IDs
// are unique, every DependsOn reference resolves, and no step depends
// on itself. Step configs and conditions are validated too.
func (d *Definition) Validate() error {
	if d == nil {
		return ErrEmptyDefinition
	}
	if d.ID == "" {
		return ErrMissingID
	}
	if len(d.Steps) < 1 {
		return ErrNoSteps
	}
	ids := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if err := step.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
		if _, ok := ids[step.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, step.ID)
		}
		ids[step.ID] = struct{}{}
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("%w: %s", ErrSelfDependency, step.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: %s (referenced by %s)", ErrUnknownDependency, dep, step.ID)
			}
		}
	}
	return nil
}

// Step returns the step with the given ID, or nil.
func (d *Definition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// SingleStep wraps one step into a minimal definition. Used for batch
// operations that apply a single operation type rather than a full
// workflow.
func SingleStep(step *Step) *Definition {
	return &Definition{
		ID:    "single." + string(step.Type),
		Steps: []Step{*step},
	}
}
