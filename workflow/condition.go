package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidConditionType is returned for an unrecognized condition type.
	ErrInvalidConditionType = errors.New("invalid condition type")

	// ErrInvalidOperator is returned for an unrecognized condition operator.
	ErrInvalidOperator = errors.New("invalid condition operator")

	// ErrMissingConditionKey is returned when a condition type needs a
	// key (variable name, step ID, file path) and none was given.
	ErrMissingConditionKey = errors.New("missing condition key")
)

// ConditionType selects what a condition inspects.
type ConditionType string

const (
	// ConditionVariable compares a workflow variable against Value.
	ConditionVariable ConditionType = "Variable"

	// ConditionPreviousStepResult compares the recorded status of an
	// earlier step (by step ID) against Value.
	ConditionPreviousStepResult ConditionType = "PreviousStepResult"

	// ConditionFileExists tests whether the file named by Key exists.
	// Operator and Value are ignored.
	ConditionFileExists ConditionType = "FileExists"

	// ConditionAlways always evaluates true.
	ConditionAlways ConditionType = "Always"
)

// Valid reports whether t is a known condition type.
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionVariable, ConditionPreviousStepResult, ConditionFileExists, ConditionAlways:
		return true
	}
	return false
}

// Operator is the comparison used by Variable and PreviousStepResult
// conditions.
type Operator string

const (
	OpEquals      Operator = "Equals"
	OpNotEquals   Operator = "NotEquals"
	OpContains    Operator = "Contains"
	OpNotContains Operator = "NotContains"
	OpGreaterThan Operator = "GreaterThan"
	OpLessThan    Operator = "LessThan"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// Condition is evaluated just before a step would run. A false
// condition transitions the step directly to skipped without side
// effects.
type Condition struct {
	Type  ConditionType `json:"type"`
	Key   string        `json:"key,omitempty"`
	Op    Operator      `json:"op,omitempty"`
	Value string        `json:"value,omitempty"`
}

// Validate checks the condition's type, operator, and key presence.
func (c *Condition) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidConditionType, c.Type)
	}
	switch c.Type {
	case ConditionAlways:
		return nil
	case ConditionFileExists:
		if c.Key == "" {
			return ErrMissingConditionKey
		}
		return nil
	}
	if c.Key == "" {
		return ErrMissingConditionKey
	}
	if !c.Op.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidOperator, c.Op)
	}
	return nil
}

// Env is the evaluation environment for conditions: the run's
// variables, the statuses of already-executed steps, and a file
// existence check. FileExists is injectable so evaluation stays free
// of direct filesystem access in tests.
type Env struct {
	Variables  map[string]string
	StepStatus map[string]string // step ID -> terminal status string
	FileExists func(path string) bool
}

// Evaluate returns whether the condition holds in env.
func (c *Condition) Evaluate(env *Env) (bool, error) {
	switch c.Type {
	case ConditionAlways:
		return true, nil
	case ConditionFileExists:
		if env == nil || env.FileExists == nil {
			return false, errors.New("no file existence check available")
		}
		return env.FileExists(c.Key), nil
	case ConditionVariable:
		var have string
		if env != nil {
			have = env.Variables[c.Key]
		}
		return compare(c.Op, have, c.Value)
	case ConditionPreviousStepResult:
		var have string
		if env != nil {
			have = env.StepStatus[c.Key]
		}
		return compare(c.Op, have, c.Value)
	}
	return false, fmt.Errorf("%w: %s", ErrInvalidConditionType, c.Type)
}

// compare applies op to have and want. GreaterThan and LessThan
// compare numerically when both operands parse as floats, otherwise
// lexicographically.
func compare(op Operator, have, want string) (bool, error) {
	switch op {
	case OpEquals:
		return have == want, nil
	case OpNotEquals:
		return have != want, nil
	case OpContains:
		return strings.Contains(have, want), nil
	case OpNotContains:
		return !strings.Contains(have, want), nil
	case OpGreaterThan, OpLessThan:
		hf, herr := strconv.ParseFloat(have, 64)
		wf, werr := strconv.ParseFloat(want, 64)
		if herr == nil && werr == nil {
			if op == OpGreaterThan {
				return hf > wf, nil
			}
			return hf < wf, nil
		}
		if op == OpGreaterThan {
			return have > want, nil
		}
		return have < want, nil
	}
	return false, fmt.Errorf("%w: %s", ErrInvalidOperator, op)
}
