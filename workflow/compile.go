package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDependencyCycle indicates the definition's dependency graph has a
// cycle. The wrapped message names the step IDs on the cycle.
var ErrDependencyCycle = errors.New("dependency cycle")

// Plan is a compiled workflow: an ordered sequence of waves. Every
// step in a wave has all of its dependencies in strictly earlier
// waves. Steps within a wave have no defined relative order.
type Plan struct {
	Definition *Definition
	Waves      [][]*Step
}

// StepCount returns the total number of steps across all waves.
func (p *Plan) StepCount() (n int) {
	for _, wave := range p.Waves {
		n += len(wave)
	}
	return
}

// RequiresMount reports whether any step in the plan operates on a
// mounted image.
func (p *Plan) RequiresMount() bool {
	for _, wave := range p.Waves {
		for _, step := range wave {
			if step.Type.RequiresMount() {
				return true
			}
		}
	}
	return false
}

// node colors for cycle detection.
const (
	white = iota // unvisited
	grey         // on the current DFS path
	black        // fully explored
)

// Compile validates def, detects dependency cycles, and layers the
// steps into waves. A step's wave number is one more than the highest
// wave of its dependencies; steps without dependencies land in wave
// zero. Compile failures are fatal: the workflow never begins
// execution.
func Compile(def *Definition) (*Plan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	steps := make(map[string]*Step, len(def.Steps))
	for i := range def.Steps {
		steps[def.Steps[i].ID] = &def.Steps[i]
	}

	// DFS with coloring. A grey node reached again closes a cycle;
	// the path slice names its members for the error.
	color := make(map[string]int, len(steps))
	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		path = append(path, id)
		for _, dep := range steps[id].DependsOn {
			switch color[dep] {
			case grey:
				cycle := append(cycleFrom(path, dep), dep)
				return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}
	// iterate in authored order so errors are deterministic
	for i := range def.Steps {
		if color[def.Steps[i].ID] == white {
			if err := visit(def.Steps[i].ID); err != nil {
				return nil, err
			}
		}
	}

	// layer: wave(step) = 1 + max(wave(dep)), memoized. The graph is
	// known acyclic here so the recursion terminates.
	waveOf := make(map[string]int, len(steps))
	var layer func(id string) int
	layer = func(id string) int {
		if w, ok := waveOf[id]; ok {
			return w
		}
		w := 0
		for _, dep := range steps[id].DependsOn {
			if dw := layer(dep) + 1; dw > w {
				w = dw
			}
		}
		waveOf[id] = w
		return w
	}

	maxWave := 0
	for id := range steps {
		if w := layer(id); w > maxWave {
			maxWave = w
		}
	}

	waves := make([][]*Step, maxWave+1)
	// authored order within a wave; callers must not rely on it
	for i := range def.Steps {
		step := &def.Steps[i]
		w := waveOf[step.ID]
		waves[w] = append(waves[w], step)
	}

	return &Plan{Definition: def, Waves: waves}, nil
}

// cycleFrom trims path to the suffix beginning at id.
func cycleFrom(path []string, id string) []string {
	for i, v := range path {
		if v == id {
			return append([]string(nil), path[i:]...)
		}
	}
	return append([]string(nil), path...)
}
