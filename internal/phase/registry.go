package phase

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/forgeops/pipeforge/internal/task"
)

// Pipeline phase names.
const (
	Planning          = "planning"
	TeamOrchestration = "team-orchestration"
	Evaluation        = "evaluation"
	Verification      = "verification"
	AutoMerge         = "auto-merge"
)

// Descriptor declares one pipeline phase. Adding a phase is a data change
// here, not a control-flow change in the coordinator.
type Descriptor struct {
	Name         string
	Dependencies []string
	// Gated phases halt until an approval decision arrives.
	Gated bool
	// GateBeforeRun gates the phase before it runs instead of after it
	// completes, so a pre-approval authorizes starting the work.
	GateBeforeRun bool
	// FanOut phases execute per-repository stories concurrently.
	FanOut bool
}

var pipeline = []Descriptor{
	{Name: Planning, Gated: true},
	{Name: TeamOrchestration, Dependencies: []string{Planning}, Gated: true, GateBeforeRun: true, FanOut: true},
	{Name: Evaluation, Dependencies: []string{TeamOrchestration}},
	{Name: Verification, Dependencies: []string{Evaluation}, Gated: true},
	{Name: AutoMerge, Dependencies: []string{Verification}, Gated: true},
}

// Pipeline returns the ordered phase descriptors.
func Pipeline() []Descriptor {
	return pipeline
}

// Find returns the descriptor for name.
func Find(name string) (Descriptor, bool) {
	for _, d := range pipeline {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// InitSteps builds the initial phase step records for a fresh orchestration.
func InitSteps() []task.PhaseStep {
	steps := make([]task.PhaseStep, 0, len(pipeline))
	for _, d := range pipeline {
		steps = append(steps, task.PhaseStep{
			Name:   d.Name,
			Status: task.PhaseStatusPending,
		})
	}
	return steps
}

// Next returns the first phase that has not completed yet, in pipeline
// order. ok is false when every phase is completed.
func Next(o *task.Orchestration) (Descriptor, bool) {
	for _, d := range pipeline {
		if !o.StepCompleted(d.Name) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// DependenciesMet reports whether every declared dependency of name is
// completed in o.
func DependenciesMet(o *task.Orchestration, name string) bool {
	d, ok := Find(name)
	if !ok {
		return false
	}
	for _, dep := range d.Dependencies {
		if !o.StepCompleted(dep) {
			return false
		}
	}
	return true
}

// ValidatePipeline topologically sorts the registry and verifies it forms a
// DAG over known phase names. Returns the sorted order.
func ValidatePipeline() ([]string, error) {
	return validateDAG(descriptorEdges())
}

func descriptorEdges() map[string][]string {
	deps := make(map[string][]string, len(pipeline))
	for _, d := range pipeline {
		deps[d.Name] = d.Dependencies
	}
	return deps
}

// validateDAG checks that deps references only known names and contains no
// cycle. Returns a valid execution order.
func validateDAG(deps map[string][]string) ([]string, error) {
	for name, ds := range deps {
		for _, dep := range ds {
			if _, ok := deps[dep]; !ok {
				return nil, fmt.Errorf("phase %q depends on unknown phase %q", name, dep)
			}
		}
	}

	var edges []toposort.Edge
	for name, ds := range deps {
		if len(ds) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range ds {
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("phase graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	return order, nil
}
