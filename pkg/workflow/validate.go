// Package workflow executes workflow definitions against the agent pool:
// DAG validation, level scheduling, per-step timeouts and retries, cost
// admission, and execution persistence.
package workflow

import (
	"fmt"
	"sort"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Validate checks a workflow definition: unique step ids, resolvable
// references, acyclic input graph, and exits reachable from entries.
func Validate(def models.WorkflowDefinition) error {
	if def.WorkflowID == "" {
		return fmt.Errorf("workflow requires an id")
	}
	if !def.Pattern.IsValid() {
		return fmt.Errorf("workflow %s: unknown pattern %q", def.WorkflowID, def.Pattern)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", def.WorkflowID)
	}
	if len(def.EntryPoints) == 0 {
		return fmt.Errorf("workflow %s has no entry points", def.WorkflowID)
	}
	if len(def.ExitConditions) == 0 {
		return fmt.Errorf("workflow %s has no exit conditions", def.WorkflowID)
	}

	steps := make(map[string]models.WorkflowStep, len(def.Steps))
	for _, s := range def.Steps {
		if s.StepID == "" {
			return fmt.Errorf("workflow %s: step without an id", def.WorkflowID)
		}
		if _, dup := steps[s.StepID]; dup {
			return fmt.Errorf("workflow %s: duplicate step id %q", def.WorkflowID, s.StepID)
		}
		steps[s.StepID] = s
	}
	for _, s := range def.Steps {
		for _, in := range s.Inputs {
			if _, ok := steps[in]; !ok {
				return fmt.Errorf("workflow %s: step %q references unknown input %q", def.WorkflowID, s.StepID, in)
			}
		}
	}
	for _, id := range def.EntryPoints {
		if _, ok := steps[id]; !ok {
			return fmt.Errorf("workflow %s: entry point %q is not a step", def.WorkflowID, id)
		}
	}
	for _, id := range def.ExitConditions {
		if _, ok := steps[id]; !ok {
			return fmt.Errorf("workflow %s: exit condition %q is not a step", def.WorkflowID, id)
		}
	}

	if cycle := findCycle(steps); cycle != "" {
		return fmt.Errorf("workflow %s: cycle through step %q", def.WorkflowID, cycle)
	}

	reachable := reachableFrom(def, steps)
	for _, id := range def.ExitConditions {
		if !reachable[id] {
			return fmt.Errorf("workflow %s: exit %q not reachable from any entry point", def.WorkflowID, id)
		}
	}
	return nil
}

// findCycle returns a step id on a cycle of the input graph, or "".
func findCycle(steps map[string]models.WorkflowStep) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, in := range steps[id].Inputs {
			switch color[in] {
			case gray:
				return true
			case white:
				if visit(in) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			return id
		}
	}
	return ""
}

// reachableFrom walks forward from the entry points along input edges.
func reachableFrom(def models.WorkflowDefinition, steps map[string]models.WorkflowStep) map[string]bool {
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, in := range s.Inputs {
			dependents[in] = append(dependents[in], s.StepID)
		}
	}

	reachable := make(map[string]bool, len(steps))
	queue := append([]string(nil), def.EntryPoints...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		queue = append(queue, dependents[id]...)
	}
	return reachable
}
