package engine

import (
	"fmt"

	"github.com/conveyorci/conveyor/pkg/models"
)

// graph holds the stage dependency edges for one pipeline.
type graph struct {
	stages map[string]models.Stage
	order  []string
}

// buildGraph indexes the stages and computes a total order consistent with
// the declared dependencies. Definitions loaded through models.Load are
// already acyclic; the cycle check guards pipelines constructed in code.
func buildGraph(stages []models.Stage) (*graph, error) {
	g := &graph{stages: make(map[string]models.Stage, len(stages))}

	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, stage := range stages {
		if _, ok := g.stages[stage.Name]; ok {
			return nil, fmt.Errorf("stage %q defined more than once", stage.Name)
		}
		g.stages[stage.Name] = stage
		indegree[stage.Name] = len(stage.DependsOn)
	}
	for _, stage := range stages {
		for _, dep := range stage.DependsOn {
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on undefined stage %q", stage.Name, dep)
			}
			dependents[dep] = append(dependents[dep], stage.Name)
		}
	}

	// Kahn's algorithm, visiting ready stages in declaration order so the
	// sequential schedule is stable.
	for len(g.order) < len(stages) {
		progressed := false
		for _, stage := range stages {
			if indegree[stage.Name] != 0 {
				continue
			}
			g.order = append(g.order, stage.Name)
			indegree[stage.Name] = -1
			for _, next := range dependents[stage.Name] {
				indegree[next]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle among stages")
		}
	}
	return g, nil
}

// ready returns the pending stages whose dependencies have all reached a
// terminal state, in schedule order.
func (g *graph) ready(status map[string]StageStatus) []string {
	var out []string
	for _, name := range g.order {
		if status[name] != StagePending {
			continue
		}
		blocked := false
		for _, dep := range g.stages[name].DependsOn {
			if !status[dep].Terminal() {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, name)
		}
	}
	return out
}
