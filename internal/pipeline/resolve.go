package pipeline

import (
	"sort"

	"github.com/tOgg1/loopdeck/internal/models"
)

// Resolve orders the step-shaped nodes of g for execution.
//
// Roots (steps without an incoming flow link) are walked depth-first in
// (stepIndex, id) order, successors in the same order. Steps not reached by
// the walk, such as members of a cycle, are appended in (stepIndex, id) order,
// so every step appears exactly once. Resolve is deterministic for a given
// graph and returns nil when g has no steps.
func Resolve(g Graph) []models.PipelineStep {
	steps := make(map[string]models.PipelineStep)
	ids := make([]string, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		if node.ID == "" || !node.IsStep() {
			continue
		}
		if _, exists := steps[node.ID]; exists {
			continue
		}
		steps[node.ID] = node.toStep()
		ids = append(ids, node.ID)
	}
	if len(ids) == 0 {
		return nil
	}

	less := func(a, b string) bool {
		ka, kb := steps[a].StepIndex, steps[b].StepIndex
		if ka != kb {
			return ka < kb
		}
		return a < b
	}

	incoming := make(map[string]string)
	outgoing := make(map[string][]string)
	for _, link := range g.Links {
		if link.From == link.To {
			continue
		}
		if _, ok := steps[link.From]; !ok {
			continue
		}
		if _, ok := steps[link.To]; !ok {
			continue
		}
		if _, exists := incoming[link.To]; exists {
			continue
		}
		incoming[link.To] = link.From
		outgoing[link.From] = append(outgoing[link.From], link.To)
	}
	for id := range outgoing {
		sort.Slice(outgoing[id], func(i, j int) bool { return less(outgoing[id][i], outgoing[id][j]) })
	}

	sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })

	ordered := make([]models.PipelineStep, 0, len(ids))
	visited := make(map[string]bool, len(ids))
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		ordered = append(ordered, steps[id])
		for _, next := range outgoing[id] {
			walk(next)
		}
	}

	for _, id := range ids {
		if _, hasIncoming := incoming[id]; !hasIncoming {
			walk(id)
		}
	}
	for _, id := range ids {
		if !visited[id] {
			visited[id] = true
			ordered = append(ordered, steps[id])
		}
	}

	for i := range ordered {
		ordered[i].Ordinal = i
	}
	return ordered
}
