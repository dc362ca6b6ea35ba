// Package pipeline turns a pipeline graph into a deterministic step order.
package pipeline

import (
	"math"
	"strings"

	"github.com/tOgg1/loopdeck/internal/models"
)

// StepNodeType is the host node type that marks a pipeline step.
const StepNodeType = "LoopPipelineStep"

// unorderedStepIndex sorts nodes with no usable index after every indexed node.
const unorderedStepIndex = float64(math.MaxInt32)

// Node is one graph node as read by the resolver.
type Node struct {
	ID       string
	Type     string
	Role     string
	Workflow string

	// StepIndex is the author-supplied position, when present.
	StepIndex *float64

	// Fallback is the structural position used when StepIndex is missing or
	// non-finite: the raw id on the prompt side, order or id on the graph side.
	Fallback *float64
}

// Link is a directed flow edge between two nodes.
type Link struct {
	From string
	To   string
}

// Graph is an unordered set of nodes and links.
type Graph struct {
	Nodes []Node
	Links []Link
}

// IsStep reports whether the node takes part in the pipeline.
func (n Node) IsStep() bool {
	if strings.Contains(n.Type, "PipelineStep") {
		return true
	}
	_, ok := models.ParseStepRole(n.Role)
	return ok
}

// sortKey returns the ordering key for the node.
func (n Node) sortKey() float64 {
	if n.StepIndex != nil && isFinite(*n.StepIndex) {
		return *n.StepIndex
	}
	if n.Fallback != nil && isFinite(*n.Fallback) {
		return *n.Fallback
	}
	return unorderedStepIndex
}

func (n Node) toStep() models.PipelineStep {
	role := models.StepRole(strings.ToLower(strings.TrimSpace(n.Role)))
	if parsed, ok := models.ParseStepRole(n.Role); ok {
		role = parsed
	}
	workflow := strings.TrimSpace(n.Workflow)
	if !models.HasWorkflowName(workflow) {
		workflow = models.WorkflowNone
	}
	return models.PipelineStep{
		ID:        n.ID,
		Role:      role,
		Workflow:  workflow,
		StepIndex: n.sortKey(),
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
