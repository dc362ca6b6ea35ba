package workflows

import (
	"encoding/json"
	"sort"
	"strings"
)

// Node class names checked before a workflow is synced to a loop.
const (
	LoopContextType = "LoopContext"
	LoopReturnType  = "LoopReturn"
	KSamplerType    = "KSampler"
)

// Report lists blocking errors and advisory warnings for a workflow.
type Report struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// OK reports whether the workflow may be synced.
func (r Report) OK() bool {
	return len(r.Errors) == 0
}

type promptNode struct {
	ClassType string                     `json:"class_type"`
	Type      string                     `json:"type"`
	Title     string                     `json:"title"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
}

type workflowNode struct {
	Type      string `json:"type"`
	ClassType string `json:"class_type"`
	Title     string `json:"title"`
}

// Validate checks that a workflow can drive a loop: it needs a loop context
// node and a loop return node, and the sampler seed must come from the loop
// context. Linkage checks need the executable prompt; with only an editor
// graph they are reported as a warning.
func Validate(workflow, prompt json.RawMessage) Report {
	report := Report{Errors: []string{}, Warnings: []string{}}

	nodes := decodePromptNodes(prompt)
	var types []string
	for _, id := range sortedKeys(nodes) {
		node := nodes[id]
		types = append(types, firstNonEmpty(node.ClassType, node.Type, node.Title))
	}
	if len(types) == 0 {
		for _, node := range decodeEditorNodes(workflow) {
			types = append(types, firstNonEmpty(node.Type, node.ClassType, node.Title))
		}
	}
	if len(types) == 0 {
		report.Errors = append(report.Errors, "Workflow not readable.")
		return report
	}

	if !hasType(types, LoopContextType) && !hasType(types, "Loop Context") {
		report.Errors = append(report.Errors, "Missing Loop Context node.")
	}
	if !hasType(types, LoopReturnType) && !hasType(types, "Loop Return") {
		report.Errors = append(report.Errors, "Missing Loop Return node.")
	}
	if !hasType(types, KSamplerType) {
		report.Warnings = append(report.Warnings, "No KSampler node found.")
	}

	if len(nodes) == 0 {
		report.Warnings = append(report.Warnings, "Graph linkage checks require a synced workflow.")
		return report
	}

	contexts := map[string]bool{}
	var samplers, returns []promptNode
	for id, node := range nodes {
		switch node.ClassType {
		case LoopContextType:
			contexts[id] = true
		case KSamplerType, "KSamplerAdvanced":
			samplers = append(samplers, node)
		case LoopReturnType:
			returns = append(returns, node)
		}
	}

	seedLinked := false
	for _, sampler := range samplers {
		if from, ok := linkSource(sampler.Inputs["seed"]); ok && contexts[from] {
			seedLinked = true
			break
		}
	}
	// Only flag the seed when there is a sampler and a context to link.
	if !seedLinked && len(samplers) > 0 && len(contexts) > 0 {
		report.Errors = append(report.Errors, "KSampler.seed is not linked to LoopContext.seed.")
	}

	returnHasImages := false
	for _, ret := range returns {
		if _, ok := linkSource(ret.Inputs["images"]); ok {
			returnHasImages = true
			break
		}
	}
	if !returnHasImages {
		report.Warnings = append(report.Warnings, "Loop Return has no images input linked.")
	}

	return report
}

// linkSource returns the source node id of an input shaped ["id", slot].
func linkSource(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var link []any
	if err := json.Unmarshal(raw, &link); err != nil || len(link) != 2 {
		return "", false
	}
	switch id := link[0].(type) {
	case string:
		return id, true
	case float64:
		return stringOf(id), true
	default:
		return "", false
	}
}

func hasType(types []string, needle string) bool {
	for _, t := range types {
		if strings.Contains(t, needle) {
			return true
		}
	}
	return false
}

func decodePromptNodes(prompt json.RawMessage) map[string]promptNode {
	if len(prompt) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(prompt, &raw); err != nil {
		return nil
	}
	nodes := make(map[string]promptNode, len(raw))
	for id, data := range raw {
		var node promptNode
		if err := json.Unmarshal(data, &node); err != nil {
			continue
		}
		nodes[id] = node
	}
	return nodes
}

func decodeEditorNodes(workflow json.RawMessage) []workflowNode {
	if len(workflow) == 0 {
		return nil
	}
	var doc struct {
		Nodes []workflowNode `json:"nodes"`
	}
	if err := json.Unmarshal(workflow, &doc); err != nil {
		return nil
	}
	return doc.Nodes
}

func decodeWorkflowNodes(workflow json.RawMessage) []profileWorkflowNode {
	if len(workflow) == 0 {
		return nil
	}
	var doc struct {
		Nodes []profileWorkflowNode `json:"nodes"`
	}
	if err := json.Unmarshal(workflow, &doc); err != nil {
		return nil
	}
	return doc.Nodes
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
