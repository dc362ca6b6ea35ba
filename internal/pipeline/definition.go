package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Definition is a hand-written pipeline file.
type Definition struct {
	Name  string           `toml:"name" yaml:"name"`
	Steps []DefinitionStep `toml:"steps" yaml:"steps"`
}

// DefinitionStep declares one step. After names the predecessor step.
type DefinitionStep struct {
	ID        string   `toml:"id" yaml:"id"`
	Role      string   `toml:"role" yaml:"role"`
	Workflow  string   `toml:"workflow" yaml:"workflow"`
	StepIndex *float64 `toml:"step_index" yaml:"step_index"`
	After     string   `toml:"after" yaml:"after"`
}

// Graph converts the definition into a resolver graph. Declaration order is
// the fallback position of each step.
func (d *Definition) Graph() Graph {
	graph := Graph{Nodes: make([]Node, 0, len(d.Steps))}
	for i, step := range d.Steps {
		position := float64(i)
		graph.Nodes = append(graph.Nodes, Node{
			ID:        strings.TrimSpace(step.ID),
			Type:      StepNodeType,
			Role:      step.Role,
			Workflow:  step.Workflow,
			StepIndex: step.StepIndex,
			Fallback:  &position,
		})
		if after := strings.TrimSpace(step.After); after != "" {
			graph.Links = append(graph.Links, Link{From: after, To: strings.TrimSpace(step.ID)})
		}
	}
	return graph
}

// LoadDefinition reads a .toml or .yaml pipeline definition.
func LoadDefinition(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pipeline path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}

	var def Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&def); err != nil {
			return nil, wrapTOMLError(path, err)
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&def); err != nil {
			return nil, wrapYAMLError(path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported pipeline definition %s: want .toml or .yaml", path)
	}

	list := &ErrorList{}
	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		id := strings.TrimSpace(step.ID)
		if id == "" {
			list.Add(GraphError{Code: ErrCodeMissingField, Message: "step id is required", Path: path, Field: "steps.id"})
			continue
		}
		if seen[id] {
			list.Add(GraphError{Code: ErrCodeDuplicateStep, Message: fmt.Sprintf("duplicate step id %q", id), Path: path, StepID: id})
		}
		seen[id] = true
	}
	for _, step := range def.Steps {
		after := strings.TrimSpace(step.After)
		if after != "" && !seen[after] {
			list.Add(GraphError{
				Code:    ErrCodeUnknownStep,
				Message: fmt.Sprintf("after references unknown step %q", after),
				Path:    path,
				StepID:  strings.TrimSpace(step.ID),
				Field:   "after",
			})
		}
	}
	if err := list.errOrNil(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads any supported pipeline source: a host graph (.json) or a
// definition file (.toml, .yaml).
func Load(path string) (Graph, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".yaml", ".yml":
		def, err := LoadDefinition(path)
		if err != nil {
			return Graph{}, err
		}
		return def.Graph(), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return Graph{}, fmt.Errorf("read pipeline %s: %w", path, err)
		}
		return DecodeGraph(data, path)
	}
}

func wrapTOMLError(path string, err error) error {
	list := &ErrorList{}

	var strictErr *toml.StrictMissingError
	if errors.As(err, &strictErr) {
		for _, decodeErr := range strictErr.Errors {
			line, column := decodeErr.Position()
			list.Add(GraphError{
				Code:    ErrCodeParse,
				Message: decodeErr.Error(),
				Path:    path,
				Line:    line,
				Column:  column,
				Field:   strings.Join(decodeErr.Key(), "."),
			})
		}
		return list
	}

	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		line, column := decodeErr.Position()
		list.Add(GraphError{
			Code:    ErrCodeParse,
			Message: decodeErr.Error(),
			Path:    path,
			Line:    line,
			Column:  column,
		})
		return list
	}

	list.Add(GraphError{Code: ErrCodeParse, Message: err.Error(), Path: path})
	return list
}

func wrapYAMLError(path string, err error) error {
	list := &ErrorList{}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		for _, message := range typeErr.Errors {
			list.Add(GraphError{Code: ErrCodeParse, Message: message, Path: path})
		}
		return list
	}
	list.Add(GraphError{Code: ErrCodeParse, Message: err.Error(), Path: path})
	return list
}
