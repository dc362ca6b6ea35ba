package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const graphDocumentSchema = `{
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": ["integer", "string"]},
          "type": {"type": "string"},
          "order": {"type": "number"},
          "widgets_values": {"type": ["array", "object", "null"]},
          "properties": {"type": ["object", "null"]}
        }
      }
    },
    "links": {
      "type": ["array", "null"],
      "items": {"type": ["array", "object"]}
    }
  }
}`

const promptDocumentSchema = `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "object",
    "required": ["class_type"],
    "properties": {
      "class_type": {"type": "string"},
      "inputs": {"type": "object"}
    }
  }
}`

var (
	graphSchema  = jsonschema.MustCompileString("graph.schema.json", graphDocumentSchema)
	promptSchema = jsonschema.MustCompileString("prompt.schema.json", promptDocumentSchema)
)

// DecodeGraph reads a host graph document. Both the editor-side layout
// ({"nodes": [...], "links": [...]}) and the prompt-side map
// ({"<id>": {"class_type": ..., "inputs": {...}}}) are accepted.
// path is only used to label errors.
func DecodeGraph(data []byte, path string) (Graph, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Graph{}, wrapJSONError(path, data, err)
	}

	root, ok := doc.(map[string]any)
	if !ok {
		list := &ErrorList{}
		list.Add(GraphError{Code: ErrCodeSchema, Message: "graph document must be a JSON object", Path: path})
		return Graph{}, list
	}

	if _, hasNodes := root["nodes"]; hasNodes {
		if err := graphSchema.Validate(doc); err != nil {
			return Graph{}, wrapSchemaError(path, err)
		}
		return decodeEditorGraph(data, path)
	}

	if err := promptSchema.Validate(doc); err != nil {
		return Graph{}, wrapSchemaError(path, err)
	}
	return decodePromptGraph(data, path)
}

type editorDocument struct {
	Nodes []editorNode      `json:"nodes"`
	Links []json.RawMessage `json:"links"`
}

type editorNode struct {
	ID            json.RawMessage `json:"id"`
	Type          string          `json:"type"`
	Order         *float64        `json:"order"`
	WidgetsValues json.RawMessage `json:"widgets_values"`
	Properties    map[string]any  `json:"properties"`
}

type editorLink struct {
	OriginID json.RawMessage `json:"origin_id"`
	TargetID json.RawMessage `json:"target_id"`
}

func decodeEditorGraph(data []byte, path string) (Graph, error) {
	var doc editorDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Graph{}, wrapJSONError(path, data, err)
	}

	graph := Graph{Nodes: make([]Node, 0, len(doc.Nodes))}
	for _, raw := range doc.Nodes {
		id := rawID(raw.ID)
		node := Node{ID: id, Type: raw.Type}

		switch widgets := decodeWidgets(raw.WidgetsValues).(type) {
		case []any:
			if len(widgets) > 0 {
				node.Role = stringValue(widgets[0])
			}
			if len(widgets) > 1 {
				node.Workflow = stringValue(widgets[1])
			}
		case map[string]any:
			node.Role = stringValue(widgets["role"])
			node.Workflow = stringValue(widgets["workflow"])
			node.StepIndex = numberValue(widgets["step_index"])
		}
		if role := stringValue(raw.Properties["role"]); role != "" {
			node.Role = role
		}
		if workflow := stringValue(raw.Properties["workflow"]); workflow != "" {
			node.Workflow = workflow
		}
		if index := numberValue(raw.Properties["step_index"]); index != nil {
			node.StepIndex = index
		}

		if raw.Order != nil {
			order := *raw.Order
			node.Fallback = &order
		} else {
			node.Fallback = numberValue(id)
		}
		graph.Nodes = append(graph.Nodes, node)
	}

	for _, raw := range doc.Links {
		link, ok := decodeEditorLink(raw)
		if ok {
			graph.Links = append(graph.Links, link)
		}
	}
	return graph, nil
}

// decodeEditorLink accepts the compact [id, origin, slot, target, slot, type]
// form and the object form.
func decodeEditorLink(raw json.RawMessage) (Link, bool) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err == nil {
		if len(tuple) < 4 {
			return Link{}, false
		}
		from, to := rawID(tuple[1]), rawID(tuple[3])
		return Link{From: from, To: to}, from != "" && to != ""
	}
	var obj editorLink
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Link{}, false
	}
	from, to := rawID(obj.OriginID), rawID(obj.TargetID)
	return Link{From: from, To: to}, from != "" && to != ""
}

type promptNode struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
}

func decodePromptGraph(data []byte, path string) (Graph, error) {
	var doc map[string]promptNode
	if err := json.Unmarshal(data, &doc); err != nil {
		return Graph{}, wrapJSONError(path, data, err)
	}

	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	graph := Graph{Nodes: make([]Node, 0, len(ids))}
	for _, id := range ids {
		raw := doc[id]
		node := Node{
			ID:       id,
			Type:     raw.ClassType,
			Role:     stringValue(decodeAny(raw.Inputs["role"])),
			Workflow: stringValue(decodeAny(raw.Inputs["workflow"])),
			Fallback: numberValue(id),
		}
		node.StepIndex = numberValue(decodeAny(raw.Inputs["step_index"]))
		graph.Nodes = append(graph.Nodes, node)

		names := make([]string, 0, len(raw.Inputs))
		for name := range raw.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if from, ok := promptLinkSource(raw.Inputs[name]); ok {
				graph.Links = append(graph.Links, Link{From: from, To: id})
			}
		}
	}
	return graph, nil
}

// promptLinkSource recognizes an input wired to another node: ["<id>", slot].
func promptLinkSource(raw json.RawMessage) (string, bool) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 2 {
		return "", false
	}
	var slot float64
	if err := json.Unmarshal(tuple[1], &slot); err != nil {
		return "", false
	}
	from := rawID(tuple[0])
	return from, from != ""
}

func decodeWidgets(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return decodeAny(raw)
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

// rawID renders a JSON number or string id as a string.
func rawID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return n.String()
	}
	return ""
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func numberValue(v any) *float64 {
	var out float64
	switch value := v.(type) {
	case float64:
		out = value
	case int:
		out = float64(value)
	case int64:
		out = float64(value)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil
		}
		out = parsed
	default:
		return nil
	}
	if !isFinite(out) {
		return nil
	}
	return &out
}

func wrapJSONError(path string, data []byte, err error) error {
	list := &ErrorList{}
	item := GraphError{Code: ErrCodeParse, Message: err.Error(), Path: path}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		item.Line, item.Column = lineColumn(data, syntaxErr.Offset)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		item.Line, item.Column = lineColumn(data, typeErr.Offset)
		item.Field = typeErr.Field
	}
	list.Add(item)
	return list
}

func lineColumn(data []byte, offset int64) (int, int) {
	if offset <= 0 || int(offset) > len(data) {
		return 0, 0
	}
	prefix := data[:offset]
	line := bytes.Count(prefix, []byte("\n")) + 1
	column := int(offset)
	if idx := bytes.LastIndexByte(prefix, '\n'); idx >= 0 {
		column = int(offset) - idx - 1
	}
	return line, column
}

func wrapSchemaError(path string, err error) error {
	list := &ErrorList{}
	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		list.Add(GraphError{Code: ErrCodeSchema, Message: err.Error(), Path: path})
		return list
	}
	for _, leaf := range schemaLeaves(validationErr) {
		list.Add(GraphError{
			Code:    ErrCodeSchema,
			Message: leaf.Message,
			Path:    path,
			Field:   leaf.InstanceLocation,
		})
	}
	return list
}

func schemaLeaves(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	leaves := make([]*jsonschema.ValidationError, 0, len(err.Causes))
	for _, cause := range err.Causes {
		leaves = append(leaves, schemaLeaves(cause)...)
	}
	return leaves
}
