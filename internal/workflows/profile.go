package workflows

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// ProfileNodeType is the class of the node that declares a workflow profile.
const ProfileNodeType = "LeMoufWorkflowProfile"

// Profile sources.
const (
	ProfileSourcePromptNode   = "prompt_node"
	ProfileSourceWorkflowNode = "workflow_node"
	ProfileSourceHeuristic    = "heuristic_song2daw"
	ProfileSourceFallback     = "fallback_generic"
)

// Profile describes which UI contract a workflow expects.
type Profile struct {
	ID                string `json:"profile_id"`
	Version           string `json:"profile_version"`
	UIContractVersion string `json:"ui_contract_version"`
	Kind              string `json:"workflow_kind"`
	Source            string `json:"source"`
}

// DefaultProfile is used when nothing in the workflow declares a profile.
func DefaultProfile() Profile {
	return Profile{
		ID:                "generic_loop",
		Version:           "0.1.0",
		UIContractVersion: "1.0.0",
		Kind:              "master",
		Source:            ProfileSourceFallback,
	}
}

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

type rawProfile struct {
	id, custom, version, contract, kind any
}

func finalizeProfile(raw rawProfile, source string) Profile {
	def := DefaultProfile()
	profile := Profile{
		ID:                coalesceProfileID(raw.id, raw.custom),
		Version:           normalizeSemver(raw.version, def.Version),
		UIContractVersion: normalizeSemver(raw.contract, def.UIContractVersion),
		Kind:              normalizeKind(raw.kind, def.Kind),
		Source:            source,
	}
	if profile.ID == "" {
		profile.ID = def.ID
	}
	return profile
}

func normalizeProfileID(v any) string {
	s := strings.ToLower(strings.TrimSpace(stringOf(v)))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

func coalesceProfileID(id, custom any) string {
	primary := normalizeProfileID(id)
	other := normalizeProfileID(custom)
	if primary == "custom" || primary == "other" {
		return other
	}
	if primary != "" {
		return primary
	}
	return other
}

func normalizeSemver(v any, fallback string) string {
	s := strings.TrimSpace(stringOf(v))
	if semverPattern.MatchString(s) {
		return s
	}
	return fallback
}

func normalizeKind(v any, fallback string) string {
	switch s := strings.ToLower(strings.TrimSpace(stringOf(v))); s {
	case "master", "branch":
		return s
	default:
		return fallback
	}
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

type profileWorkflowNode struct {
	Type          string         `json:"type"`
	ClassType     string         `json:"class_type"`
	Inputs        map[string]any `json:"inputs"`
	WidgetsValues []any          `json:"widgets_values"`
}

// ResolveProfile finds the workflow profile: a profile node in the prompt,
// then one in the editor graph, then a song2daw heuristic, then the generic
// default.
func ResolveProfile(workflow, prompt json.RawMessage) Profile {
	promptNodes := decodePromptNodes(prompt)
	for _, id := range sortedKeys(promptNodes) {
		node := promptNodes[id]
		if strings.TrimSpace(firstNonEmpty(node.ClassType, node.Type)) != ProfileNodeType {
			continue
		}
		in := decodeInputs(node.Inputs)
		return finalizeProfile(rawProfile{
			id:       in["profile_id"],
			custom:   in["profile_id_custom"],
			version:  in["profile_version"],
			contract: in["ui_contract_version"],
			kind:     in["workflow_kind"],
		}, ProfileSourcePromptNode)
	}

	workflowNodes := decodeWorkflowNodes(workflow)
	for _, node := range workflowNodes {
		if strings.TrimSpace(firstNonEmpty(node.Type, node.ClassType)) != ProfileNodeType {
			continue
		}
		return finalizeProfile(profileFromWidgets(node), ProfileSourceWorkflowNode)
	}

	var types []string
	for _, node := range promptNodes {
		types = append(types, firstNonEmpty(node.ClassType, node.Type))
	}
	if len(types) == 0 {
		for _, node := range workflowNodes {
			types = append(types, firstNonEmpty(node.Type, node.ClassType))
		}
	}
	for _, t := range types {
		if strings.Contains(strings.ToLower(strings.TrimSpace(t)), "song2daw") {
			return finalizeProfile(rawProfile{id: "song2daw"}, ProfileSourceHeuristic)
		}
	}
	return DefaultProfile()
}

// profileFromWidgets reads the profile node's widget values. The node exists
// in a three-widget form (id, version, contract) and a five-widget form that
// adds a custom id after the id and a kind at the end.
func profileFromWidgets(node profileWorkflowNode) rawProfile {
	in := node.Inputs
	if in == nil {
		in = map[string]any{}
	}
	w := node.WidgetsValues
	at := func(i int) any {
		if i < len(w) {
			return w[i]
		}
		return nil
	}
	extended := len(w) >= 4

	raw := rawProfile{
		id:       in["profile_id"],
		custom:   in["profile_id_custom"],
		version:  in["profile_version"],
		contract: in["ui_contract_version"],
		kind:     in["workflow_kind"],
	}
	if raw.id == nil {
		raw.id = at(0)
	}
	if raw.custom == nil && extended {
		raw.custom = at(1)
	}
	if raw.version == nil {
		if extended {
			raw.version = at(2)
		} else {
			raw.version = at(1)
		}
	}
	if raw.contract == nil {
		if extended {
			raw.contract = at(3)
		} else {
			raw.contract = at(2)
		}
	}
	if raw.kind == nil && len(w) >= 5 {
		raw.kind = at(4)
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func decodeInputs(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for key, data := range raw {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			out[key] = v
		}
	}
	return out
}
