// Package events subscribes to backend execution events over a websocket.
package events

import (
	"encoding/json"
	"strings"
)

// Event types emitted by the backend.
const (
	TypeStatus           = "status"
	TypeExecutionStart   = "execution_start"
	TypeExecuting        = "executing"
	TypeProgress         = "progress"
	TypeExecutionSuccess = "execution_success"
	TypeExecutionError   = "execution_error"
	TypeExecutionCached  = "execution_cached"
	TypeLoopUpdated      = "lemouf.loop.updated"
)

// Event is one parsed websocket message.
type Event struct {
	Type     string          `json:"type"`
	PromptID string          `json:"prompt_id,omitempty"`
	LoopID   string          `json:"loop_id,omitempty"`
	Node     string          `json:"node,omitempty"`
	Value    int             `json:"value,omitempty"`
	Max      int             `json:"max,omitempty"`
	Message  string          `json:"message,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Terminal reports whether the event ends a prompt's execution.
func (e Event) Terminal() bool {
	return e.Type == TypeExecutionSuccess || e.Type == TypeExecutionError
}

// Envelope is the wire shape: {"type": ..., "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventData struct {
	PromptID         string          `json:"prompt_id"`
	LoopID           string          `json:"loop_id"`
	Node             json.RawMessage `json:"node"`
	Value            int             `json:"value"`
	Max              int             `json:"max"`
	ExceptionMessage string          `json:"exception_message"`
	Message          string          `json:"message"`
}

// Parse decodes a wire message. Unknown types are returned with only Type and
// Data set.
func Parse(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, err
	}
	event := Event{Type: env.Type, Data: env.Data}
	if len(env.Data) == 0 {
		return event, nil
	}

	var data eventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return event, nil
	}
	event.PromptID = data.PromptID
	event.LoopID = data.LoopID
	event.Node = nodeID(data.Node)
	event.Value = data.Value
	event.Max = data.Max
	event.Message = data.ExceptionMessage
	if event.Message == "" {
		event.Message = data.Message
	}
	return event, nil
}

func nodeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// Encode renders an event in the wire shape.
func Encode(event Event) ([]byte, error) {
	data := map[string]any{}
	if event.PromptID != "" {
		data["prompt_id"] = event.PromptID
	}
	if event.LoopID != "" {
		data["loop_id"] = event.LoopID
	}
	switch event.Type {
	case TypeExecuting:
		if event.Node == "" {
			data["node"] = nil
		} else {
			data["node"] = event.Node
		}
	case TypeProgress:
		data["value"] = event.Value
		data["max"] = event.Max
		if event.Node != "" {
			data["node"] = event.Node
		}
	case TypeExecutionError:
		data["exception_message"] = event.Message
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event.Type, Data: payload})
}
