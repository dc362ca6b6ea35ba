package loopserver

import (
	"encoding/json"
	"sync"
)

// History records standalone prompt executions in the /history shape.
type History struct {
	mu      sync.Mutex
	entries map[string]historyEntry
}

type historyStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

type historyEntry struct {
	Status  historyStatus   `json:"status"`
	Outputs json.RawMessage `json:"outputs"`
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{entries: make(map[string]historyEntry)}
}

// Queued registers a prompt that has not finished.
func (h *History) Queued(promptID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[promptID] = historyEntry{Status: historyStatus{StatusStr: "running"}, Outputs: json.RawMessage(`{}`)}
}

// Done marks a prompt finished.
func (h *History) Done(promptID string, outputs json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[promptID] = historyEntry{Status: historyStatus{StatusStr: "success", Completed: true}, Outputs: outputs}
}

// Lookup returns the /history response body for promptID. Unknown or
// unfinished prompts yield an empty object.
func (h *History) Lookup(promptID string) map[string]historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[promptID]
	if !ok || !entry.Status.Completed {
		return map[string]historyEntry{}
	}
	return map[string]historyEntry{promptID: entry}
}
