package events

// Progress statuses.
const (
	ProgressIdle    = "idle"
	ProgressQueued  = "queued"
	ProgressRunning = "running"
	ProgressDone    = "done"
	ProgressError   = "error"
)

// Progress tracks execution of the most recently launched prompt.
type Progress struct {
	PromptID string `json:"prompt_id,omitempty"`
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	Node     string `json:"node,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

// Queued starts tracking a freshly launched prompt.
func Queued(promptID string) Progress {
	return Progress{PromptID: promptID, Node: "Queued", Status: ProgressQueued}
}

// Percent returns execution progress in [0, 100], or -1 when unknown.
func (p Progress) Percent() float64 {
	if p.Max <= 0 {
		return -1
	}
	value := p.Value
	if value > p.Max {
		value = p.Max
	}
	if value < 0 {
		value = 0
	}
	return float64(value) * 100 / float64(p.Max)
}

// Apply folds an event into the progress. Events for other prompts are
// ignored once a prompt is tracked.
func (p Progress) Apply(event Event) Progress {
	if p.PromptID != "" && event.PromptID != "" && event.PromptID != p.PromptID {
		return p
	}
	switch event.Type {
	case TypeExecutionStart:
		p.PromptID = event.PromptID
		p.Status = ProgressRunning
		p.Value, p.Max = 0, 0
		p.Node = ""
		p.Message = ""
	case TypeExecuting:
		if event.Node == "" {
			// A null node marks the end of the prompt.
			if p.Status != ProgressError {
				p.Status = ProgressDone
			}
			p.Node = ""
			return p
		}
		p.Status = ProgressRunning
		p.Node = event.Node
	case TypeProgress:
		p.Status = ProgressRunning
		p.Value = event.Value
		p.Max = event.Max
		if event.Node != "" {
			p.Node = event.Node
		}
	case TypeExecutionSuccess:
		p.Status = ProgressDone
		if p.Max > 0 {
			p.Value = p.Max
		}
	case TypeExecutionError:
		p.Status = ProgressError
		p.Message = event.Message
	}
	return p
}
