package models

import "time"

// RuntimeRecordVersion is the current schema version of persisted runtime records.
const RuntimeRecordVersion = 1

// RuntimeRecord is the locally persisted intent for one loop, enough to
// resume a pipeline and an armed replay after a restart.
type RuntimeRecord struct {
	Version        int               `json:"version"`
	LoopID         string            `json:"loopId"`
	WorkflowName   string            `json:"workflowName,omitempty"`
	Steps          []PipelineStep    `json:"steps"`
	LastRun        *PipelineRunState `json:"lastRun"`
	ActiveStepID   string            `json:"activeStepId,omitempty"`
	SelectedStepID string            `json:"selectedStepId,omitempty"`
	RetryCandidate *RetryCandidate   `json:"retryCandidate,omitempty"`
	SelectedCycle  *int              `json:"selectedCycle,omitempty"`
	SavedAt        time.Time         `json:"savedAt"`

	// WorkflowSignature is the hash of the prompt last synced to the loop.
	WorkflowSignature string `json:"workflowSignature,omitempty"`
	WorkflowDirty     bool   `json:"workflowDirty,omitempty"`

	// InspectPromptID is the prompt a running generate step waits on.
	InspectPromptID string `json:"inspectPromptId,omitempty"`
}

// MatchesLoop reports whether the record may be applied to loopID.
func (r *RuntimeRecord) MatchesLoop(loopID string) bool {
	return r != nil && r.LoopID != "" && r.LoopID == loopID
}
