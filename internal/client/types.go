package client

import (
	"encoding/json"

	"github.com/tOgg1/loopdeck/internal/models"
)

// Backend paths.
const (
	PathLoopList      = "/lemouf/loop/list"
	PathLoopDetail    = "/lemouf/loop/"
	PathLoopCreate    = "/lemouf/loop/create"
	PathLoopConfig    = "/lemouf/loop/config"
	PathSetWorkflow   = "/lemouf/loop/set_workflow"
	PathStep          = "/lemouf/loop/step"
	PathDecision      = "/lemouf/loop/decision"
	PathOverrides     = "/lemouf/loop/overrides"
	PathExport        = "/lemouf/loop/export_approved"
	PathReset         = "/lemouf/loop/reset"
	PathWorkflowsList = "/lemouf/workflows/list"
	PathWorkflowsLoad = "/lemouf/workflows/load"
	PathPrompt        = "/prompt"
	PathHistory       = "/history/"
)

// CreateResponse is returned by POST create.
type CreateResponse struct {
	LoopID string `json:"loop_id"`
}

// SetWorkflowRequest loads a workflow into a loop.
type SetWorkflowRequest struct {
	LoopID   string          `json:"loop_id"`
	Prompt   json.RawMessage `json:"prompt"`
	Workflow json.RawMessage `json:"workflow,omitempty"`
}

// StepRequest asks for one generation attempt. Nil indices let the backend choose.
type StepRequest struct {
	LoopID     string `json:"loop_id"`
	CycleIndex *int   `json:"cycle_index,omitempty"`
	RetryIndex *int   `json:"retry_index,omitempty"`
}

// StepResponse is returned by POST step.
type StepResponse struct {
	PromptID   string `json:"prompt_id"`
	CycleIndex *int   `json:"cycle_index,omitempty"`
	RetryIndex *int   `json:"retry_index,omitempty"`
}

// DecisionRequest records a verdict on one entry.
type DecisionRequest struct {
	LoopID     string          `json:"loop_id"`
	CycleIndex int             `json:"cycle_index"`
	RetryIndex int             `json:"retry_index"`
	Decision   models.Decision `json:"decision"`
}

// ResetRequest resets a loop.
type ResetRequest struct {
	LoopID       string `json:"loop_id"`
	KeepWorkflow bool   `json:"keep_workflow"`
}

// ExportResponse is returned by POST export_approved.
type ExportResponse struct {
	Count  int    `json:"count"`
	Folder string `json:"folder"`
}

// WorkflowInfo is one row of the named workflow catalog.
type WorkflowInfo struct {
	Name              string `json:"name"`
	Feature           string `json:"feature,omitempty"`
	ProfileID         string `json:"profile_id,omitempty"`
	ProfileVersion    string `json:"profile_version,omitempty"`
	UIContractVersion string `json:"ui_contract_version,omitempty"`
	WorkflowKind      string `json:"workflow_kind,omitempty"`
}

// WorkflowList is returned by GET workflows/list.
type WorkflowList struct {
	Workflows []WorkflowInfo `json:"workflows"`
	Root      string         `json:"root,omitempty"`
}

// LoadedWorkflow is returned by POST workflows/load.
type LoadedWorkflow struct {
	WorkflowInfo
	Workflow json.RawMessage `json:"workflow"`
	Prompt   json.RawMessage `json:"prompt,omitempty"`
}

// PromptResponse is returned when queueing a standalone prompt.
type PromptResponse struct {
	PromptID string `json:"prompt_id"`
}

// PromptStatus is the execution state of a standalone prompt.
type PromptStatus struct {
	PromptID  string          `json:"prompt_id"`
	Completed bool            `json:"completed"`
	Status    string          `json:"status_str,omitempty"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`
}

// Failed reports whether the prompt ended in an error.
func (s PromptStatus) Failed() bool {
	return s.Status == "error"
}

// DecisionResult carries the backend's progression hints after a decision.
type DecisionResult struct {
	NextCycleIndex  *int  `json:"next_cycle_index,omitempty"`
	NextRetryIndex  *int  `json:"next_retry_index,omitempty"`
	NeedsGeneration *bool `json:"needs_generation,omitempty"`
}
