package models

import (
	"strings"
	"time"
)

// StepRole is the job a pipeline step performs.
type StepRole string

const (
	StepRoleGenerate    StepRole = "generate"
	StepRoleExecute     StepRole = "execute"
	StepRoleComposition StepRole = "composition"
)

// ParseStepRole maps a raw role to a StepRole.
func ParseStepRole(raw string) (StepRole, bool) {
	switch StepRole(strings.ToLower(strings.TrimSpace(raw))) {
	case StepRoleGenerate:
		return StepRoleGenerate, true
	case StepRoleExecute:
		return StepRoleExecute, true
	case StepRoleComposition:
		return StepRoleComposition, true
	default:
		return "", false
	}
}

// WorkflowNone marks a step without a sub-workflow.
const WorkflowNone = "none"

// HasWorkflowName reports whether a workflow reference names a real workflow.
func HasWorkflowName(name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	return lower != WorkflowNone && lower != "(none)"
}

// PipelineStep is one node of the resolved pipeline order.
type PipelineStep struct {
	ID        string   `json:"id"`
	Role      StepRole `json:"role"`
	Workflow  string   `json:"workflow"`
	StepIndex float64  `json:"stepIndex"`
	Ordinal   int      `json:"ordinal"`
}

// IsManual reports whether the step is an operator gate rather than a sub-workflow.
func (s PipelineStep) IsManual() bool {
	return !HasWorkflowName(s.Workflow)
}

// Validate checks the step invariants.
func (s PipelineStep) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(s.ID) == "" {
		validation.Add("id", ErrInvalidStepID)
	}
	if _, ok := ParseStepRole(string(s.Role)); !ok {
		validation.Add("role", ErrInvalidStepRole)
	}
	if s.IsManual() && s.Role != StepRoleComposition {
		validation.Add("workflow", ErrMissingStepWorkflow)
	}
	return validation.Err()
}

// StepRunStatus is the live status of one step in a pipeline run.
type StepRunStatus string

const (
	StepRunPending StepRunStatus = "pending"
	StepRunRunning StepRunStatus = "running"
	StepRunWaiting StepRunStatus = "waiting"
	StepRunDone    StepRunStatus = "done"
	StepRunError   StepRunStatus = "error"
)

// IsFinished reports whether the step will not change again in this run.
func (s StepRunStatus) IsFinished() bool {
	return s == StepRunDone || s == StepRunError
}

// StepRun is the run state of one pipeline step.
type StepRun struct {
	Status    StepRunStatus `json:"status"`
	StartedAt *time.Time    `json:"startedAt,omitempty"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// PipelineRunState is the orchestrator's live view of one pipeline execution.
type PipelineRunState struct {
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   *time.Time         `json:"endedAt,omitempty"`
	Steps     map[string]StepRun `json:"steps"`
}

// NewPipelineRunState creates a fresh run with every step pending.
func NewPipelineRunState(steps []PipelineStep, now time.Time) *PipelineRunState {
	run := &PipelineRunState{
		StartedAt: now,
		Steps:     make(map[string]StepRun, len(steps)),
	}
	for _, step := range steps {
		run.Steps[step.ID] = StepRun{Status: StepRunPending}
	}
	return run
}

// Active reports whether the run has not ended.
func (r *PipelineRunState) Active() bool {
	return r != nil && r.EndedAt == nil
}

// HasError reports whether any step failed.
func (r *PipelineRunState) HasError() bool {
	if r == nil {
		return false
	}
	for _, step := range r.Steps {
		if step.Status == StepRunError {
			return true
		}
	}
	return false
}

// Clone deep-copies the run state.
func (r *PipelineRunState) Clone() *PipelineRunState {
	if r == nil {
		return nil
	}
	out := &PipelineRunState{
		StartedAt: r.StartedAt,
		EndedAt:   cloneTime(r.EndedAt),
		Steps:     make(map[string]StepRun, len(r.Steps)),
	}
	for id, step := range r.Steps {
		step.StartedAt = cloneTime(step.StartedAt)
		step.EndedAt = cloneTime(step.EndedAt)
		out.Steps[id] = step
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := *t
	return &value
}
