package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tOgg1/loopdeck/internal/db"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/workflows"
)

// recordLocked builds the persisted form of the current intent.
func (o *Orchestrator) recordLocked() *models.RuntimeRecord {
	state := o.state.clone()
	return &models.RuntimeRecord{
		Version:           models.RuntimeRecordVersion,
		LoopID:            state.LoopID,
		WorkflowName:      state.WorkflowName,
		Steps:             state.Steps,
		LastRun:           state.Run,
		ActiveStepID:      state.ActiveStepID,
		SelectedStepID:    state.SelectedStepID,
		RetryCandidate:    state.RetryCandidate,
		SelectedCycle:     state.SelectedCycle,
		SavedAt:           o.now(),
		WorkflowSignature: state.WorkflowSignature,
		WorkflowDirty:     state.WorkflowDirty,
		InspectPromptID:   o.inspectPrompt,
	}
}

// persist writes the current intent through to the store. Failures are
// logged and otherwise ignored.
func (o *Orchestrator) persist(ctx context.Context) {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	if o.state.LoopID == "" {
		o.mu.Unlock()
		return
	}
	record := o.recordLocked()
	o.mu.Unlock()

	if err := o.store.Save(ctx, record); err != nil {
		o.logger.Warn().Err(err).Str("loop_id", record.LoopID).Msg("failed to persist runtime state")
	}
}

// restore applies cached intent for loopID. A record for another loop is
// ignored.
func (o *Orchestrator) restore(ctx context.Context, loopID string) {
	if o.store == nil {
		return
	}
	record, err := o.store.Get(ctx, loopID)
	if err != nil {
		if !errors.Is(err, db.ErrRuntimeStateNotFound) {
			o.logger.Warn().Err(err).Str("loop_id", loopID).Msg("failed to load runtime state")
		}
		return
	}
	if !record.MatchesLoop(loopID) {
		o.logger.Debug().Str("loop_id", loopID).Msg("ignoring runtime state for another loop")
		return
	}

	o.mu.Lock()
	if o.state.LoopID != loopID {
		o.mu.Unlock()
		return
	}

	if len(record.Steps) > 0 {
		o.state.Steps = append([]models.PipelineStep(nil), record.Steps...)
		o.state.Run = record.LastRun.Clone()
		o.state.ActiveStepID = record.ActiveStepID
		o.state.SelectedStepID = record.SelectedStepID
	}
	if record.RetryCandidate != nil {
		candidate := *record.RetryCandidate
		o.state.RetryCandidate = &candidate
	}
	if record.SelectedCycle != nil {
		cycle := *record.SelectedCycle
		o.state.SelectedCycle = &cycle
	}
	if o.state.WorkflowName == "" {
		o.state.WorkflowName = record.WorkflowName
	}

	o.state.WorkflowSignature = record.WorkflowSignature
	o.state.WorkflowDirty = record.WorkflowDirty
	if len(o.state.Prompt) > 0 {
		if signature, err := workflows.Signature(o.state.Prompt); err == nil && signature != record.WorkflowSignature {
			o.state.WorkflowDirty = true
		}
	}
	resume := o.resumeGenerateLocked(record.InspectPromptID)
	o.mu.Unlock()

	o.logger.Debug().Str("loop_id", loopID).Int("steps", len(record.Steps)).Msg("runtime state restored")
	if resume {
		if _, err := o.inspect.Restart(o.ctx); err != nil {
			o.logger.Warn().Err(err).Str("loop_id", loopID).Msg("failed to resume generate step")
		}
	}
}

// resumeGenerateLocked picks a restored run back up when it stopped inside
// a generate step. It reports whether the inspect poll must restart; a step
// whose prompt id was not saved cannot be followed and is failed so the run
// ends.
func (o *Orchestrator) resumeGenerateLocked(promptID string) bool {
	if !o.state.Run.Active() {
		return false
	}
	step, ok := o.activeStepLocked()
	if !ok || step.Role != models.StepRoleGenerate || o.state.Run.Steps[step.ID].Status != models.StepRunRunning {
		return false
	}
	if promptID == "" {
		o.markLocked(step.ID, models.StepRunError, "interrupted")
		now := o.now()
		o.state.Run.EndedAt = &now
		o.state.ActiveStepID = ""
		o.state.Status = fmt.Sprintf("Pipeline step %s was interrupted", step.ID)
		return false
	}
	o.inspectPrompt = promptID
	o.state.Progress = events.Queued(promptID)
	o.state.Status = fmt.Sprintf("Resumed generating payload for %s", step.ID)
	return true
}
