package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/pipeline"
	"github.com/tOgg1/loopdeck/internal/poller"
)

// LoadPipeline resolves graph and installs the resulting steps.
func (o *Orchestrator) LoadPipeline(graph pipeline.Graph) ([]models.PipelineStep, error) {
	steps := pipeline.Resolve(graph)
	if err := o.SetPipeline(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// SetPipeline installs a resolved step list. It is rejected while a run is
// active.
func (o *Orchestrator) SetPipeline(steps []models.PipelineStep) error {
	o.mu.Lock()
	if o.state.Run.Active() {
		o.mu.Unlock()
		return o.fail(ErrPipelineActive)
	}
	o.state.Steps = append([]models.PipelineStep(nil), steps...)
	o.state.Run = nil
	o.state.ActiveStepID = ""
	if len(steps) > 0 {
		o.state.SelectedStepID = steps[0].ID
	} else {
		o.state.SelectedStepID = ""
	}
	o.state.Status = fmt.Sprintf("Pipeline loaded with %d steps", len(steps))
	o.mu.Unlock()

	o.persist(o.ctx)
	o.notify()
	return nil
}

// SelectStep marks a step as the operator's selection.
func (o *Orchestrator) SelectStep(id string) {
	o.mu.Lock()
	o.state.SelectedStepID = id
	o.mu.Unlock()
	o.persist(o.ctx)
	o.notify()
}

// StartPipeline begins a fresh run of the loaded steps.
func (o *Orchestrator) StartPipeline(ctx context.Context) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if _, _, err := o.loopContext(); err != nil {
		return o.fail(err)
	}

	o.mu.Lock()
	steps := append([]models.PipelineStep(nil), o.state.Steps...)
	active := o.state.Run.Active()
	o.mu.Unlock()

	if len(steps) == 0 {
		return o.fail(ErrNoPipeline)
	}
	if active {
		return o.fail(ErrPipelineActive)
	}
	if err := pipeline.ValidateSteps(steps); err != nil {
		return o.fail(err)
	}

	o.mu.Lock()
	o.state.Run = models.NewPipelineRunState(steps, o.now())
	o.state.ActiveStepID = ""
	o.state.Status = "Pipeline started"
	o.mu.Unlock()
	o.logger.Info().Str("loop_id", o.LoopID()).Int("steps", len(steps)).Msg("pipeline started")

	return o.advancePipeline(ctx)
}

// CompleteStep finishes a step that waits for the operator, such as a
// composition step, and continues the run.
func (o *Orchestrator) CompleteStep(ctx context.Context, id string) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if !o.state.Run.Active() {
		o.mu.Unlock()
		return o.fail(ErrStepNotWaiting)
	}
	run, ok := o.state.Run.Steps[id]
	if !ok || run.Status != models.StepRunWaiting {
		o.mu.Unlock()
		return o.fail(fmt.Errorf("%w: %s", ErrStepNotWaiting, id))
	}
	o.markLocked(id, models.StepRunDone, "")
	o.mu.Unlock()

	return o.advancePipeline(ctx)
}

// AbortPipeline ends the active run. Unfinished steps are marked as errors.
func (o *Orchestrator) AbortPipeline(ctx context.Context) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	_ = o.inspect.Stop()

	o.mu.Lock()
	if !o.state.Run.Active() {
		o.mu.Unlock()
		return o.fail(ErrNoPipeline)
	}
	for _, step := range o.state.Steps {
		if run, ok := o.state.Run.Steps[step.ID]; ok && !run.Status.IsFinished() && run.Status != models.StepRunPending {
			o.markLocked(step.ID, models.StepRunError, "aborted")
		}
	}
	now := o.now()
	o.state.Run.EndedAt = &now
	o.state.ActiveStepID = ""
	o.inspectPrompt = ""
	o.state.Status = "Pipeline aborted"
	o.mu.Unlock()

	o.persist(ctx)
	o.notify()
	return nil
}

// advancePipeline activates the next pending step once everything before it
// is done. cmdMu must be held.
func (o *Orchestrator) advancePipeline(ctx context.Context) error {
	for {
		o.mu.Lock()
		if !o.state.Run.Active() {
			o.mu.Unlock()
			return nil
		}
		view := o.viewLocked()

		var next *models.PipelineStep
		blocked := false
		for i := range o.state.Steps {
			step := o.state.Steps[i]
			run := o.state.Run.Steps[step.ID]
			if run.Status == models.StepRunWaiting && step.Role == models.StepRoleExecute && view.Complete() {
				o.markLocked(step.ID, models.StepRunDone, "")
				run.Status = models.StepRunDone
			}
			if run.Status == models.StepRunDone {
				continue
			}
			if run.Status == models.StepRunPending {
				next = &step
			} else {
				blocked = true
			}
			break
		}

		if blocked {
			o.mu.Unlock()
			o.persist(ctx)
			o.notify()
			return nil
		}
		if next == nil {
			now := o.now()
			o.state.Run.EndedAt = &now
			o.state.ActiveStepID = ""
			o.state.Status = "Pipeline complete"
			o.mu.Unlock()
			o.logger.Info().Str("loop_id", o.LoopID()).Msg("pipeline complete")
			o.persist(ctx)
			o.notify()
			return nil
		}

		o.markLocked(next.ID, models.StepRunRunning, "")
		o.state.ActiveStepID = next.ID
		o.mu.Unlock()

		settled, err := o.activate(ctx, *next)
		if err != nil {
			o.mu.Lock()
			o.markLocked(next.ID, models.StepRunError, err.Error())
			now := o.now()
			o.state.Run.EndedAt = &now
			o.mu.Unlock()
			o.logger.Warn().Err(err).Str("step", next.ID).Msg("pipeline step failed")
			o.persist(ctx)
			o.notify()
			return o.fail(fmt.Errorf("pipeline step %s: %w", next.ID, err))
		}
		if !settled {
			o.persist(ctx)
			o.notify()
			return nil
		}
	}
}

// activate starts one step. It reports whether the step finished at once.
func (o *Orchestrator) activate(ctx context.Context, step models.PipelineStep) (bool, error) {
	o.logger.Info().Str("step", step.ID).Str("role", string(step.Role)).Str("workflow", step.Workflow).Msg("activating pipeline step")

	switch step.Role {
	case models.StepRoleGenerate:
		loaded, err := o.backend.LoadWorkflow(ctx, step.Workflow)
		if err != nil {
			return false, err
		}
		if len(loaded.Prompt) == 0 {
			return false, fmt.Errorf("workflow %s: %w", step.Workflow, ErrNoWorkflow)
		}
		promptID, err := o.backend.QueuePrompt(ctx, loaded.Prompt)
		if err != nil {
			return false, err
		}
		o.mu.Lock()
		o.inspectPrompt = promptID
		o.state.Progress = events.Queued(promptID)
		o.state.Status = fmt.Sprintf("Generating payload for %s", step.ID)
		o.mu.Unlock()
		if _, err := o.inspect.Restart(o.ctx); err != nil {
			return false, err
		}
		return false, nil

	case models.StepRoleExecute:
		if err := o.LoadNamedWorkflow(ctx, step.Workflow); err != nil {
			return false, err
		}
		if _, err := o.syncWorkflow(ctx, true); err != nil {
			return false, err
		}
		o.mu.Lock()
		o.markLocked(step.ID, models.StepRunWaiting, "")
		view := o.viewLocked()
		o.state.Status = fmt.Sprintf("Running loop for %s", step.ID)
		o.mu.Unlock()

		if view.Complete() {
			o.mu.Lock()
			o.markLocked(step.ID, models.StepRunDone, "")
			o.mu.Unlock()
			return true, nil
		}
		if !view.Status.IsActive() {
			if _, err := o.step(ctx, nil, nil, launchOptions{followUp: true}); err != nil {
				return false, err
			}
		}
		return false, nil

	default:
		o.mu.Lock()
		o.markLocked(step.ID, models.StepRunWaiting, "")
		o.state.Status = fmt.Sprintf("Waiting for %s to be completed", step.ID)
		o.mu.Unlock()
		return false, nil
	}
}

// markLocked updates a step's run status and timestamps.
func (o *Orchestrator) markLocked(id string, status models.StepRunStatus, message string) {
	if o.state.Run == nil {
		return
	}
	run := o.state.Run.Steps[id]
	now := o.now()
	if status == models.StepRunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.IsFinished() {
		run.EndedAt = &now
	}
	run.Status = status
	run.Error = message
	o.state.Run.Steps[id] = run
}

func (o *Orchestrator) activeStepLocked() (models.PipelineStep, bool) {
	for _, step := range o.state.Steps {
		if step.ID == o.state.ActiveStepID {
			return step, true
		}
	}
	return models.PipelineStep{}, false
}

// scheduleAdvance continues the pipeline in the background.
func (o *Orchestrator) scheduleAdvance() {
	if o.ctx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.cmdMu.Lock()
		defer o.cmdMu.Unlock()
		if err := o.advancePipeline(o.ctx); err != nil {
			o.logger.Warn().Err(err).Msg("pipeline advance failed")
		}
	}()
}

func (o *Orchestrator) inspectTick(ctx context.Context, session uint64) (bool, error) {
	o.mu.Lock()
	promptID := o.inspectPrompt
	o.mu.Unlock()
	if promptID == "" {
		return true, nil
	}

	status, err := o.backend.PromptStatus(ctx, promptID)
	if err != nil {
		return false, err
	}
	if !o.inspect.Current(session) {
		return true, poller.ErrStaleResponse
	}
	if !status.Completed && !status.Failed() {
		return false, nil
	}

	o.mu.Lock()
	if o.inspectPrompt != promptID {
		o.mu.Unlock()
		return true, nil
	}
	o.inspectPrompt = ""
	step, ok := o.activeStepLocked()
	if ok && step.Role == models.StepRoleGenerate {
		if status.Failed() {
			o.markLocked(step.ID, models.StepRunError, "generation failed")
			now := o.now()
			o.state.Run.EndedAt = &now
			o.state.Progress.Status = events.ProgressError
			o.state.Status = fmt.Sprintf("Pipeline step %s failed", step.ID)
		} else {
			o.markLocked(step.ID, models.StepRunDone, "")
			o.state.Progress.Status = events.ProgressDone
		}
	}
	o.mu.Unlock()

	o.persist(ctx)
	o.notify()
	if ok && !status.Failed() {
		o.scheduleAdvance()
	}
	return true, nil
}

func (o *Orchestrator) inspectFinished(result poller.Result) {
	if !errors.Is(result.Err, poller.ErrMaxAttempts) {
		return
	}
	o.mu.Lock()
	if step, ok := o.activeStepLocked(); ok && o.state.Run.Active() {
		o.markLocked(step.ID, models.StepRunError, "timed out waiting for generation")
		now := o.now()
		o.state.Run.EndedAt = &now
	}
	o.inspectPrompt = ""
	o.state.Status = fmt.Sprintf("Generation not finished after %d checks", result.Attempts)
	o.mu.Unlock()
	o.persist(o.ctx)
	o.notify()
}
