package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/decision"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/workflows"
)

// WorkflowError is returned when a workflow fails validation before sync.
type WorkflowError struct {
	Report workflows.Report
}

func (e *WorkflowError) Error() string {
	return "workflow invalid: " + strings.Join(e.Report.Errors, " ")
}

// ListLoops returns every loop on the backend.
func (o *Orchestrator) ListLoops(ctx context.Context) ([]models.LoopSummary, error) {
	loops, err := o.backend.ListLoops(ctx)
	if err != nil {
		return nil, o.fail(err)
	}
	return loops, nil
}

// SelectLoop selects requested if the backend lists it, otherwise the first
// listed loop. Cached intent for the loop is restored.
func (o *Orchestrator) SelectLoop(ctx context.Context, requested string) (string, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	loops, err := o.backend.ListLoops(ctx)
	if err != nil {
		return "", o.fail(err)
	}
	if len(loops) == 0 {
		return "", o.fail(ErrNoLoop)
	}

	chosen := loops[0].LoopID
	requested = strings.TrimSpace(requested)
	for _, loop := range loops {
		if loop.LoopID == requested {
			chosen = requested
			break
		}
	}
	if requested != "" && chosen != requested {
		o.logger.Info().Str("requested", requested).Str("loop_id", chosen).Msg("requested loop not listed, using first")
	}

	o.bind(ctx, chosen)
	if _, err := o.refreshDetail(ctx); err != nil {
		return chosen, err
	}
	return chosen, nil
}

// CreateLoop creates a loop with totalCycles cycles and selects it.
func (o *Orchestrator) CreateLoop(ctx context.Context, totalCycles int) (string, error) {
	if totalCycles < 1 {
		return "", o.fail(models.ErrInvalidTotalCycles)
	}

	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	loopID, err := o.backend.CreateLoop(ctx)
	if err != nil {
		return "", o.fail(err)
	}
	if err := o.backend.SetTotalCycles(ctx, loopID, totalCycles); err != nil {
		return loopID, o.fail(err)
	}
	o.logger.Info().Str("loop_id", loopID).Int("total_cycles", totalCycles).Msg("loop created")

	o.bind(ctx, loopID)
	o.setStatus(fmt.Sprintf("Loop %s created with %d cycles", loopID, totalCycles))
	if _, err := o.refreshDetail(ctx); err != nil {
		return loopID, err
	}
	return loopID, nil
}

// bind switches the selected loop, dropping intent that belonged to the
// previous one and restoring cached intent for the new one. The loaded
// workflow and pipeline steps are kept, but marked for re-sync.
func (o *Orchestrator) bind(ctx context.Context, loopID string) {
	o.stopAutoRefresh()
	_ = o.inspect.Stop()

	o.mu.Lock()
	o.generation++
	o.state.LoopID = loopID
	o.state.Detail = nil
	o.state.SelectedCycle = nil
	o.state.RetryCandidate = nil
	o.state.PendingLaunch = nil
	o.state.LastLaunch = nil
	o.state.Run = nil
	o.state.ActiveStepID = ""
	o.state.WorkflowSignature = ""
	o.state.WorkflowDirty = len(o.state.Prompt) > 0
	o.state.Progress = events.Progress{Status: events.ProgressIdle}
	o.inspectPrompt = ""
	o.mu.Unlock()

	o.restore(ctx, loopID)
}

// SetCycles changes the loop's cycle count.
func (o *Orchestrator) SetCycles(ctx context.Context, total int) error {
	if total < 1 {
		return o.fail(models.ErrInvalidTotalCycles)
	}
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	loopID, _, err := o.loopContext()
	if err != nil {
		return o.fail(err)
	}
	if err := o.backend.SetTotalCycles(ctx, loopID, total); err != nil {
		return o.fail(err)
	}
	o.logger.Info().Str("loop_id", loopID).Int("total_cycles", total).Msg("cycles configured")
	o.setStatus(fmt.Sprintf("Total cycles set to %d", total))
	_, err = o.refreshDetail(ctx)
	return err
}

// LoadWorkflow replaces the local workflow. It is synced on the next step or
// SyncWorkflow call.
func (o *Orchestrator) LoadWorkflow(name string, workflow, prompt json.RawMessage) error {
	signature, err := workflows.Signature(prompt)
	if err != nil {
		return o.fail(fmt.Errorf("workflow prompt: %w", err))
	}

	o.mu.Lock()
	o.state.WorkflowName = name
	o.state.Workflow = append(json.RawMessage(nil), workflow...)
	o.state.Prompt = append(json.RawMessage(nil), prompt...)
	o.state.WorkflowDirty = signature != o.state.WorkflowSignature
	o.mu.Unlock()
	o.notify()
	return nil
}

// LoadNamedWorkflow fetches a catalog workflow from the backend and loads it.
func (o *Orchestrator) LoadNamedWorkflow(ctx context.Context, name string) error {
	loaded, err := o.backend.LoadWorkflow(ctx, name)
	if err != nil {
		return o.fail(err)
	}
	if len(loaded.Prompt) == 0 {
		return o.fail(fmt.Errorf("workflow %s: %w", name, ErrNoWorkflow))
	}
	workflow := loaded.Workflow
	if string(workflow) == "null" {
		workflow = nil
	}
	return o.LoadWorkflow(name, workflow, loaded.Prompt)
}

// ValidateWorkflow checks the loaded workflow without syncing it.
func (o *Orchestrator) ValidateWorkflow() workflows.Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return workflows.Validate(o.state.Workflow, o.state.Prompt)
}

// SyncWorkflow pushes the loaded workflow to the loop. Unless force is set,
// an unchanged workflow is not sent again. It reports whether a sync happened.
func (o *Orchestrator) SyncWorkflow(ctx context.Context, force bool) (bool, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	return o.syncWorkflow(ctx, force)
}

func (o *Orchestrator) syncWorkflow(ctx context.Context, force bool) (bool, error) {
	loopID, _, err := o.loopContext()
	if err != nil {
		return false, o.fail(err)
	}

	o.mu.Lock()
	prompt := o.state.Prompt
	workflow := o.state.Workflow
	dirty := o.state.WorkflowDirty
	synced := o.state.WorkflowSignature
	o.mu.Unlock()

	if len(prompt) == 0 {
		return false, o.fail(ErrNoWorkflow)
	}
	report := workflows.Validate(workflow, prompt)
	if !report.OK() {
		return false, o.fail(&WorkflowError{Report: report})
	}
	for _, warning := range report.Warnings {
		o.logger.Debug().Str("loop_id", loopID).Msg(warning)
	}

	signature, err := workflows.Signature(prompt)
	if err != nil {
		return false, o.fail(fmt.Errorf("workflow prompt: %w", err))
	}
	if !force && !dirty && signature == synced {
		return false, nil
	}

	if err := o.backend.SetWorkflow(ctx, client.SetWorkflowRequest{LoopID: loopID, Prompt: prompt, Workflow: workflow}); err != nil {
		return false, o.fail(err)
	}

	o.mu.Lock()
	o.state.WorkflowSignature = signature
	o.state.WorkflowDirty = false
	o.state.Status = "Workflow synced"
	o.mu.Unlock()
	o.logger.Info().Str("loop_id", loopID).Str("signature", signature[:12]).Msg("workflow synced")
	o.persist(ctx)
	o.notify()
	return true, nil
}

// Step requests one generation attempt. Nil indices let the backend choose
// the current cycle and the next retry.
func (o *Orchestrator) Step(ctx context.Context, cycle, retry *int) (*client.StepResponse, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	return o.step(ctx, cycle, retry, launchOptions{})
}

type launchOptions struct {
	// forceSync sends the workflow even when its signature is unchanged.
	forceSync bool
	// followUp marks launches planned by a decision, an armed candidate or
	// the pipeline. They skip the busy window, which debounces repeated
	// operator commands only.
	followUp bool
}

func (o *Orchestrator) step(ctx context.Context, cycle, retry *int, opts launchOptions) (*client.StepResponse, error) {
	loopID, _, err := o.loopContext()
	if err != nil {
		return nil, o.fail(err)
	}

	o.mu.Lock()
	now := o.now()
	if err := o.launchBlockedLocked(cycle, now, opts.followUp); err != nil {
		o.mu.Unlock()
		return nil, o.fail(err)
	}
	needSync := len(o.state.Prompt) > 0 &&
		(opts.forceSync || (o.config.AutoSync && (o.state.WorkflowDirty || o.state.WorkflowSignature == "")))
	o.mu.Unlock()

	if needSync {
		if _, err := o.syncWorkflow(ctx, opts.forceSync); err != nil {
			return nil, err
		}
	}

	// Arm the launch guard before the call so a concurrent poll reads the
	// loop as queued.
	o.mu.Lock()
	view := o.viewLocked()
	guessCycle := view.EffectiveCurrentCycle
	if cycle != nil {
		guessCycle = *cycle
	}
	guessRetry := 0
	if retry != nil {
		guessRetry = *retry
	} else if cv, ok := view.Cycle(guessCycle); ok {
		guessRetry = cv.NextRetry
	}
	previousCandidate := o.state.RetryCandidate
	o.state.PendingLaunch = models.NewPendingLaunch(guessCycle, guessRetry, now, o.config.PendingLaunchTTL)
	o.state.LastLaunch = &manifest.Launch{CycleIndex: guessCycle, At: now}
	o.state.RetryCandidate = nil
	o.mu.Unlock()

	resp, err := o.backend.Step(ctx, client.StepRequest{LoopID: loopID, CycleIndex: cycle, RetryIndex: retry})
	if err != nil {
		o.mu.Lock()
		o.state.PendingLaunch = nil
		o.state.LastLaunch = nil
		o.state.RetryCandidate = previousCandidate
		o.mu.Unlock()
		o.logger.Warn().Err(err).Str("loop_id", loopID).Int("cycle_index", guessCycle).Msg("step failed")
		o.notify()
		return nil, o.fail(err)
	}

	launchedCycle, launchedRetry := guessCycle, guessRetry
	if resp.CycleIndex != nil {
		launchedCycle = *resp.CycleIndex
	}
	if resp.RetryIndex != nil {
		launchedRetry = *resp.RetryIndex
	}

	o.mu.Lock()
	// A poll may already have settled the guard against the new entry.
	if launch := o.state.PendingLaunch; launch != nil {
		launch.CycleIndex = launchedCycle
		launch.RetryIndex = launchedRetry
		launch.PromptID = resp.PromptID
	}
	if o.state.LastLaunch != nil {
		o.state.LastLaunch.CycleIndex = launchedCycle
	}
	o.state.Progress = events.Queued(resp.PromptID)
	o.state.Status = fmt.Sprintf("Queued cycle %d retry %d", launchedCycle+1, launchedRetry)
	o.mu.Unlock()

	o.logger.Info().
		Str("loop_id", loopID).
		Str("prompt_id", resp.PromptID).
		Int("cycle_index", launchedCycle).
		Int("retry_index", launchedRetry).
		Msg("step queued")

	o.persist(ctx)
	o.notify()
	o.startAutoRefresh(resp.PromptID)
	return resp, nil
}

// launchBlockedLocked refuses a launch that could double-launch a cycle: an
// unconfirmed launch, an attempt still queued or running on the target
// cycle or anywhere in the loop, or an operator repeat inside the busy
// window of the last launch on that cycle.
func (o *Orchestrator) launchBlockedLocked(cycle *int, now time.Time, followUp bool) error {
	if launch := o.state.PendingLaunch; launch != nil && !launch.Expired(now) {
		return fmt.Errorf("%w: %s", ErrLaunchInFlight, launch.Key())
	}
	view := o.viewLocked()
	target := view.EffectiveCurrentCycle
	if cycle != nil {
		target = *cycle
	}
	if cv, ok := view.Cycle(target); ok && cv.HasPending {
		return fmt.Errorf("%w: cycle %d has an attempt queued or running", ErrLaunchInFlight, target+1)
	}
	if view.Status == models.LoopStatusQueued || view.Status == models.LoopStatusRunning {
		return fmt.Errorf("%w: loop is %s", ErrLaunchInFlight, view.Status)
	}
	if last := o.state.LastLaunch; !followUp && last != nil && last.CycleIndex == target &&
		now.Before(last.At.Add(o.config.BusyWindow)) {
		return fmt.Errorf("%w: cycle %d launched %s ago", ErrLaunchInFlight, target+1, now.Sub(last.At).Round(time.Millisecond))
	}
	return nil
}

// Decide records a verdict. With a nil target it applies to the focused
// cycle's entry awaiting a verdict. A decision that would not change anything
// is skipped without a backend call.
func (o *Orchestrator) Decide(ctx context.Context, choice models.Decision, target *models.EntryKey) (decision.Outcome, error) {
	if !choice.IsChoice() {
		return decision.Outcome{}, o.fail(fmt.Errorf("%w: %q", models.ErrInvalidDecision, choice))
	}

	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	loopID, _, err := o.loopContext()
	if err != nil {
		return decision.Outcome{}, o.fail(err)
	}

	before, err := o.refreshDetail(ctx)
	if err != nil {
		return decision.Outcome{}, err
	}

	var entry models.ManifestEntry
	if target != nil {
		entry, err = decision.Lookup(before, *target)
	} else {
		entry, err = decision.SelectTarget(before, before.FocusCycle)
	}
	if err != nil {
		return decision.Outcome{}, o.fail(err)
	}

	if noop, skip := decision.Check(entry, choice); skip {
		o.logger.Info().
			Str("loop_id", loopID).
			Int("cycle_index", entry.CycleIndex).
			Int("retry_index", entry.RetryIndex).
			Str("decision", string(choice)).
			Str("reason", noop.Reason).
			Msg("decision skipped")
		o.setStatus(fmt.Sprintf("Entry %s already settled (%s)", entry.Key(), noop.Reason))
		o.notify()
		return noop, nil
	}

	result, err := o.backend.Decide(ctx, client.DecisionRequest{
		LoopID:     loopID,
		CycleIndex: entry.CycleIndex,
		RetryIndex: entry.RetryIndex,
		Decision:   choice,
	})
	if err != nil {
		return decision.Outcome{}, o.fail(err)
	}
	o.logger.Info().
		Str("loop_id", loopID).
		Int("cycle_index", entry.CycleIndex).
		Int("retry_index", entry.RetryIndex).
		Str("decision", string(choice)).
		Msg("decision recorded")

	after, err := o.refreshDetail(ctx)
	if err != nil {
		return decision.Outcome{}, err
	}

	outcome := decision.Plan(choice, entry, before, after, decision.Response{
		NextCycleIndex:  result.NextCycleIndex,
		NextRetryIndex:  result.NextRetryIndex,
		NeedsGeneration: result.NeedsGeneration,
	})
	return outcome, o.applyOutcome(ctx, outcome)
}

func (o *Orchestrator) applyOutcome(ctx context.Context, outcome decision.Outcome) error {
	o.mu.Lock()
	if outcome.ClearCandidate {
		o.state.RetryCandidate = nil
	}
	if outcome.FocusCycle != nil {
		focus := *outcome.FocusCycle
		o.state.SelectedCycle = &focus
	}
	if outcome.Arm != nil {
		candidate := *outcome.Arm
		o.state.RetryCandidate = &candidate
		o.state.Status = fmt.Sprintf("Retry %d armed for cycle %d", candidate.RetryIndex, candidate.CycleIndex+1)
	}
	if outcome.Action == decision.ActionNone && outcome.Reason == decision.ReasonLoopComplete {
		o.state.Status = "All cycles approved"
	}
	o.mu.Unlock()
	o.persist(ctx)
	o.notify()

	if outcome.Launch == nil {
		return nil
	}
	cycle := outcome.Launch.Cycle
	var retry *int
	if outcome.Launch.Retry >= 0 {
		r := outcome.Launch.Retry
		retry = &r
	}
	_, err := o.step(ctx, &cycle, retry, launchOptions{
		forceSync: outcome.Action == decision.ActionLaunchRetry,
		followUp:  true,
	})
	if err != nil {
		return fmt.Errorf("auto-launch %s: %w", outcome.Launch, err)
	}
	return nil
}

// LaunchCandidate launches the armed retry candidate.
func (o *Orchestrator) LaunchCandidate(ctx context.Context) (*client.StepResponse, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	candidate := o.state.RetryCandidate
	o.mu.Unlock()
	if candidate == nil {
		return nil, o.fail(errors.New("no retry armed"))
	}
	cycle, retry := candidate.CycleIndex, candidate.RetryIndex
	return o.step(ctx, &cycle, &retry, launchOptions{forceSync: true, followUp: true})
}

// SelectCycle sets the operator's focus cycle; nil follows the loop.
func (o *Orchestrator) SelectCycle(cycle *int) {
	o.mu.Lock()
	if cycle == nil {
		o.state.SelectedCycle = nil
	} else {
		selected := *cycle
		o.state.SelectedCycle = &selected
	}
	o.mu.Unlock()
	o.persist(o.ctx)
	o.notify()
}

// Reset returns the loop to idle. Local launch intent is dropped; the
// pipeline step list is kept.
func (o *Orchestrator) Reset(ctx context.Context, keepWorkflow bool) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	loopID, _, err := o.loopContext()
	if err != nil {
		return o.fail(err)
	}
	if err := o.backend.Reset(ctx, client.ResetRequest{LoopID: loopID, KeepWorkflow: keepWorkflow}); err != nil {
		return o.fail(err)
	}

	o.stopAutoRefresh()
	_ = o.inspect.Stop()

	o.mu.Lock()
	o.generation++
	o.state.SelectedCycle = nil
	o.state.RetryCandidate = nil
	o.state.PendingLaunch = nil
	o.state.LastLaunch = nil
	o.state.Run = nil
	o.state.ActiveStepID = ""
	o.state.Progress = events.Progress{Status: events.ProgressIdle}
	o.inspectPrompt = ""
	if !keepWorkflow {
		o.state.WorkflowSignature = ""
		o.state.WorkflowDirty = len(o.state.Prompt) > 0
	}
	o.state.Status = "Loop reset"
	o.mu.Unlock()

	o.logger.Info().Str("loop_id", loopID).Bool("keep_workflow", keepWorkflow).Msg("loop reset")
	o.persist(ctx)
	_, err = o.refreshDetail(ctx)
	return err
}

// Export copies the approved outputs on the backend.
func (o *Orchestrator) Export(ctx context.Context) (*client.ExportResponse, error) {
	loopID, _, err := o.loopContext()
	if err != nil {
		return nil, o.fail(err)
	}
	resp, err := o.backend.ExportApproved(ctx, loopID)
	if err != nil {
		return nil, o.fail(err)
	}
	o.logger.Info().Str("loop_id", loopID).Int("count", resp.Count).Str("folder", resp.Folder).Msg("approved outputs exported")
	o.setStatus(fmt.Sprintf("Exported %d outputs to %s", resp.Count, resp.Folder))
	o.notify()
	return resp, nil
}

// ApplyOverrides validates raw JSON and replaces the loop's overrides. Keys
// are "<node id>.<input>". Empty input clears them.
func (o *Orchestrator) ApplyOverrides(ctx context.Context, raw string) (map[string]any, error) {
	overrides, err := ParseOverrides(raw)
	if err != nil {
		return nil, o.fail(err)
	}

	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	loopID, _, err := o.loopContext()
	if err != nil {
		return nil, o.fail(err)
	}
	if err := o.backend.SetOverrides(ctx, loopID, overrides); err != nil {
		return nil, o.fail(err)
	}
	o.setStatus(fmt.Sprintf("Applied %d overrides", len(overrides)))
	if _, err := o.refreshDetail(ctx); err != nil {
		return overrides, err
	}
	return overrides, nil
}

// ParseOverrides decodes override JSON, which must be an object.
func ParseOverrides(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var overrides map[string]any
	if err := json.Unmarshal([]byte(trimmed), &overrides); err != nil || overrides == nil {
		return nil, ErrInvalidOverrides
	}
	return overrides, nil
}

// SeedPreview returns the seed the loaded workflow would use for an attempt.
func (o *Orchestrator) SeedPreview(cycle, retry int) (uint64, workflows.SeedMode, bool) {
	o.mu.Lock()
	loopID := o.state.LoopID
	prompt := o.state.Prompt
	o.mu.Unlock()

	base, mode, ok := workflows.SeedSettings(prompt)
	if !ok {
		return 0, mode, false
	}
	return workflows.Seed(loopID, cycle, retry, base, mode), mode, true
}
