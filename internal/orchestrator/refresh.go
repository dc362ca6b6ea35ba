package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/poller"
)

// Refresh fetches the selected loop and reconciles it.
func (o *Orchestrator) Refresh(ctx context.Context) (manifest.View, error) {
	return o.refreshDetail(ctx)
}

func (o *Orchestrator) refreshDetail(ctx context.Context) (manifest.View, error) {
	loopID, generation, err := o.loopContext()
	if err != nil {
		return manifest.View{}, err
	}

	detail, err := o.backend.GetLoop(ctx, loopID)
	if err != nil {
		o.logger.Warn().Err(err).Str("loop_id", loopID).Msg("refresh failed")
		return o.View(), o.fail(err)
	}

	o.mu.Lock()
	if generation != o.generation || loopID != o.state.LoopID {
		o.mu.Unlock()
		o.logger.Debug().Str("loop_id", loopID).Msg("discarding stale loop detail")
		return manifest.View{}, ErrStaleResponse
	}
	changed, advance := o.applyDetailLocked(detail)
	view := o.viewLocked()
	o.mu.Unlock()

	if changed {
		o.persist(ctx)
	}
	if advance {
		o.scheduleAdvance()
	}
	o.notify()
	return view, nil
}

// applyDetailLocked stores a fresh detail and drops intent the server has
// overtaken. It reports whether persisted intent changed and whether the
// pipeline's execute step just finished.
func (o *Orchestrator) applyDetailLocked(detail *models.LoopDetail) (changed, advance bool) {
	o.state.Detail = detail
	view := o.viewLocked()

	if (o.state.RetryCandidate == nil) != (view.RetryCandidate == nil) {
		changed = true
	}
	o.state.RetryCandidate = view.RetryCandidate

	if view.PendingLaunchExpired && o.state.PendingLaunch != nil {
		key := o.state.PendingLaunch.Key()
		o.state.Status = fmt.Sprintf("Launch %s not confirmed within %s", key, o.config.PendingLaunchTTL)
		o.logger.Warn().Str("loop_id", detail.LoopID).Str("entry", key.String()).Msg("pending launch expired")
	}
	o.state.PendingLaunch = view.PendingLaunch

	if o.awaitPromptID != "" && o.state.Progress.PromptID == o.awaitPromptID {
		for _, entry := range view.Manifest {
			if entry.PromptID != o.awaitPromptID {
				continue
			}
			switch entry.Status {
			case models.EntryStatusReturned:
				if o.state.Progress.Status != events.ProgressDone {
					o.state.Progress.Status = events.ProgressDone
					o.state.Progress.Node = ""
				}
			case models.EntryStatusFailed:
				o.state.Progress.Status = events.ProgressError
				o.state.Progress.Message = entry.Info
			}
		}
	}

	if o.state.Run.Active() && view.Complete() {
		if step, ok := o.activeStepLocked(); ok && step.Role == models.StepRoleExecute {
			advance = true
		}
	}
	return changed, advance
}

// awaitDoneLocked reports whether the auto-refresh has nothing left to wait for.
func (o *Orchestrator) awaitDoneLocked(view manifest.View) bool {
	if view.Complete() {
		return true
	}
	if o.awaitPromptID != "" {
		for _, entry := range view.Manifest {
			if entry.PromptID == o.awaitPromptID {
				return !entry.Status.IsPending()
			}
		}
		return false
	}
	if view.PendingLaunch != nil {
		return false
	}
	for _, cycle := range view.Cycles {
		if cycle.HasPending {
			return false
		}
	}
	return true
}

// startAutoRefresh polls the loop until promptID is observed settled.
func (o *Orchestrator) startAutoRefresh(promptID string) {
	o.mu.Lock()
	o.awaitPromptID = promptID
	o.mu.Unlock()
	if _, err := o.refresh.Restart(o.ctx); err != nil {
		o.logger.Warn().Err(err).Msg("failed to start auto-refresh")
	}
}

func (o *Orchestrator) stopAutoRefresh() {
	_ = o.refresh.Stop()
	o.mu.Lock()
	o.awaitPromptID = ""
	o.mu.Unlock()
}

func (o *Orchestrator) refreshTick(ctx context.Context, session uint64) (bool, error) {
	view, err := o.refreshDetail(ctx)
	if errors.Is(err, ErrStaleResponse) || errors.Is(err, ErrNoLoop) {
		return true, nil
	}
	if !o.refresh.Current(session) {
		o.logger.Debug().Uint64("session", session).Msg("auto-refresh session superseded")
		return true, poller.ErrStaleResponse
	}
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	done := o.awaitDoneLocked(view)
	o.mu.Unlock()
	return done, nil
}

func (o *Orchestrator) refreshFinished(result poller.Result) {
	if errors.Is(result.Err, poller.ErrMaxAttempts) {
		o.setStatus(fmt.Sprintf("Auto-refresh stopped after %d attempts; refresh manually", result.Attempts))
		o.notify()
	}
}

// HandleEvent folds a backend execution event into the progress state and
// refreshes the loop when the event means its manifest changed.
func (o *Orchestrator) HandleEvent(event events.Event) {
	o.mu.Lock()
	loopID := o.state.LoopID
	tracked := o.state.Progress.PromptID
	if tracked != "" && (event.PromptID == "" || event.PromptID == tracked) {
		o.state.Progress = o.state.Progress.Apply(event)
	}
	o.mu.Unlock()

	relevant := false
	switch event.Type {
	case events.TypeLoopUpdated:
		relevant = loopID != "" && event.LoopID == loopID
	case events.TypeExecutionSuccess, events.TypeExecutionError:
		relevant = tracked != "" && event.PromptID == tracked
	case events.TypeExecuting:
		relevant = event.Node == "" && tracked != "" && event.PromptID == tracked
	}

	if !relevant {
		if tracked != "" && event.PromptID == tracked {
			o.notify()
		}
		return
	}
	if o.refresh.IsRunning() {
		o.refresh.Trigger()
		return
	}
	o.goRefresh()
}

// goRefresh refreshes in the background unless one is already running.
func (o *Orchestrator) goRefresh() {
	if o.ctx.Err() != nil || !o.eventRefresh.TryAcquire() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.eventRefresh.Release()
		if _, err := o.refreshDetail(o.ctx); err != nil && !errors.Is(err, ErrStaleResponse) {
			o.logger.Debug().Err(err).Msg("event refresh failed")
		}
	}()
}
