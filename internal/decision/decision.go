// Package decision picks decision targets and plans what happens after an
// operator verdict. Everything here is pure; the orchestrator performs the
// backend calls.
package decision

import (
	"errors"
	"fmt"

	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
)

var (
	// ErrNoEntries is returned when the target cycle has nothing to decide on.
	ErrNoEntries = errors.New("cycle has no manifest entries")

	// ErrEntryNotFound is returned when an explicit target is not in the manifest.
	ErrEntryNotFound = errors.New("manifest entry not found")
)

// Action is the automatic follow-up chosen after a decision.
type Action string

const (
	// ActionNone leaves the loop as is.
	ActionNone Action = "none"
	// ActionAdvance steps the next cycle that needs generation.
	ActionAdvance Action = "advance"
	// ActionLaunchRetry steps the next retry of the decided cycle now.
	ActionLaunchRetry Action = "launch_retry"
	// ActionArmRetry arms a retry candidate for operator confirmation.
	ActionArmRetry Action = "arm_retry"
)

// No-op reasons.
const (
	ReasonAlreadyDecided = "already_decided"
	ReasonNotAwaiting    = "not_awaiting"
	ReasonInFlight       = "in_flight"
	ReasonRecorded       = "recorded"
	ReasonLoopComplete   = "loop_complete"
	ReasonNoGeneration   = "no_generation_needed"
	ReasonKeepOperator   = "operator_confirmation"
)

// Response is the backend's answer to a decision call.
type Response struct {
	NextCycleIndex  *int  `json:"next_cycle_index,omitempty"`
	NextRetryIndex  *int  `json:"next_retry_index,omitempty"`
	NeedsGeneration *bool `json:"needs_generation,omitempty"`
}

// Outcome is the plan the orchestrator applies after a decision.
type Outcome struct {
	Action Action          `json:"action"`
	Target models.EntryKey `json:"target"`

	// Launch is the (cycle, retry) to step. Retry < 0 lets the backend choose.
	Launch *models.EntryKey `json:"launch,omitempty"`

	// Arm is the candidate to arm for ActionArmRetry.
	Arm *models.RetryCandidate `json:"arm,omitempty"`

	// FocusCycle moves the operator's focus, when set.
	FocusCycle *int `json:"focus_cycle,omitempty"`

	ClearCandidate bool   `json:"clear_candidate,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Noop reports whether the outcome skips the backend call entirely.
func (o Outcome) Noop() bool {
	if o.Action != ActionNone {
		return false
	}
	switch o.Reason {
	case ReasonAlreadyDecided, ReasonNotAwaiting, ReasonInFlight:
		return true
	}
	return false
}

// SelectTarget picks the entry a decision applies to when no explicit
// (cycle, retry) is given: the most recent returned entry of the cycle still
// awaiting a verdict, else the most recent entry of the cycle.
func SelectTarget(view manifest.View, cycle int) (models.ManifestEntry, error) {
	cv, ok := view.Cycle(cycle)
	if !ok || len(cv.ByRecency) == 0 {
		return models.ManifestEntry{}, fmt.Errorf("cycle %d: %w", cycle, ErrNoEntries)
	}
	for _, entry := range cv.ByRecency {
		if entry.Awaiting() {
			return entry, nil
		}
	}
	return cv.ByRecency[0], nil
}

// Lookup finds the entry for an explicit target.
func Lookup(view manifest.View, key models.EntryKey) (models.ManifestEntry, error) {
	if cv, ok := view.Cycle(key.Cycle); ok {
		if entry, found := cv.Entry(key.Retry); found {
			return entry, nil
		}
	}
	return models.ManifestEntry{}, fmt.Errorf("%s: %w", key, ErrEntryNotFound)
}

// Check returns a no-op outcome when the decision must not be sent. The
// second return is false when the decision may proceed.
//
// Every choice is skipped when the entry already carries it. Approve, reject
// and discard also need a returned entry still waiting for a verdict. Replay
// launches a fresh retry, so it applies to any entry whose attempt is over,
// including rejected and failed ones.
func Check(entry models.ManifestEntry, choice models.Decision) (Outcome, bool) {
	if entry.Decision == choice {
		return Outcome{Action: ActionNone, Target: entry.Key(), Reason: ReasonAlreadyDecided}, true
	}
	if choice == models.DecisionReplay {
		if entry.Status.IsPending() {
			return Outcome{Action: ActionNone, Target: entry.Key(), Reason: ReasonInFlight}, true
		}
		return Outcome{}, false
	}
	if !entry.Awaiting() {
		return Outcome{Action: ActionNone, Target: entry.Key(), Reason: ReasonNotAwaiting}, true
	}
	return Outcome{}, false
}

// Plan chooses the follow-up for a decision that the backend accepted.
// before is the view the target was chosen from, after the refreshed view.
func Plan(choice models.Decision, target models.ManifestEntry, before, after manifest.View, resp Response) Outcome {
	key := target.Key()
	switch choice {
	case models.DecisionApprove:
		return planApprove(key, after, resp)
	case models.DecisionReject:
		return planReject(key, before, after)
	case models.DecisionReplay:
		retry := nextRetry(before, after, key.Cycle)
		return Outcome{
			Action:         ActionLaunchRetry,
			Target:         key,
			Launch:         &models.EntryKey{Cycle: key.Cycle, Retry: retry},
			ClearCandidate: true,
		}
	default:
		return Outcome{Action: ActionNone, Target: key, Reason: ReasonRecorded}
	}
}

func planApprove(key models.EntryKey, after manifest.View, resp Response) Outcome {
	outcome := Outcome{Target: key, ClearCandidate: true}

	focus := after.EffectiveCurrentCycle
	if resp.NextCycleIndex != nil {
		focus = *resp.NextCycleIndex
	} else if next, ok := after.FirstUnapprovedCycle(); ok {
		focus = next
	}
	outcome.FocusCycle = &focus

	if focus >= after.TotalCycles {
		outcome.Action = ActionNone
		outcome.Reason = ReasonLoopComplete
		return outcome
	}

	needsGeneration := false
	if resp.NeedsGeneration != nil {
		needsGeneration = *resp.NeedsGeneration
	} else if cv, ok := after.Cycle(focus); ok {
		needsGeneration = !cv.HasPending && !cv.HasAwaiting() && !cv.Approved
	}
	if !needsGeneration {
		outcome.Action = ActionNone
		outcome.Reason = ReasonNoGeneration
		return outcome
	}

	retry := -1
	if resp.NextRetryIndex != nil {
		retry = *resp.NextRetryIndex
	}
	outcome.Action = ActionAdvance
	outcome.Launch = &models.EntryKey{Cycle: focus, Retry: retry}
	return outcome
}

func planReject(key models.EntryKey, before, after manifest.View) Outcome {
	retry := nextRetry(before, after, key.Cycle)

	wasLatest := false
	if cv, ok := before.Cycle(key.Cycle); ok {
		wasLatest = key.Retry == cv.MaxRetry()
	}
	cv, _ := after.Cycle(key.Cycle)
	settled := !cv.Approved && !cv.HasPending && !cv.HasAwaiting()

	if wasLatest && settled {
		return Outcome{
			Action:         ActionLaunchRetry,
			Target:         key,
			Launch:         &models.EntryKey{Cycle: key.Cycle, Retry: retry},
			ClearCandidate: true,
		}
	}
	return Outcome{
		Action: ActionArmRetry,
		Target: key,
		Arm:    &models.RetryCandidate{CycleIndex: key.Cycle, RetryIndex: retry},
		Reason: ReasonKeepOperator,
	}
}

// nextRetry never reuses an index seen in either snapshot.
func nextRetry(before, after manifest.View, cycle int) int {
	retry := 0
	if cv, ok := before.Cycle(cycle); ok && cv.NextRetry > retry {
		retry = cv.NextRetry
	}
	if cv, ok := after.Cycle(cycle); ok && cv.NextRetry > retry {
		retry = cv.NextRetry
	}
	return retry
}
