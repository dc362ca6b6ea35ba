// Package manifest reconciles server loop snapshots with local launch intent.
package manifest

import (
	"time"

	"github.com/tOgg1/loopdeck/internal/models"
)

// DefaultBusyWindow is how long a fresh launch suppresses the replay affordance.
const DefaultBusyWindow = 900 * time.Millisecond

// Suppression reasons for the replay affordance.
const (
	SuppressedNoLoop   = "no_loop"
	SuppressedPending  = "pending"
	SuppressedBusy     = "busy"
	SuppressedComplete = "complete"
)

// Launch marks the most recent step or replay call.
type Launch struct {
	CycleIndex int
	At         time.Time
}

// Intent is the orchestrator's local, not yet confirmed, state.
type Intent struct {
	SelectedCycle  *int
	RetryCandidate *models.RetryCandidate
	PendingLaunch  *models.PendingLaunch
	LastLaunch     *Launch
	BusyWindow     time.Duration
}

// CycleView is the reconciled state of one cycle.
type CycleView struct {
	Index int `json:"cycle_index"`

	// Entries are sorted by retry index.
	Entries []models.ManifestEntry `json:"entries"`

	// ByRecency lists the same entries newest first; ties keep arrival order
	// with the later arrival first.
	ByRecency []models.ManifestEntry `json:"-"`

	Approved   bool `json:"approved"`
	HasPending bool `json:"has_pending"`
	NextRetry  int  `json:"next_retry"`
}

// Latest returns the newest entry of the cycle.
func (c CycleView) Latest() (models.ManifestEntry, bool) {
	if len(c.ByRecency) == 0 {
		return models.ManifestEntry{}, false
	}
	return c.ByRecency[0], true
}

// MaxRetry returns the highest observed retry index, or -1.
func (c CycleView) MaxRetry() int {
	return c.NextRetry - 1
}

// Entry returns the entry at retry, if present.
func (c CycleView) Entry(retry int) (models.ManifestEntry, bool) {
	for _, entry := range c.Entries {
		if entry.RetryIndex == retry {
			return entry, true
		}
	}
	return models.ManifestEntry{}, false
}

// HasAwaiting reports whether any entry still waits for a verdict.
func (c CycleView) HasAwaiting() bool {
	for _, entry := range c.Entries {
		if entry.Awaiting() {
			return true
		}
	}
	return false
}

// View is the derived, UI-facing runtime state of one loop.
type View struct {
	LoopID       string            `json:"loop_id"`
	ServerStatus models.LoopStatus `json:"server_status"`
	Status       models.LoopStatus `json:"status"`
	TotalCycles  int               `json:"total_cycles"`

	// Manifest holds one entry per (cycle, retry) in arrival order.
	Manifest []models.ManifestEntry `json:"manifest"`
	Cycles   []CycleView            `json:"cycles"`

	EffectiveCurrentCycle int `json:"effective_current_cycle"`
	FocusCycle            int `json:"focus_cycle"`
	NextRetryIndex        int `json:"next_retry_index"`

	ReplayOffered    bool   `json:"replay_offered"`
	ReplaySuppressed string `json:"replay_suppressed,omitempty"`
	BusyGuardActive  bool   `json:"busy_guard_active"`

	// RetryCandidate and PendingLaunch are the intents still valid after
	// reconciliation; nil means the orchestrator should drop its copy.
	RetryCandidate       *models.RetryCandidate `json:"retry_candidate,omitempty"`
	PendingLaunch        *models.PendingLaunch  `json:"pending_launch,omitempty"`
	PendingLaunchExpired bool                   `json:"pending_launch_expired,omitempty"`

	ApprovedCycles int     `json:"approved_cycles"`
	Percent        float64 `json:"percent"`
	LastError      string  `json:"last_error,omitempty"`
}

// Cycle returns the view of cycle index, if it is in range.
func (v View) Cycle(index int) (CycleView, bool) {
	if index < 0 || index >= len(v.Cycles) {
		return CycleView{}, false
	}
	return v.Cycles[index], true
}

// Focus returns the focused cycle view.
func (v View) Focus() (CycleView, bool) {
	return v.Cycle(v.FocusCycle)
}

// FirstUnapprovedCycle returns the first cycle within total_cycles lacking an
// approved entry.
func (v View) FirstUnapprovedCycle() (int, bool) {
	for i := 0; i < v.TotalCycles; i++ {
		if i >= len(v.Cycles) || !v.Cycles[i].Approved {
			return i, true
		}
	}
	return 0, false
}

// Complete reports whether the loop is done from the client's point of view.
func (v View) Complete() bool {
	return v.Status == models.LoopStatusComplete
}
