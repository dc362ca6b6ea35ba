package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/loopdeck/internal/models"
)

var baseTime = time.Unix(1700000000, 0)

func intPtr(v int) *int { return &v }

func entry(cycle, retry int, status models.EntryStatus, decision models.Decision, ts float64) models.ManifestEntry {
	return models.ManifestEntry{
		CycleIndex: cycle,
		RetryIndex: retry,
		Status:     status,
		Decision:   decision,
		CreatedAt:  ts,
	}
}

func detail(status models.LoopStatus, total int, current *int, entries ...models.ManifestEntry) *models.LoopDetail {
	return &models.LoopDetail{
		LoopID:       "loop-1",
		Status:       status,
		TotalCycles:  total,
		CurrentCycle: current,
		Manifest:     entries,
	}
}

func TestReconcileNilDetail(t *testing.T) {
	view := Reconcile(nil, Intent{}, baseTime)
	assert.False(t, view.ReplayOffered)
	assert.Equal(t, SuppressedNoLoop, view.ReplaySuppressed)
}

func TestEffectiveStatus(t *testing.T) {
	tests := []struct {
		name       string
		server     models.LoopStatus
		hasPending bool
		inFlight   bool
		want       models.LoopStatus
	}{
		{name: "stale running", server: models.LoopStatusRunning, want: models.LoopStatusIdle},
		{name: "running with pending", server: models.LoopStatusRunning, hasPending: true, want: models.LoopStatusRunning},
		{name: "idle bridged by launch", server: models.LoopStatusIdle, inFlight: true, want: models.LoopStatusQueued},
		{name: "stale running bridged", server: models.LoopStatusRunning, inFlight: true, want: models.LoopStatusQueued},
		{name: "failed", server: models.LoopStatusFailed, hasPending: true, want: models.LoopStatusError},
		{name: "error", server: models.LoopStatusError, want: models.LoopStatusError},
		{name: "complete", server: models.LoopStatusComplete, want: models.LoopStatusComplete},
		{name: "queued mirrors", server: models.LoopStatusQueued, want: models.LoopStatusQueued},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveStatus(tt.server, tt.hasPending, tt.inFlight))
		})
	}
}

func TestReconcileDedupesEntries(t *testing.T) {
	d := detail(models.LoopStatusIdle, 2, intPtr(0),
		entry(0, 0, models.EntryStatusQueued, models.DecisionPending, 10),
		entry(0, 1, models.EntryStatusReturned, models.DecisionPending, 11),
		entry(0, 0, models.EntryStatusReturned, models.DecisionPending, 12),
		entry(0, 1, models.EntryStatusFailed, models.DecisionPending, 11),
	)

	view := Reconcile(d, Intent{}, baseTime)

	require.Len(t, view.Manifest, 2)
	seen := make(map[models.EntryKey]bool)
	for _, e := range view.Manifest {
		assert.False(t, seen[e.Key()], "duplicate %s", e.Key())
		seen[e.Key()] = true
	}
	assert.Equal(t, models.EntryStatusReturned, view.Manifest[0].Status)
	assert.Equal(t, models.EntryStatusFailed, view.Manifest[1].Status, "later arrival wins a timestamp tie")

	// Input must not be mutated.
	assert.Len(t, d.Manifest, 4)
}

func TestLatestTieBreak(t *testing.T) {
	entries := []models.ManifestEntry{
		entry(0, 0, models.EntryStatusReturned, models.DecisionPending, 5),
		entry(0, 2, models.EntryStatusReturned, models.DecisionPending, 7),
		entry(0, 1, models.EntryStatusReturned, models.DecisionPending, 7),
	}
	latest, ok := Latest(entries)
	require.True(t, ok)
	assert.Equal(t, 1, latest.RetryIndex)

	_, ok = Latest(nil)
	assert.False(t, ok)
}

func TestCycleViewOrdering(t *testing.T) {
	d := detail(models.LoopStatusIdle, 1, intPtr(0),
		entry(0, 2, models.EntryStatusReturned, models.DecisionPending, 30),
		entry(0, 0, models.EntryStatusReturned, models.DecisionReject, 10),
		entry(0, 1, models.EntryStatusReturned, models.DecisionReject, 30),
	)

	view := Reconcile(d, Intent{}, baseTime)
	cycle, ok := view.Cycle(0)
	require.True(t, ok)

	retries := []int{}
	for _, e := range cycle.Entries {
		retries = append(retries, e.RetryIndex)
	}
	assert.Equal(t, []int{0, 1, 2}, retries)

	latest, ok := cycle.Latest()
	require.True(t, ok)
	assert.Equal(t, 1, latest.RetryIndex, "ties resolve to arrival order")
	assert.Equal(t, 3, cycle.NextRetry)
	assert.Equal(t, 2, cycle.MaxRetry())
	assert.True(t, cycle.HasAwaiting())
}

func TestEffectiveCurrentCycle(t *testing.T) {
	approved := func(cycle int) models.ManifestEntry {
		return entry(cycle, 0, models.EntryStatusReturned, models.DecisionApprove, float64(cycle))
	}

	tests := []struct {
		name    string
		current *int
		entries []models.ManifestEntry
		want    int
	}{
		{name: "server pointer", current: intPtr(1), entries: []models.ManifestEntry{approved(0)}, want: 1},
		{name: "missing pointer infers", current: nil, entries: []models.ManifestEntry{approved(0), approved(1)}, want: 2},
		{name: "zero pointer loses to inferred", current: intPtr(0), entries: []models.ManifestEntry{approved(0), approved(1)}, want: 2},
		{name: "zero pointer kept when nothing approved", current: intPtr(0), want: 0},
		{name: "server ahead of inference", current: intPtr(2), entries: []models.ManifestEntry{approved(0)}, want: 2},
		{name: "all approved", current: nil, entries: []models.ManifestEntry{approved(0), approved(1), approved(2)}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := Reconcile(detail(models.LoopStatusIdle, 3, tt.current, tt.entries...), Intent{}, baseTime)
			assert.Equal(t, tt.want, view.EffectiveCurrentCycle)
		})
	}
}

func TestFocusCycle(t *testing.T) {
	d := detail(models.LoopStatusIdle, 3, intPtr(1),
		entry(0, 0, models.EntryStatusReturned, models.DecisionApprove, 1),
		entry(5, 0, models.EntryStatusReturned, models.DecisionPending, 2),
	)

	tests := []struct {
		name     string
		selected *int
		want     int
	}{
		{name: "no selection", selected: nil, want: 1},
		{name: "selection in range", selected: intPtr(2), want: 2},
		{name: "selection with entries beyond total", selected: intPtr(5), want: 5},
		{name: "selection out of range", selected: intPtr(4), want: 1},
		{name: "negative selection", selected: intPtr(-1), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := Reconcile(d, Intent{SelectedCycle: tt.selected}, baseTime)
			assert.Equal(t, tt.want, view.FocusCycle)
		})
	}
}

func TestReplayAffordance(t *testing.T) {
	returned := entry(1, 0, models.EntryStatusReturned, models.DecisionReject, 1)

	t.Run("offered when idle", func(t *testing.T) {
		view := Reconcile(detail(models.LoopStatusIdle, 3, intPtr(1), returned), Intent{}, baseTime)
		assert.True(t, view.ReplayOffered)
		assert.Equal(t, 1, view.NextRetryIndex)
	})

	t.Run("suppressed by pending entry", func(t *testing.T) {
		running := entry(1, 1, models.EntryStatusRunning, models.DecisionPending, 2)
		view := Reconcile(detail(models.LoopStatusRunning, 3, intPtr(1), returned, running), Intent{}, baseTime)
		assert.False(t, view.ReplayOffered)
		assert.Equal(t, SuppressedPending, view.ReplaySuppressed)
		assert.Equal(t, 2, view.NextRetryIndex)
	})

	t.Run("suppressed when complete", func(t *testing.T) {
		view := Reconcile(detail(models.LoopStatusComplete, 3, intPtr(1), returned), Intent{}, baseTime)
		assert.Equal(t, SuppressedComplete, view.ReplaySuppressed)
	})

	t.Run("busy guard only on launched cycle", func(t *testing.T) {
		intent := Intent{LastLaunch: &Launch{CycleIndex: 2, At: baseTime}}
		view := Reconcile(detail(models.LoopStatusIdle, 3, intPtr(1), returned), intent, baseTime)
		assert.True(t, view.ReplayOffered)
	})
}

func TestBusyGuardSuppressesReplayForWindow(t *testing.T) {
	// A returned, rejected retry is on screen; step(1, 1) was just issued and
	// the server has not shown the new entry yet.
	d := detail(models.LoopStatusIdle, 3, intPtr(1),
		entry(1, 0, models.EntryStatusReturned, models.DecisionReject, 1))
	intent := Intent{
		LastLaunch: &Launch{CycleIndex: 1, At: baseTime},
		BusyWindow: DefaultBusyWindow,
	}

	for elapsed := time.Duration(0); elapsed < DefaultBusyWindow; elapsed += 100 * time.Millisecond {
		view := Reconcile(d, intent, baseTime.Add(elapsed))
		assert.False(t, view.ReplayOffered, "offered after %s", elapsed)
		assert.True(t, view.BusyGuardActive)
	}

	view := Reconcile(d, intent, baseTime.Add(DefaultBusyWindow))
	assert.True(t, view.ReplayOffered)
	assert.False(t, view.BusyGuardActive)
}

func TestPendingLaunchSettlement(t *testing.T) {
	base := detail(models.LoopStatusIdle, 2, intPtr(0))
	launch := models.NewPendingLaunch(0, 0, baseTime, 15*time.Second)
	launch.PromptID = "prompt-1"

	t.Run("bridges to queued", func(t *testing.T) {
		view := Reconcile(base, Intent{PendingLaunch: launch}, baseTime.Add(time.Second))
		require.NotNil(t, view.PendingLaunch)
		assert.Equal(t, models.LoopStatusQueued, view.Status)
		assert.Equal(t, SuppressedPending, view.ReplaySuppressed)
	})

	t.Run("observed by key", func(t *testing.T) {
		d := detail(models.LoopStatusRunning, 2, intPtr(0), entry(0, 0, models.EntryStatusQueued, models.DecisionPending, 1))
		view := Reconcile(d, Intent{PendingLaunch: launch}, baseTime.Add(time.Second))
		assert.Nil(t, view.PendingLaunch)
		assert.False(t, view.PendingLaunchExpired)
		assert.Equal(t, models.LoopStatusRunning, view.Status)
	})

	t.Run("observed by prompt id", func(t *testing.T) {
		e := entry(0, 3, models.EntryStatusQueued, models.DecisionPending, 1)
		e.PromptID = "prompt-1"
		view := Reconcile(detail(models.LoopStatusRunning, 2, intPtr(0), e), Intent{PendingLaunch: launch}, baseTime)
		assert.Nil(t, view.PendingLaunch)
	})

	t.Run("expires", func(t *testing.T) {
		view := Reconcile(base, Intent{PendingLaunch: launch}, baseTime.Add(15*time.Second))
		assert.Nil(t, view.PendingLaunch)
		assert.True(t, view.PendingLaunchExpired)
		assert.Equal(t, models.LoopStatusIdle, view.Status)
	})
}

func TestRetryCandidateInvalidation(t *testing.T) {
	d := detail(models.LoopStatusIdle, 3, intPtr(2),
		entry(2, 0, models.EntryStatusReturned, models.DecisionReject, 1),
		entry(2, 1, models.EntryStatusReturned, models.DecisionReject, 2),
	)

	view := Reconcile(d, Intent{RetryCandidate: &models.RetryCandidate{CycleIndex: 2, RetryIndex: 2}}, baseTime)
	require.NotNil(t, view.RetryCandidate)
	assert.Equal(t, 2, view.RetryCandidate.RetryIndex)

	view = Reconcile(d, Intent{
		RetryCandidate: &models.RetryCandidate{CycleIndex: 2, RetryIndex: 2},
		SelectedCycle:  intPtr(0),
	}, baseTime)
	assert.Nil(t, view.RetryCandidate, "focus moved away")

	withEntry := detail(models.LoopStatusRunning, 3, intPtr(2),
		append(d.Manifest, entry(2, 2, models.EntryStatusRunning, models.DecisionPending, 3))...)
	view = Reconcile(withEntry, Intent{RetryCandidate: &models.RetryCandidate{CycleIndex: 2, RetryIndex: 2}}, baseTime)
	assert.Nil(t, view.RetryCandidate, "retry already launched")
}

func TestReconcileProgress(t *testing.T) {
	d := detail(models.LoopStatusIdle, 4, intPtr(2),
		entry(0, 0, models.EntryStatusReturned, models.DecisionApprove, 1),
		entry(1, 0, models.EntryStatusReturned, models.DecisionDiscard, 2),
		entry(1, 1, models.EntryStatusReturned, models.DecisionApprove, 3),
	)
	view := Reconcile(d, Intent{}, baseTime)
	assert.Equal(t, 2, view.ApprovedCycles)
	assert.InDelta(t, 50.0, view.Percent, 1e-9)

	next, ok := view.FirstUnapprovedCycle()
	require.True(t, ok)
	assert.Equal(t, 2, next)
}

func TestReconcileDeterministic(t *testing.T) {
	d := detail(models.LoopStatusRunning, 3, intPtr(1),
		entry(0, 0, models.EntryStatusReturned, models.DecisionApprove, 1),
		entry(1, 0, models.EntryStatusRunning, models.DecisionPending, 2),
	)
	intent := Intent{LastLaunch: &Launch{CycleIndex: 1, At: baseTime}}
	assert.Equal(t, Reconcile(d, intent, baseTime), Reconcile(d, intent, baseTime))
}
