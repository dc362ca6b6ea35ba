package manifest

import (
	"sort"
	"time"

	"github.com/tOgg1/loopdeck/internal/models"
)

// Reconcile merges a server snapshot with local intent into a View. It is
// pure: the same inputs always give the same view, and neither input is
// modified.
func Reconcile(detail *models.LoopDetail, intent Intent, now time.Time) View {
	if detail == nil {
		return View{Status: models.LoopStatusIdle, ReplaySuppressed: SuppressedNoLoop}
	}

	entries := Dedupe(detail.Manifest)
	view := View{
		LoopID:       detail.LoopID,
		ServerStatus: models.ParseLoopStatus(string(detail.Status)),
		TotalCycles:  detail.TotalCycles,
		Manifest:     entries,
		Cycles:       groupCycles(entries, detail.TotalCycles),
		LastError:    detail.LastError,
	}

	launch, expired := settleLaunch(intent.PendingLaunch, entries, now)
	view.PendingLaunch = launch
	view.PendingLaunchExpired = expired
	view.Status = EffectiveStatus(view.ServerStatus, hasPendingEntry(entries), launch != nil)

	view.EffectiveCurrentCycle = effectiveCurrentCycle(detail.CurrentCycle, view)
	view.FocusCycle = focusCycle(intent.SelectedCycle, view)
	if focus, ok := view.Focus(); ok {
		view.NextRetryIndex = focus.NextRetry
	}

	view.BusyGuardActive = busyGuardActive(intent, view.FocusCycle, now)
	view.ReplaySuppressed = replaySuppression(view, launch)
	view.ReplayOffered = view.ReplaySuppressed == ""
	view.RetryCandidate = validCandidate(intent.RetryCandidate, view)

	for i := 0; i < view.TotalCycles && i < len(view.Cycles); i++ {
		if view.Cycles[i].Approved {
			view.ApprovedCycles++
		}
	}
	if view.TotalCycles > 0 {
		view.Percent = float64(view.ApprovedCycles) * 100 / float64(view.TotalCycles)
	}
	return view
}

// EffectiveStatus derives the status that drives affordances. A failure maps
// to error. A running or idle label with nothing queued or running collapses
// to idle, unless a local launch is still in flight, which reads as queued.
func EffectiveStatus(server models.LoopStatus, hasPending, launchInFlight bool) models.LoopStatus {
	switch {
	case server.IsFailure():
		return models.LoopStatusError
	case (server == models.LoopStatusRunning || server == models.LoopStatusIdle) && !hasPending:
		if launchInFlight {
			return models.LoopStatusQueued
		}
		return models.LoopStatusIdle
	default:
		return server
	}
}

// Dedupe keeps one entry per (cycle, retry). The survivor is the entry with
// the highest timestamp, later arrivals winning ties, and it takes the
// position of the first arrival of its key.
func Dedupe(entries []models.ManifestEntry) []models.ManifestEntry {
	out := make([]models.ManifestEntry, 0, len(entries))
	positions := make(map[models.EntryKey]int, len(entries))
	for _, entry := range entries {
		entry.Normalize()
		if pos, exists := positions[entry.Key()]; exists {
			if entry.Timestamp() >= out[pos].Timestamp() {
				out[pos] = entry
			}
			continue
		}
		positions[entry.Key()] = len(out)
		out = append(out, entry)
	}
	return out
}

// Latest returns the newest entry: highest updated/created timestamp, ties
// resolved to the later position in entries.
func Latest(entries []models.ManifestEntry) (models.ManifestEntry, bool) {
	best := -1
	for i, entry := range entries {
		if best < 0 || entry.Timestamp() >= entries[best].Timestamp() {
			best = i
		}
	}
	if best < 0 {
		return models.ManifestEntry{}, false
	}
	return entries[best], true
}

func groupCycles(entries []models.ManifestEntry, total int) []CycleView {
	count := total
	for _, entry := range entries {
		if entry.CycleIndex+1 > count {
			count = entry.CycleIndex + 1
		}
	}
	if count < 0 {
		count = 0
	}

	type arrival struct {
		entry models.ManifestEntry
		order int
	}
	grouped := make([][]arrival, count)
	for i, entry := range entries {
		if entry.CycleIndex < 0 || entry.RetryIndex < 0 {
			continue
		}
		grouped[entry.CycleIndex] = append(grouped[entry.CycleIndex], arrival{entry: entry, order: i})
	}

	cycles := make([]CycleView, count)
	for index, items := range grouped {
		cycle := CycleView{Index: index}

		sort.SliceStable(items, func(i, j int) bool {
			return items[i].entry.RetryIndex < items[j].entry.RetryIndex
		})
		cycle.Entries = make([]models.ManifestEntry, 0, len(items))
		for _, item := range items {
			entry := item.entry
			cycle.Entries = append(cycle.Entries, entry)
			if entry.Decision == models.DecisionApprove {
				cycle.Approved = true
			}
			if entry.Status.IsPending() {
				cycle.HasPending = true
			}
			if entry.RetryIndex+1 > cycle.NextRetry {
				cycle.NextRetry = entry.RetryIndex + 1
			}
		}

		recency := append([]arrival(nil), items...)
		sort.SliceStable(recency, func(i, j int) bool {
			ti, tj := recency[i].entry.Timestamp(), recency[j].entry.Timestamp()
			if ti != tj {
				return ti > tj
			}
			return recency[i].order > recency[j].order
		})
		cycle.ByRecency = make([]models.ManifestEntry, 0, len(recency))
		for _, item := range recency {
			cycle.ByRecency = append(cycle.ByRecency, item.entry)
		}

		cycles[index] = cycle
	}
	return cycles
}

func hasPendingEntry(entries []models.ManifestEntry) bool {
	for _, entry := range entries {
		if entry.Status.IsPending() {
			return true
		}
	}
	return false
}

// settleLaunch drops a launch once the server shows its entry or its TTL runs out.
func settleLaunch(launch *models.PendingLaunch, entries []models.ManifestEntry, now time.Time) (*models.PendingLaunch, bool) {
	if launch == nil {
		return nil, false
	}
	for _, entry := range entries {
		if entry.Key() == launch.Key() {
			return nil, false
		}
		if launch.PromptID != "" && entry.PromptID == launch.PromptID {
			return nil, false
		}
	}
	if launch.Expired(now) {
		return nil, true
	}
	copied := *launch
	return &copied, false
}

// effectiveCurrentCycle prefers the server pointer, except when the server
// says 0 while the manifest shows later cycles still need work.
func effectiveCurrentCycle(server *int, view View) int {
	inferred, ok := view.FirstUnapprovedCycle()
	if !ok {
		inferred = view.TotalCycles
	}
	if server == nil || *server < 0 {
		return inferred
	}
	if *server == 0 && inferred > 0 {
		return inferred
	}
	return *server
}

func focusCycle(selected *int, view View) int {
	if selected != nil {
		index := *selected
		if cycle, ok := view.Cycle(index); ok && len(cycle.Entries) > 0 {
			return index
		}
		if index >= 0 && index < view.TotalCycles {
			return index
		}
	}
	return view.EffectiveCurrentCycle
}

func busyGuardActive(intent Intent, focus int, now time.Time) bool {
	if intent.LastLaunch == nil || intent.LastLaunch.CycleIndex != focus {
		return false
	}
	window := intent.BusyWindow
	if window <= 0 {
		window = DefaultBusyWindow
	}
	return now.Before(intent.LastLaunch.At.Add(window))
}

func replaySuppression(view View, launch *models.PendingLaunch) string {
	if view.Complete() {
		return SuppressedComplete
	}
	if focus, ok := view.Focus(); ok && focus.HasPending {
		return SuppressedPending
	}
	if launch != nil && launch.CycleIndex == view.FocusCycle {
		return SuppressedPending
	}
	if view.BusyGuardActive {
		return SuppressedBusy
	}
	if _, ok := view.Focus(); !ok {
		return SuppressedComplete
	}
	return ""
}

// validCandidate keeps an armed replay only while it targets the focused
// cycle and its retry has not been created yet.
func validCandidate(candidate *models.RetryCandidate, view View) *models.RetryCandidate {
	if candidate == nil || candidate.CycleIndex != view.FocusCycle {
		return nil
	}
	focus, ok := view.Focus()
	if !ok {
		return nil
	}
	if _, exists := focus.Entry(candidate.RetryIndex); exists {
		return nil
	}
	copied := *candidate
	return &copied
}
