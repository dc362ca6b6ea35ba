package looptui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/decision"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
)

type decideCall struct {
	choice models.Decision
	target *models.EntryKey
}

type fakeController struct {
	mu        sync.Mutex
	snapshot  orchestrator.Snapshot
	decides   []decideCall
	steps     []int
	selected  []*int
	resets    int
	completed []string
	decideErr error
}

func (f *fakeController) Snapshot() orchestrator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeController) Subscribe(orchestrator.Subscriber) {}

func (f *fakeController) Refresh(context.Context) (manifest.View, error) {
	return f.Snapshot().View, nil
}

func (f *fakeController) Step(_ context.Context, cycle, _ *int) (*client.StepResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, *cycle)
	retry := 0
	return &client.StepResponse{PromptID: "p-1", CycleIndex: cycle, RetryIndex: &retry}, nil
}

func (f *fakeController) Decide(_ context.Context, choice models.Decision, target *models.EntryKey) (decision.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decides = append(f.decides, decideCall{choice: choice, target: target})
	if f.decideErr != nil {
		return decision.Outcome{}, f.decideErr
	}
	return decision.Outcome{Action: decision.ActionNone, Target: *target}, nil
}

func (f *fakeController) LaunchCandidate(context.Context) (*client.StepResponse, error) {
	return &client.StepResponse{PromptID: "p-2"}, nil
}

func (f *fakeController) SelectCycle(cycle *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, cycle)
	if cycle != nil {
		f.snapshot.View.FocusCycle = *cycle
	}
}

func (f *fakeController) Reset(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeController) Export(context.Context) (*client.ExportResponse, error) {
	return &client.ExportResponse{Count: 2, Folder: "loopdeck_export/abc"}, nil
}

func (f *fakeController) StartPipeline(context.Context) error { return nil }

func (f *fakeController) CompleteStep(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeController) SelectStep(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot.State.SelectedStepID = id
}

func testEntry(cycle, retry int, status models.EntryStatus, d models.Decision, updated float64) models.ManifestEntry {
	return models.ManifestEntry{
		CycleIndex: cycle,
		RetryIndex: retry,
		Status:     status,
		Decision:   d,
		UpdatedAt:  updated,
	}
}

func testSnapshot() orchestrator.Snapshot {
	detail := &models.LoopDetail{
		LoopID:      "loop-1234567890",
		Status:      models.LoopStatusIdle,
		TotalCycles: 3,
		Manifest: []models.ManifestEntry{
			testEntry(0, 0, models.EntryStatusReturned, models.DecisionReject, 10),
			testEntry(0, 1, models.EntryStatusReturned, "", 20),
		},
	}
	return orchestrator.Snapshot{
		State: orchestrator.State{LoopID: detail.LoopID, Detail: detail},
		View:  manifest.Reconcile(detail, manifest.Intent{}, time.Now()),
	}
}

func newTestModel(ctrl *fakeController) model {
	return newModel(context.Background(), ctrl, Config{RefreshInterval: time.Second})
}

func updateModel(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	next, ok := updated.(model)
	if !ok {
		t.Fatalf("unexpected model type %T", updated)
	}
	return next, cmd
}

func runKey(t *testing.T, m model, r rune) (model, tea.Cmd) {
	t.Helper()
	return updateModel(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
}

// finish runs a command returned by a key and feeds its result back.
func finish(t *testing.T, m model, cmd tea.Cmd) model {
	t.Helper()
	if cmd == nil {
		t.Fatalf("expected a command")
	}
	msg := cmd()
	if _, ok := msg.(resultMsg); !ok {
		t.Fatalf("expected resultMsg, got %T", msg)
	}
	m, _ = updateModel(t, m, msg)
	return m
}

func TestSelectionStartsOnLatestEntry(t *testing.T) {
	ctrl := &fakeController{snapshot: testSnapshot()}
	m := newTestModel(ctrl)

	if m.selected == nil || *m.selected != (models.EntryKey{Cycle: 0, Retry: 1}) {
		t.Fatalf("expected latest entry selected, got %v", m.selected)
	}

	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if *m.selected != (models.EntryKey{Cycle: 0, Retry: 0}) {
		t.Fatalf("expected cursor to move up, got %v", *m.selected)
	}
	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if *m.selected != (models.EntryKey{Cycle: 0, Retry: 0}) {
		t.Fatalf("expected cursor to stay at the first entry, got %v", *m.selected)
	}
}

func TestDecisionKeysTargetSelectedEntry(t *testing.T) {
	tests := []struct {
		key    rune
		choice models.Decision
	}{
		{'a', models.DecisionApprove},
		{'r', models.DecisionReject},
		{'p', models.DecisionReplay},
		{'d', models.DecisionDiscard},
	}
	for _, tt := range tests {
		t.Run(string(tt.choice), func(t *testing.T) {
			ctrl := &fakeController{snapshot: testSnapshot()}
			m := newTestModel(ctrl)

			m, cmd := runKey(t, m, tt.key)
			if m.busy != 1 {
				t.Fatalf("expected busy while the decision runs, got %d", m.busy)
			}
			m = finish(t, m, cmd)
			if m.busy != 0 {
				t.Fatalf("expected idle after the result, got %d", m.busy)
			}

			if len(ctrl.decides) != 1 {
				t.Fatalf("expected one decision, got %d", len(ctrl.decides))
			}
			call := ctrl.decides[0]
			if call.choice != tt.choice {
				t.Fatalf("expected %s, got %s", tt.choice, call.choice)
			}
			if call.target == nil || *call.target != (models.EntryKey{Cycle: 0, Retry: 1}) {
				t.Fatalf("expected target (0,1), got %v", call.target)
			}
		})
	}
}

func TestDecisionErrorIsShown(t *testing.T) {
	ctrl := &fakeController{snapshot: testSnapshot(), decideErr: errors.New("backend unreachable")}
	m := newTestModel(ctrl)

	m, cmd := runKey(t, m, 'a')
	m = finish(t, m, cmd)
	if m.err == nil {
		t.Fatalf("expected error to be kept")
	}
	if !strings.Contains(m.statusLine(), "backend unreachable") {
		t.Fatalf("expected error in status line, got %q", m.statusLine())
	}
}

func TestCycleNavigationSelectsCycle(t *testing.T) {
	ctrl := &fakeController{snapshot: testSnapshot()}
	m := newTestModel(ctrl)

	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyRight})
	if len(ctrl.selected) != 1 || ctrl.selected[0] == nil || *ctrl.selected[0] != 1 {
		t.Fatalf("expected cycle 1 selected, got %v", ctrl.selected)
	}
	if m.snapshot.View.FocusCycle != 1 {
		t.Fatalf("expected focus on cycle 1, got %d", m.snapshot.View.FocusCycle)
	}
	if m.selected != nil {
		t.Fatalf("expected no entry selected on an empty cycle, got %v", *m.selected)
	}

	m, _ = runKey(t, m, 'f')
	if len(ctrl.selected) != 2 || ctrl.selected[1] != nil {
		t.Fatalf("expected follow to clear the selection, got %v", ctrl.selected)
	}
	if m.status != "Following the loop" {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestStepLaunchesFocusedCycle(t *testing.T) {
	ctrl := &fakeController{snapshot: testSnapshot()}
	m := newTestModel(ctrl)

	m, cmd := runKey(t, m, 's')
	m = finish(t, m, cmd)
	if len(ctrl.steps) != 1 || ctrl.steps[0] != 0 {
		t.Fatalf("expected a step on cycle 0, got %v", ctrl.steps)
	}
	if m.status != "Launched cycle 1 retry 0" {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	ctrl := &fakeController{snapshot: testSnapshot()}
	m := newTestModel(ctrl)

	m, cmd := runKey(t, m, 'X')
	if m.mode != modeConfirm || m.confirm == nil || cmd != nil {
		t.Fatalf("expected confirm mode without a command")
	}
	if m.confirm.Prompt != "Reset loop loop-123? Every attempt is dropped. [y/N]" {
		t.Fatalf("unexpected prompt %q", m.confirm.Prompt)
	}

	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.mode != modeMain || ctrl.resets != 0 {
		t.Fatalf("expected cancel to leave the loop alone")
	}

	m, _ = runKey(t, m, 'X')
	m, cmd = runKey(t, m, 'y')
	if m.mode != modeMain {
		t.Fatalf("expected main mode after confirm")
	}
	m = finish(t, m, cmd)
	if ctrl.resets != 1 {
		t.Fatalf("expected one reset, got %d", ctrl.resets)
	}
	if m.status != "Loop reset" {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestPipelinePanelCompletesSelectedStep(t *testing.T) {
	snapshot := testSnapshot()
	snapshot.State.Steps = []models.PipelineStep{
		{ID: "gen", Role: models.StepRoleGenerate, Workflow: "a.json", Ordinal: 1},
		{ID: "comp", Role: models.StepRoleComposition, Workflow: models.WorkflowNone, Ordinal: 2},
	}
	snapshot.State.SelectedStepID = "gen"
	ctrl := &fakeController{snapshot: snapshot}
	m := newTestModel(ctrl)

	m, cmd := updateModel(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Fatalf("enter on the manifest panel should do nothing")
	}

	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.panel != panelPipeline {
		t.Fatalf("expected pipeline panel")
	}
	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if m.stepCursor != 1 || ctrl.Snapshot().State.SelectedStepID != "comp" {
		t.Fatalf("expected comp selected, cursor %d", m.stepCursor)
	}

	m, cmd = updateModel(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	_ = finish(t, m, cmd)
	if len(ctrl.completed) != 1 || ctrl.completed[0] != "comp" {
		t.Fatalf("expected comp completed, got %v", ctrl.completed)
	}
}

func TestTabWithoutPipelineStaysOnManifest(t *testing.T) {
	m := newTestModel(&fakeController{snapshot: testSnapshot()})
	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.panel != panelManifest {
		t.Fatalf("expected manifest panel without steps")
	}
}

func TestSnapshotKeepsSelection(t *testing.T) {
	ctrl := &fakeController{snapshot: testSnapshot()}
	m := newTestModel(ctrl)
	m, _ = updateModel(t, m, tea.KeyMsg{Type: tea.KeyUp})

	next := testSnapshot()
	next.View.Cycles[0].Entries = append(next.View.Cycles[0].Entries, testEntry(0, 2, models.EntryStatusQueued, "", 30))
	m, cmd := updateModel(t, m, snapshotMsg{snapshot: next})
	if cmd == nil {
		t.Fatalf("expected the feed to be re-armed")
	}
	if *m.selected != (models.EntryKey{Cycle: 0, Retry: 0}) {
		t.Fatalf("expected selection kept, got %v", *m.selected)
	}
}

func TestSnapshotFeedKeepsNewest(t *testing.T) {
	feed := newSnapshotFeed()
	first := testSnapshot()
	second := testSnapshot()
	second.State.Status = "second"

	feed.publish(first)
	feed.publish(second)

	msg := feed.listen()()
	got, ok := msg.(snapshotMsg)
	if !ok {
		t.Fatalf("unexpected message %T", msg)
	}
	if got.snapshot.State.Status != "second" {
		t.Fatalf("expected newest snapshot, got %q", got.snapshot.State.Status)
	}
}

func TestViewRendersManifest(t *testing.T) {
	m := newTestModel(&fakeController{snapshot: testSnapshot()})
	m, _ = updateModel(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	out := m.View()
	for _, want := range []string{"loop loop-123", "Cycle 1", "retry 1", "reject"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in view:\n%s", want, out)
		}
	}

	empty := newTestModel(&fakeController{})
	if !strings.Contains(empty.View(), "No loop selected") {
		t.Fatalf("expected empty state")
	}
}

func TestTruncateLine(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "ab"},
		{"abc", 0, ""},
	}
	for _, tt := range tests {
		if got := truncateLine(tt.text, tt.width); got != tt.want {
			t.Fatalf("truncateLine(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
		}
	}
}
