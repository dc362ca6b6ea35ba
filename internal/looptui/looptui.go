// Package looptui is the interactive console for reviewing a loop: it shows
// the reconciled manifest of the selected loop, records decisions, launches
// attempts, and drives the pipeline around the loop.
package looptui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/tOgg1/loopdeck/internal/client"
	"github.com/tOgg1/loopdeck/internal/decision"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
)

const (
	defaultRefreshInterval = 2 * time.Second
	defaultCommandTimeout  = 30 * time.Second
)

// Controller is the part of the orchestrator the console drives.
// *orchestrator.Orchestrator implements it.
type Controller interface {
	Snapshot() orchestrator.Snapshot
	Subscribe(fn orchestrator.Subscriber)
	Refresh(ctx context.Context) (manifest.View, error)
	Step(ctx context.Context, cycle, retry *int) (*client.StepResponse, error)
	Decide(ctx context.Context, choice models.Decision, target *models.EntryKey) (decision.Outcome, error)
	LaunchCandidate(ctx context.Context) (*client.StepResponse, error)
	SelectCycle(cycle *int)
	Reset(ctx context.Context, keepWorkflow bool) error
	Export(ctx context.Context) (*client.ExportResponse, error)
	StartPipeline(ctx context.Context) error
	CompleteStep(ctx context.Context, id string) error
	SelectStep(id string)
}

type Config struct {
	RefreshInterval time.Duration
	CommandTimeout  time.Duration
}

// Run opens the console on ctrl until the operator quits or ctx ends.
func Run(ctx context.Context, ctrl Controller, cfg Config) error {
	model := newModel(ctx, ctrl, cfg)
	ctrl.Subscribe(model.updates.publish)

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type panel int

const (
	panelManifest panel = iota
	panelPipeline
)

type mode int

const (
	modeMain mode = iota
	modeConfirm
)

type confirmState struct {
	Prompt string
	Action func() tea.Cmd
}

type model struct {
	ctx             context.Context
	ctrl            Controller
	updates         *snapshotFeed
	refreshInterval time.Duration
	commandTimeout  time.Duration

	snapshot orchestrator.Snapshot
	panel    panel
	mode     mode
	confirm  *confirmState

	// selected is the manifest entry under the cursor; it survives
	// snapshots as long as the entry stays in the focused cycle.
	selected   *models.EntryKey
	stepCursor int

	busy     int
	status   string
	err      error
	help     help.Model
	width    int
	height   int
	quitting bool
}

type snapshotMsg struct {
	snapshot orchestrator.Snapshot
}

type resultMsg struct {
	status string
	err    error
}

type tickMsg struct{}

func newModel(ctx context.Context, ctrl Controller, cfg Config) model {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m := model{
		ctx:             ctx,
		ctrl:            ctrl,
		updates:         newSnapshotFeed(),
		refreshInterval: cfg.RefreshInterval,
		commandTimeout:  cfg.CommandTimeout,
		help:            help.New(),
	}
	if ctrl != nil {
		m.snapshot = ctrl.Snapshot()
		m.syncSelection()
	}
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.updates.listen(), m.refreshCmd(), m.tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil
	case snapshotMsg:
		m.snapshot = msg.snapshot
		m.syncSelection()
		return m, m.updates.listen()
	case resultMsg:
		if m.busy > 0 {
			m.busy--
		}
		m.err = msg.err
		if msg.status != "" {
			m.status = msg.status
		}
		m.snapshot = m.ctrl.Snapshot()
		m.syncSelection()
		return m, nil
	case tickMsg:
		if m.busy > 0 {
			return m, m.tickCmd()
		}
		return m, tea.Batch(m.refreshCmd(), m.tickCmd())
	case tea.KeyMsg:
		if m.mode == modeConfirm {
			return m.updateConfirm(msg)
		}
		return m.updateMain(msg)
	}
	return m, nil
}

func (m model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Confirm):
		action := m.confirm.Action
		m.mode = modeMain
		m.confirm = nil
		return m, action()
	case key.Matches(msg, keys.Cancel), key.Matches(msg, keys.Quit):
		m.mode = modeMain
		m.confirm = nil
		m.status = "Cancelled"
	}
	return m, nil
}

func (m model) updateMain(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	view := m.snapshot.View
	switch {
	case key.Matches(msg, keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, keys.Panel):
		if m.panel == panelManifest && len(m.snapshot.State.Steps) > 0 {
			m.panel = panelPipeline
		} else {
			m.panel = panelManifest
		}
	case key.Matches(msg, keys.Up):
		m.moveCursor(-1)
	case key.Matches(msg, keys.Down):
		m.moveCursor(1)
	case key.Matches(msg, keys.PrevCycle):
		if view.FocusCycle > 0 {
			m.focusCycle(view.FocusCycle - 1)
		}
	case key.Matches(msg, keys.NextCycle):
		if view.FocusCycle < view.TotalCycles-1 {
			m.focusCycle(view.FocusCycle + 1)
		}
	case key.Matches(msg, keys.Follow):
		m.ctrl.SelectCycle(nil)
		m.selected = nil
		m.snapshot = m.ctrl.Snapshot()
		m.syncSelection()
		m.status = "Following the loop"
	case key.Matches(msg, keys.Approve):
		return m.decide(models.DecisionApprove)
	case key.Matches(msg, keys.Reject):
		return m.decide(models.DecisionReject)
	case key.Matches(msg, keys.Replay):
		return m.decide(models.DecisionReplay)
	case key.Matches(msg, keys.Discard):
		return m.decide(models.DecisionDiscard)
	case key.Matches(msg, keys.Step):
		cycle := view.FocusCycle
		return m.run(func(ctx context.Context) (string, error) {
			resp, err := m.ctrl.Step(ctx, &cycle, nil)
			if err != nil {
				return "", err
			}
			return launchStatus(resp), nil
		})
	case key.Matches(msg, keys.Candidate):
		return m.run(func(ctx context.Context) (string, error) {
			resp, err := m.ctrl.LaunchCandidate(ctx)
			if err != nil {
				return "", err
			}
			return launchStatus(resp), nil
		})
	case key.Matches(msg, keys.Refresh):
		return m, m.refreshCmd()
	case key.Matches(msg, keys.Export):
		return m.run(func(ctx context.Context) (string, error) {
			resp, err := m.ctrl.Export(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Exported %d approved outputs to %s", resp.Count, resp.Folder), nil
		})
	case key.Matches(msg, keys.Reset):
		m.mode = modeConfirm
		m.confirm = &confirmState{
			Prompt: fmt.Sprintf("Reset loop %s? Every attempt is dropped. [y/N]", shortID(view.LoopID)),
			Action: func() tea.Cmd {
				return m.command(func(ctx context.Context) (string, error) {
					return "Loop reset", m.ctrl.Reset(ctx, true)
				})
			},
		}
	case key.Matches(msg, keys.Pipeline):
		if len(m.snapshot.State.Steps) == 0 {
			m.status = "No pipeline loaded"
			return m, nil
		}
		return m.run(func(ctx context.Context) (string, error) {
			return "", m.ctrl.StartPipeline(ctx)
		})
	case key.Matches(msg, keys.Complete):
		step, ok := m.currentStep()
		if m.panel != panelPipeline || !ok {
			return m, nil
		}
		return m.run(func(ctx context.Context) (string, error) {
			return "", m.ctrl.CompleteStep(ctx, step.ID)
		})
	}
	return m, nil
}

func (m model) decide(choice models.Decision) (tea.Model, tea.Cmd) {
	var target *models.EntryKey
	if m.selected != nil {
		entry := *m.selected
		target = &entry
	}
	return m.run(func(ctx context.Context) (string, error) {
		outcome, err := m.ctrl.Decide(ctx, choice, target)
		if err != nil {
			return "", err
		}
		return describeOutcome(outcome), nil
	})
}

// run dispatches fn as a command and marks the console busy until it
// returns.
func (m model) run(fn func(context.Context) (string, error)) (tea.Model, tea.Cmd) {
	m.busy++
	m.err = nil
	return m, m.command(fn)
}

func (m model) command(fn func(context.Context) (string, error)) tea.Cmd {
	parent, timeout := m.ctx, m.commandTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		status, err := fn(ctx)
		return resultMsg{status: status, err: err}
	}
}

func (m model) refreshCmd() tea.Cmd {
	ctrl, parent, timeout := m.ctrl, m.ctx, m.commandTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		_, err := ctrl.Refresh(ctx)
		return resultMsg{err: err}
	}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *model) focusCycle(cycle int) {
	m.ctrl.SelectCycle(&cycle)
	m.selected = nil
	m.snapshot = m.ctrl.Snapshot()
	m.syncSelection()
}

func (m *model) moveCursor(delta int) {
	if m.panel == panelPipeline {
		steps := m.snapshot.State.Steps
		if len(steps) == 0 {
			return
		}
		m.stepCursor = clamp(m.stepCursor+delta, 0, len(steps)-1)
		m.ctrl.SelectStep(steps[m.stepCursor].ID)
		return
	}

	entries := m.focusEntries()
	if len(entries) == 0 {
		m.selected = nil
		return
	}
	index := len(entries) - 1
	if m.selected != nil {
		for i, entry := range entries {
			if entry.Key() == *m.selected {
				index = i
				break
			}
		}
	}
	index = clamp(index+delta, 0, len(entries)-1)
	selected := entries[index].Key()
	m.selected = &selected
}

// syncSelection keeps the cursor on an entry of the focused cycle, falling
// back to the newest attempt, and keeps the step cursor in range.
func (m *model) syncSelection() {
	if _, ok := m.selectedEntry(); !ok {
		m.selected = nil
		if cycle, ok := m.snapshot.View.Focus(); ok {
			if latest, ok := cycle.Latest(); ok {
				selected := latest.Key()
				m.selected = &selected
			}
		}
	}

	steps := m.snapshot.State.Steps
	m.stepCursor = 0
	for i, step := range steps {
		if step.ID == m.snapshot.State.SelectedStepID {
			m.stepCursor = i
			break
		}
	}
	if len(steps) == 0 && m.panel == panelPipeline {
		m.panel = panelManifest
	}
}

func (m model) focusEntries() []models.ManifestEntry {
	cycle, ok := m.snapshot.View.Focus()
	if !ok {
		return nil
	}
	return cycle.Entries
}

func (m model) selectedEntry() (models.ManifestEntry, bool) {
	if m.selected == nil {
		return models.ManifestEntry{}, false
	}
	for _, entry := range m.focusEntries() {
		if entry.Key() == *m.selected {
			return entry, true
		}
	}
	return models.ManifestEntry{}, false
}

func (m model) currentStep() (models.PipelineStep, bool) {
	steps := m.snapshot.State.Steps
	if m.stepCursor < 0 || m.stepCursor >= len(steps) {
		return models.PipelineStep{}, false
	}
	return steps[m.stepCursor], true
}

// snapshotFeed hands orchestrator notifications to the program. Only the
// newest snapshot is kept; the model reads it back through listen.
type snapshotFeed struct {
	ch chan orchestrator.Snapshot
}

func newSnapshotFeed() *snapshotFeed {
	return &snapshotFeed{ch: make(chan orchestrator.Snapshot, 1)}
}

func (f *snapshotFeed) publish(snapshot orchestrator.Snapshot) {
	for {
		select {
		case f.ch <- snapshot:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

func (f *snapshotFeed) listen() tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{snapshot: <-f.ch}
	}
}

func describeOutcome(outcome decision.Outcome) string {
	target := fmt.Sprintf("cycle %d retry %d", outcome.Target.Cycle+1, outcome.Target.Retry)
	switch outcome.Action {
	case decision.ActionAdvance:
		return fmt.Sprintf("Recorded %s, launching cycle %d", target, outcome.Launch.Cycle+1)
	case decision.ActionLaunchRetry:
		return fmt.Sprintf("Recorded %s, launching retry %d", target, outcome.Launch.Retry)
	case decision.ActionArmRetry:
		return fmt.Sprintf("Recorded %s, retry %d armed (c to launch)", target, outcome.Arm.RetryIndex)
	}
	switch outcome.Reason {
	case decision.ReasonLoopComplete:
		return "All cycles approved"
	case decision.ReasonAlreadyDecided, decision.ReasonNotAwaiting:
		return fmt.Sprintf("Skipped %s (%s)", target, outcome.Reason)
	}
	return "Recorded " + target
}

func launchStatus(resp *client.StepResponse) string {
	if resp == nil {
		return "Launched"
	}
	if resp.CycleIndex != nil && resp.RetryIndex != nil {
		return fmt.Sprintf("Launched cycle %d retry %d", *resp.CycleIndex+1, *resp.RetryIndex)
	}
	return "Launched prompt " + shortID(resp.PromptID)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
