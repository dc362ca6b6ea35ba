package looptui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
)

const minPanelWidth = 40

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	cursorStyle   = lipgloss.NewStyle().Reverse(true)
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	activeBorder  = lipgloss.Color("6")
	passiveBorder = lipgloss.Color("8")
)

func (m model) View() string {
	if m.quitting {
		return ""
	}

	view := m.snapshot.View
	width := max(m.width, minPanelWidth*2+2)
	if view.LoopID == "" {
		return header(view, m.snapshot.State.Progress) + "\n\nNo loop selected. Create one with `loopdeck loop create`.\n"
	}

	var b strings.Builder
	b.WriteString(header(view, m.snapshot.State.Progress))
	b.WriteString("\n")
	b.WriteString(cycleStrip(view))
	b.WriteString("\n\n")

	left := m.manifestPanel(width/2 - 1)
	right := m.detailPanel(width - width/2 - 1)
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	b.WriteString("\n")

	if len(m.snapshot.State.Steps) > 0 {
		b.WriteString(m.pipelinePanel(width - 2))
		b.WriteString("\n")
	}

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	if m.mode == modeConfirm && m.confirm != nil {
		b.WriteString(warnStyle.Render(m.confirm.Prompt))
	} else {
		b.WriteString(m.help.View(keys))
	}
	return b.String()
}

func header(view manifest.View, progress events.Progress) string {
	line := fmt.Sprintf("loopdeck | loop %s | %s | approved %d/%d (%.0f%%)",
		shortID(view.LoopID), statusText(view.Status), view.ApprovedCycles, view.TotalCycles, view.Percent)
	if progress.Status == events.ProgressRunning || progress.Status == events.ProgressQueued {
		exec := progress.Status
		if pct := progress.Percent(); pct >= 0 {
			exec = fmt.Sprintf("%.0f%%", pct)
		}
		if progress.Node != "" {
			exec += " " + progress.Node
		}
		line += " | exec " + exec
	}
	return titleStyle.Render(line)
}

// cycleStrip renders one cell per cycle: approved cycles in green, cycles
// with attempts in flight in yellow, the focused cycle in brackets.
func cycleStrip(view manifest.View) string {
	cells := make([]string, 0, len(view.Cycles))
	for _, cycle := range view.Cycles {
		label := fmt.Sprintf("%d", cycle.Index+1)
		switch {
		case cycle.Approved:
			label = okStyle.Render(label)
		case cycle.HasPending:
			label = warnStyle.Render(label)
		case len(cycle.Entries) == 0:
			label = mutedStyle.Render(label)
		}
		if cycle.Index == view.FocusCycle {
			label = "[" + label + "]"
		} else {
			label = " " + label + " "
		}
		cells = append(cells, label)
	}
	return "cycles " + strings.Join(cells, "")
}

func (m model) manifestPanel(width int) string {
	view := m.snapshot.View
	lines := []string{titleStyle.Render(fmt.Sprintf("Cycle %d", view.FocusCycle+1))}

	entries := m.focusEntries()
	if len(entries) == 0 {
		lines = append(lines, mutedStyle.Render("no attempts (s to step)"))
	}
	for _, entry := range entries {
		line := fmt.Sprintf("retry %-2d %-8s %s", entry.RetryIndex, entry.Status, decisionText(entry.Decision))
		line = truncateLine(line, width-4)
		if m.selected != nil && entry.Key() == *m.selected && m.panel == panelManifest {
			line = cursorStyle.Render(line)
		}
		lines = append(lines, line)
	}
	if view.RetryCandidate != nil && view.RetryCandidate.CycleIndex == view.FocusCycle {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("retry %d armed (c to launch)", view.RetryCandidate.RetryIndex)))
	}
	if view.PendingLaunch != nil {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("launching cycle %d...", view.PendingLaunch.CycleIndex+1)))
	}
	return panelStyle.Width(width).BorderForeground(borderFor(m.panel == panelManifest)).Render(strings.Join(lines, "\n"))
}

func (m model) detailPanel(width int) string {
	lines := []string{titleStyle.Render("Output")}
	entry, ok := m.selectedEntry()
	if !ok {
		lines = append(lines, mutedStyle.Render("nothing selected"))
	} else {
		lines = append(lines, fmt.Sprintf("cycle %d retry %d  %s", entry.CycleIndex+1, entry.RetryIndex, entry.Status))
		if entry.PromptID != "" {
			lines = append(lines, mutedStyle.Render("prompt "+shortID(entry.PromptID)))
		}
		if entry.Info != "" {
			lines = append(lines, errorStyle.Render(truncateLine(entry.Info, width-4)))
		}
		lines = append(lines, outputLines(entry.Outputs, width-4)...)
	}
	if reason := m.snapshot.View.ReplaySuppressed; reason != "" {
		lines = append(lines, mutedStyle.Render("replay unavailable: "+reason))
	}
	return panelStyle.Width(width).BorderForeground(passiveBorder).Render(strings.Join(lines, "\n"))
}

func (m model) pipelinePanel(width int) string {
	state := m.snapshot.State
	title := "Pipeline"
	if state.Run != nil {
		switch {
		case state.Run.Active():
			title += " (running)"
		case state.Run.HasError():
			title += " (failed)"
		default:
			title += " (done)"
		}
	}
	lines := []string{titleStyle.Render(title)}
	for i, step := range state.Steps {
		status := "-"
		message := ""
		if state.Run != nil {
			run := state.Run.Steps[step.ID]
			status = string(run.Status)
			message = run.Error
		}
		workflow := step.Workflow
		if step.IsManual() {
			workflow = "(manual)"
		}
		line := fmt.Sprintf("%d. %-12s %-11s %-24s %s", step.Ordinal, step.ID, step.Role, workflow, stepStatusText(models.StepRunStatus(status)))
		if message != "" {
			line += " " + message
		}
		line = truncateLine(line, width-4)
		if i == m.stepCursor && m.panel == panelPipeline {
			line = cursorStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return panelStyle.Width(width).BorderForeground(borderFor(m.panel == panelPipeline)).Render(strings.Join(lines, "\n"))
}

func (m model) statusLine() string {
	if m.err != nil {
		return errorStyle.Render("Error: " + m.err.Error())
	}
	status := m.status
	if status == "" {
		status = m.snapshot.State.Status
	}
	if m.snapshot.View.LastError != "" && status == "" {
		return errorStyle.Render(m.snapshot.View.LastError)
	}
	if m.busy > 0 {
		status = "working... " + status
	}
	return mutedStyle.Render(status)
}

func outputLines(outputs models.Outputs, width int) []string {
	var lines []string
	for _, image := range outputs.Images {
		path := strings.TrimPrefix(image.Subfolder+"/"+image.Filename, "/")
		lines = append(lines, truncateLine("image "+path, width))
	}
	if outputs.Text != "" {
		for _, line := range strings.Split(strings.TrimSpace(outputs.Text), "\n") {
			lines = append(lines, truncateLine(line, width))
		}
	}
	if len(outputs.JSON) > 0 {
		lines = append(lines, truncateLine("json "+string(outputs.JSON), width))
	}
	if n := len(outputs.Audio) + len(outputs.Video) + len(outputs.Binary); n > 0 {
		lines = append(lines, fmt.Sprintf("%d media files", n))
	}
	if len(lines) == 0 {
		lines = append(lines, mutedStyle.Render("no outputs yet"))
	}
	return lines
}

func statusText(status models.LoopStatus) string {
	switch {
	case status == models.LoopStatusComplete:
		return okStyle.Render(string(status))
	case status.IsFailure():
		return errorStyle.Render(string(status))
	case status == models.LoopStatusRunning || status == models.LoopStatusQueued:
		return warnStyle.Render(string(status))
	default:
		return string(status)
	}
}

func decisionText(d models.Decision) string {
	switch d {
	case models.DecisionApprove:
		return okStyle.Render(string(d))
	case models.DecisionReject, models.DecisionDiscard:
		return errorStyle.Render(string(d))
	case models.DecisionReplay:
		return warnStyle.Render(string(d))
	case "", models.DecisionPending:
		return mutedStyle.Render("pending")
	default:
		return string(d)
	}
}

func stepStatusText(status models.StepRunStatus) string {
	switch status {
	case models.StepRunDone:
		return okStyle.Render(string(status))
	case models.StepRunError:
		return errorStyle.Render(string(status))
	case models.StepRunRunning, models.StepRunWaiting:
		return warnStyle.Render(string(status))
	default:
		return mutedStyle.Render(string(status))
	}
}

func borderFor(active bool) lipgloss.Color {
	if active {
		return activeBorder
	}
	return passiveBorder
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncateLine(text string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(text) <= width {
		return text
	}
	if width <= 3 {
		return text[:width]
	}
	return text[:width-3] + "..."
}
