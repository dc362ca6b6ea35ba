package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/manifest"
	"github.com/tOgg1/loopdeck/internal/models"
	"github.com/tOgg1/loopdeck/internal/orchestrator"
)

// loopReport is the output of `loop show` and `watch`.
type loopReport struct {
	View     manifest.View            `json:"view"`
	Progress events.Progress          `json:"progress"`
	Status   string                   `json:"status,omitempty"`
	Workflow string                   `json:"workflow,omitempty"`
	Steps    []models.PipelineStep    `json:"pipeline_steps,omitempty"`
	Run      *models.PipelineRunState `json:"pipeline_run,omitempty"`
}

func newLoopReport(snapshot orchestrator.Snapshot) loopReport {
	return loopReport{
		View:     snapshot.View,
		Progress: snapshot.State.Progress,
		Status:   snapshot.State.Status,
		Workflow: snapshot.State.WorkflowName,
		Steps:    snapshot.State.Steps,
		Run:      snapshot.State.Run,
	}
}

func (r loopReport) RenderHuman(out io.Writer) error {
	view := r.View
	fmt.Fprintln(out, summaryLine(view, r.Progress))
	if r.Workflow != "" {
		fmt.Fprintf(out, "Workflow: %s\n", r.Workflow)
	}
	if view.LastError != "" {
		fmt.Fprintln(out, colorize("Last error: "+view.LastError, colorRed))
	}
	if view.RetryCandidate != nil {
		fmt.Fprintf(out, "Retry armed: cycle %d retry %d\n", view.RetryCandidate.CycleIndex+1, view.RetryCandidate.RetryIndex)
	}
	if view.ReplaySuppressed != "" {
		fmt.Fprintf(out, "Replay unavailable: %s\n", view.ReplaySuppressed)
	}
	fmt.Fprintln(out)

	rows := make([][]string, 0, len(view.Manifest))
	for _, cycle := range view.Cycles {
		for _, entry := range cycle.Entries {
			marker := " "
			if cycle.Index == view.FocusCycle {
				marker = ">"
			}
			rows = append(rows, []string{
				marker + fmt.Sprintf("%d", cycle.Index+1),
				fmt.Sprintf("%d", entry.RetryIndex),
				string(entry.Status),
				colorize(string(entry.Decision), decisionColor(entry.Decision)),
				outputSummary(entry.Outputs),
			})
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No attempts yet")
	} else if err := writeTable(out, []string{" CYCLE", "RETRY", "STATUS", "DECISION", "OUTPUT"}, rows); err != nil {
		return err
	}

	if len(r.Steps) > 0 {
		fmt.Fprintln(out)
		return renderSteps(out, r.Steps, r.Run)
	}
	return nil
}

// summaryLine is the one-line loop status used by show and watch.
func summaryLine(view manifest.View, progress events.Progress) string {
	status := colorize(string(view.Status), statusColor(view.Status))
	line := fmt.Sprintf("Loop %s  %s  cycle %d/%d  approved %d  %.0f%%",
		view.LoopID, status, min(view.EffectiveCurrentCycle+1, view.TotalCycles), view.TotalCycles,
		view.ApprovedCycles, view.Percent)
	if progress.Status == events.ProgressRunning || progress.Status == events.ProgressQueued {
		exec := "queued"
		if pct := progress.Percent(); pct >= 0 {
			exec = fmt.Sprintf("%.0f%%", pct)
		}
		if progress.Node != "" {
			exec += " " + progress.Node
		}
		line += "  exec " + exec
	}
	return line
}

func renderSteps(out io.Writer, steps []models.PipelineStep, run *models.PipelineRunState) error {
	rows := make([][]string, 0, len(steps))
	for _, step := range steps {
		status := "-"
		message := ""
		if run != nil {
			stepRun := run.Steps[step.ID]
			status = string(stepRun.Status)
			message = stepRun.Error
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", step.Ordinal),
			step.ID,
			string(step.Role),
			step.Workflow,
			status,
			message,
		})
	}
	return writeTable(out, []string{"#", "STEP", "ROLE", "WORKFLOW", "RUN", "ERROR"}, rows)
}

func outputSummary(outputs models.Outputs) string {
	var parts []string
	for _, image := range outputs.Images {
		parts = append(parts, strings.TrimPrefix(image.Subfolder+"/"+image.Filename, "/"))
	}
	if outputs.Text != "" {
		text := outputs.Text
		if len(text) > 40 {
			text = text[:37] + "..."
		}
		parts = append(parts, fmt.Sprintf("%q", text))
	}
	if len(outputs.JSON) > 0 {
		parts = append(parts, "json")
	}
	if n := len(outputs.Audio) + len(outputs.Video) + len(outputs.Binary); n > 0 {
		parts = append(parts, fmt.Sprintf("%d media", n))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
