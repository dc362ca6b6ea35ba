// Package cli provides color helpers for human output.
package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/tOgg1/loopdeck/internal/models"
)

var (
	colorRed    = lipgloss.Color("1")
	colorGreen  = lipgloss.Color("2")
	colorYellow = lipgloss.Color("3")
	colorBlue   = lipgloss.Color("4")
	colorCyan   = lipgloss.Color("6")
	colorGray   = lipgloss.Color("8")
)

func colorEnabled() bool {
	if IsJSONOutput() || IsJSONLOutput() {
		return false
	}
	if noColor {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return true
}

func colorize(text string, color lipgloss.Color) string {
	if !colorEnabled() || color == "" {
		return text
	}
	return lipgloss.NewStyle().Foreground(color).Render(text)
}

func statusColor(status models.LoopStatus) lipgloss.Color {
	switch status {
	case models.LoopStatusComplete:
		return colorGreen
	case models.LoopStatusQueued, models.LoopStatusRunning:
		return colorCyan
	case models.LoopStatusError, models.LoopStatusFailed:
		return colorRed
	default:
		return colorGray
	}
}

func decisionColor(decision models.Decision) lipgloss.Color {
	switch decision {
	case models.DecisionApprove:
		return colorGreen
	case models.DecisionReject:
		return colorRed
	case models.DecisionReplay:
		return colorBlue
	case models.DecisionDiscard:
		return colorGray
	default:
		return colorYellow
	}
}
