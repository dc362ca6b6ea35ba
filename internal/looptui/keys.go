package looptui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit      key.Binding
	Help      key.Binding
	Up        key.Binding
	Down      key.Binding
	PrevCycle key.Binding
	NextCycle key.Binding
	Follow    key.Binding
	Approve   key.Binding
	Reject    key.Binding
	Replay    key.Binding
	Discard   key.Binding
	Step      key.Binding
	Candidate key.Binding
	Refresh   key.Binding
	Export    key.Binding
	Reset     key.Binding
	Panel     key.Binding
	Pipeline  key.Binding
	Complete  key.Binding
	Confirm   key.Binding
	Cancel    key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	PrevCycle: key.NewBinding(
		key.WithKeys("left", "h"),
		key.WithHelp("←/h", "prev cycle"),
	),
	NextCycle: key.NewBinding(
		key.WithKeys("right", "l"),
		key.WithHelp("→/l", "next cycle"),
	),
	Follow: key.NewBinding(
		key.WithKeys("f"),
		key.WithHelp("f", "follow loop"),
	),
	Approve: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "approve"),
	),
	Reject: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reject"),
	),
	Replay: key.NewBinding(
		key.WithKeys("p"),
		key.WithHelp("p", "replay"),
	),
	Discard: key.NewBinding(
		key.WithKeys("d"),
		key.WithHelp("d", "discard"),
	),
	Step: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "step"),
	),
	Candidate: key.NewBinding(
		key.WithKeys("c"),
		key.WithHelp("c", "launch armed retry"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("ctrl+r", "R"),
		key.WithHelp("R", "refresh"),
	),
	Export: key.NewBinding(
		key.WithKeys("x"),
		key.WithHelp("x", "export approved"),
	),
	Reset: key.NewBinding(
		key.WithKeys("X"),
		key.WithHelp("X", "reset loop"),
	),
	Panel: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "manifest/pipeline"),
	),
	Pipeline: key.NewBinding(
		key.WithKeys("P"),
		key.WithHelp("P", "start pipeline"),
	),
	Complete: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "complete step"),
	),
	Confirm: key.NewBinding(
		key.WithKeys("y", "Y"),
		key.WithHelp("y", "confirm"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("n", "N", "esc"),
		key.WithHelp("n", "cancel"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Approve, k.Reject, k.Replay, k.Discard, k.Step, k.Panel, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.PrevCycle, k.NextCycle, k.Follow},
		{k.Approve, k.Reject, k.Replay, k.Discard},
		{k.Step, k.Candidate, k.Refresh, k.Export, k.Reset},
		{k.Panel, k.Pipeline, k.Complete, k.Help, k.Quit},
	}
}
