package tui

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title     lipgloss.Style
	label     lipgloss.Style
	value     lipgloss.Style
	dim       lipgloss.Style
	running   lipgloss.Style
	completed lipgloss.Style
	failed    lipgloss.Style
	skipped   lipgloss.Style
	warning   lipgloss.Style
	section   lipgloss.Style
	hint      lipgloss.Style
	hintKey   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("45")).
			Padding(0, 1),

		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		dim: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		running: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")),

		completed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		failed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		skipped: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),

		warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		section: lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Bold(true).
			MarginTop(1),

		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		hintKey: lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Bold(true),
	}
}
