package tui

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles used by the view
type Styles struct {
	Header    lipgloss.Style
	Status    lipgloss.Style
	Busy      lipgloss.Style
	UserMsg   lipgloss.Style
	AIMsg     lipgloss.Style
	ErrorMsg  lipgloss.Style
	SystemMsg lipgloss.Style
	Input     lipgloss.Style
	Help      lipgloss.Style
}

// DefaultStyles returns the default color scheme
func DefaultStyles() Styles {
	return Styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF79C6")),
		Status:    lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")),
		Busy:      lipgloss.NewStyle().Foreground(lipgloss.Color("#F1FA8C")),
		UserMsg:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD")),
		AIMsg:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#50FA7B")),
		ErrorMsg:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5555")),
		SystemMsg: lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#BD93F9")),
		Input:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#44475A")).Padding(0, 1),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")),
	}
}
