package tui

import "github.com/charmbracelet/lipgloss"

// Theme defines the color palette for the vault TUI.
type Theme struct {
	Title      lipgloss.Style
	Subtle     lipgloss.Style
	Error      lipgloss.Style
	Status     lipgloss.Style
	FieldLabel lipgloss.Style
	FieldValue lipgloss.Style
	Selected   lipgloss.Style
	Border     lipgloss.Style
	Help       lipgloss.Style
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	Title:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
	Subtle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	Error:      lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	Status:     lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
	FieldLabel: lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12),
	FieldValue: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
	Selected:   lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57")),
	Border:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1),
	Help:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
}
