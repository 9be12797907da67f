// Package tui provides the shared palette and styles for the watch TUI.
package tui

import "github.com/charmbracelet/lipgloss"

// Colors.
var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Accent = lipgloss.NewStyle().
		Foreground(ColorAccent).
		Bold(true)

	// Help is the key hint bar.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)
)

func dot(c lipgloss.Color) string {
	return lipgloss.NewStyle().Foreground(c).Render("●")
}

func stateColor(state string) lipgloss.Color {
	switch state {
	case "open", "valid":
		return ColorSuccess
	case "connecting", "closing", "refreshing", "invalid":
		return ColorWarning
	default:
		return ColorError
	}
}

// StateDot returns a colored dot for a channel or session state.
func StateDot(state string) string {
	return dot(stateColor(state))
}

// StateText returns a colored state label.
func StateText(state string) string {
	if state == "" {
		state = "unknown"
	}
	return lipgloss.NewStyle().Foreground(stateColor(state)).Render(state)
}

// LogLevelStyle returns a style for the given log level.
func LogLevelStyle(level string) lipgloss.Style {
	switch level {
	case "DEBUG":
		return lipgloss.NewStyle().Foreground(ColorMuted)
	case "INFO":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "WARN":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "ERROR":
		return lipgloss.NewStyle().Foreground(ColorError)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
