package ui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette.
var (
	ctpBase     = lipgloss.Color("#1e1e2e")
	ctpSurface0 = lipgloss.Color("#313244")
	ctpOverlay0 = lipgloss.Color("#6c7086")
	ctpSubtext0 = lipgloss.Color("#a6adc8")
	ctpText     = lipgloss.Color("#cdd6f4")
	ctpBlue     = lipgloss.Color("#89b4fa")
	ctpGreen    = lipgloss.Color("#a6e3a1")
	ctpRed      = lipgloss.Color("#f38ba8")
	ctpYellow   = lipgloss.Color("#f9e2af")
	ctpPeach    = lipgloss.Color("#fab387")
	ctpMauve    = lipgloss.Color("#cba6f7")
)

var (
	styleTitle    = lipgloss.NewStyle().Bold(true).Foreground(ctpMauve)
	styleHeader   = lipgloss.NewStyle().Foreground(ctpSubtext0).Underline(true)
	styleRow      = lipgloss.NewStyle().Foreground(ctpText)
	styleSelected = lipgloss.NewStyle().Foreground(ctpBase).Background(ctpBlue).Bold(true)
	styleDimmed   = lipgloss.NewStyle().Foreground(ctpOverlay0)
	styleError    = lipgloss.NewStyle().Foreground(ctpRed)
	styleWarning  = lipgloss.NewStyle().Foreground(ctpPeach)
	styleBox      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ctpSurface0).Padding(0, 1)
)

// stateColor maps a session state name to its badge colour.
func stateColor(state string) lipgloss.Color {
	switch state {
	case "active":
		return ctpGreen
	case "connecting", "ringing":
		return ctpYellow
	case "ending":
		return ctpPeach
	default:
		return ctpOverlay0
	}
}
