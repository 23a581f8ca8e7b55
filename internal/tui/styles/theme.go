package styles

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Primary = lipgloss.Color("#D97706") // amber
	Success = lipgloss.Color("#16A34A") // green
	Warning = lipgloss.Color("#EAB308") // yellow
	Error   = lipgloss.Color("#DC2626") // red
	Muted   = lipgloss.Color("#71717A") // gray
	Text    = lipgloss.Color("#FAFAFA") // near white

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Label = lipgloss.NewStyle().
		Foreground(Muted).
		Width(12)

	Value = lipgloss.NewStyle().
		Foreground(Text).
		Bold(true)

	StatusBar = lipgloss.NewStyle().
			Foreground(Muted).
			MarginTop(1)

	StatsBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Muted).
			Padding(0, 1).
			Width(32)

	ErrorText = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	DoneText = lipgloss.NewStyle().
			Foreground(Success).
			Bold(true)
)
