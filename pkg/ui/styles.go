package ui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)
	modelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).PaddingLeft(1)

	stateStyles = map[string]lipgloss.Style{
		"open":       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"connecting": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"closed":     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}

	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	statusStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	emptyStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
)
