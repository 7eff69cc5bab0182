package ui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor   = lipgloss.Color("205")
	SecondaryColor = lipgloss.Color("39")
	SuccessColor   = lipgloss.Color("42")
	ErrorColor     = lipgloss.Color("196")
	MutedColor     = lipgloss.Color("241")

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	ActiveTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(PrimaryColor).
			Padding(0, 1)

	TabStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 1)

	MessageAuthorStyle    = lipgloss.NewStyle().Foreground(SecondaryColor)
	MessageOwnAuthorStyle = lipgloss.NewStyle().Foreground(SuccessColor).Bold(true)
	TimestampStyle        = lipgloss.NewStyle().Foreground(MutedColor)

	StatusStyle = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)
	ErrorStyle  = lipgloss.NewStyle().Foreground(ErrorColor).Bold(true)

	ChatBorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 1)
)
