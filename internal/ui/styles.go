package ui

import "github.com/charmbracelet/lipgloss"

// Colors used throughout the TUI.
var (
	ColorRed     = lipgloss.Color("#FF5555")
	ColorGreen   = lipgloss.Color("#50FA7B")
	ColorYellow  = lipgloss.Color("#F1FA8C")
	ColorCyan    = lipgloss.Color("#8BE9FD")
	ColorGray    = lipgloss.Color("#666666")
	ColorDimGray = lipgloss.Color("#444444")
	ColorWhite   = lipgloss.Color("#F8F8F2")
	ColorMagenta = lipgloss.Color("#FF79C6")
)

// Base styles reused by UI components.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	StatusStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	RecordingDotStyle = lipgloss.NewStyle().
				Foreground(ColorRed).
				Bold(true)

	IdleDotStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	ErrorTextStyle = lipgloss.NewStyle().
			Foreground(ColorRed)

	TypingStyle = lipgloss.NewStyle().
			Foreground(ColorYellow)

	InterimStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Italic(true)

	LearnerLabelStyle = lipgloss.NewStyle().
				Foreground(ColorCyan).
				Bold(true)

	TutorLabelStyle = lipgloss.NewStyle().
			Foreground(ColorGreen).
			Bold(true)

	RabbitholeStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta)

	PassStyle = lipgloss.NewStyle().
			Foreground(ColorGreen).
			Bold(true)

	FailStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	FooterKeyStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	FooterDescStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	DividerStyle = lipgloss.NewStyle().
			Foreground(ColorDimGray)

	LevelGreenStyle = lipgloss.NewStyle().
			Foreground(ColorGreen)

	LevelYellowStyle = lipgloss.NewStyle().
				Foreground(ColorYellow)

	LevelGrayStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	ReviewStyle = lipgloss.NewStyle().
			Foreground(ColorWhite).
			Bold(true)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta)
)
