// Package ui renders calibration runs in a terminal: a live bubbletea
// view with embedded prompts for interactive terminals, and a plain line
// printer for everything else.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Amber marks active measurement.
	Amber = "#FF9966"
	// Gold is the progress gradient end.
	Gold = "#FFAA00"
	// Blue marks informational and waiting states.
	Blue = "#9999CC"
	// Red marks failures.
	Red = "#FF3333"
	// Yellow marks warnings such as misread retries.
	Yellow = "#FFCC00"
	// Green marks completed runs.
	Green = "#33FF33"
	// Gray is the muted neutral.
	Gray = "#52526A"
	// White is the primary text color.
	White = "#F5F6FA"
)

const (
	IconDone    = "✓"
	IconWorking = "●"
	IconWaiting = "⏸"
	IconFailed  = "✗"
	IconAlert   = "⚠"
	IconRetry   = "↻"
	IconStopped = "⊘"
)

var (
	AmberColor  = profileColor(Amber, "209", "11")
	GoldColor   = profileColor(Gold, "214", "11")
	BlueColor   = profileColor(Blue, "146", "12")
	RedColor    = profileColor(Red, "203", "9")
	YellowColor = profileColor(Yellow, "220", "11")
	GreenColor  = profileColor(Green, "46", "10")
	GrayColor   = profileColor(Gray, "60", "8")
	WhiteColor  = profileColor(White, "255", "15")
)

var (
	ActiveStyle  = lipgloss.NewStyle().Foreground(AmberColor).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(GreenColor).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(RedColor).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(YellowColor).Bold(true)
	InfoStyle    = lipgloss.NewStyle().Foreground(BlueColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(GrayColor)
	TitleStyle   = lipgloss.NewStyle().Foreground(WhiteColor).Bold(true)

	// PromptBorder frames a question waiting for the user.
	PromptBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(AmberColor).
			Padding(0, 1)
)

var colorProfileFn = lipgloss.ColorProfile

func profileColor(hex, ansi256, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.Ascii:
		return lipgloss.NoColor{}
	case termenv.ANSI256, termenv.ANSI:
		c := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: c, Dark: c}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
