package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/colorkit/calrun/internal/run"
)

const defaultBarWidth = 30

// BarConfig holds the inputs of one rendered progress line.
type BarConfig struct {
	Event run.ProgressEvent
	// Fill overrides the bar position, for example while it animates
	// toward Event.Percentage. Negative means "use the event".
	Fill  float64
	Width int
	Done  bool
}

// RenderProgressBar renders "[bar] 42% patch 12 of 115". Indeterminate
// progress renders only the message.
func RenderProgressBar(config BarConfig) string {
	ev := config.Event
	message := strings.TrimSpace(ev.Message)
	if ev.Indeterminate() {
		if message == "" {
			return ""
		}
		return InfoStyle.Render(IconWorking) + " " + message
	}

	width := config.Width
	if width <= 0 {
		width = defaultBarWidth
	}
	fill := config.Fill
	if fill < 0 {
		fill = *ev.Percentage / 100
	}
	fill = clamp(fill)

	bar := newBarModel(width, config.Done).ViewAs(fill)
	line := fmt.Sprintf("[%s] %3.0f%%", bar, *ev.Percentage)
	if ev.Total > 0 {
		line += fmt.Sprintf(" %d/%d", ev.Current, ev.Total)
	}
	if message != "" && ev.Total == 0 {
		line += " " + message
	}
	return line
}

func newBarModel(width int, done bool) progress.Model {
	options := []progress.Option{
		progress.WithWidth(width),
		progress.WithoutPercentage(),
		progress.WithFillCharacters('#', '.'),
	}
	if done {
		options = append(options, progress.WithSolidFill(Green))
	} else {
		options = append(options, progress.WithScaledGradient(Amber, Gold))
	}
	model := progress.New(options...)
	model.EmptyColor = Gray
	return model
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// faint dims text that is no longer current.
func faint(text string) string {
	return lipgloss.NewStyle().Faint(true).Render(text)
}
